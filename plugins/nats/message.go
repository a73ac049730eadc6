package nats

import (
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/miladsoleymani/jobmux/core"
)

func toDelivery(queue string, msg jetstream.Msg) core.Delivery {
	return core.Delivery{Queue: queue, Body: msg.Data(), Token: msg}
}

// ackToken acknowledges a JetStream message. Unacked messages are
// redelivered by the server after AckWait.
func ackToken(token core.AckToken) error {
	msg, ok := token.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("jobmux/nats: unexpected ack token %T", token)
	}
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("jobmux/nats: ack: %w", err)
	}
	return nil
}
