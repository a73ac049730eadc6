package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/miladsoleymani/jobmux/core"
)

// toDelivery adapts an amqp.Delivery. The delivery itself is the ack token
// so the ack goes back on the channel it arrived on.
func toDelivery(queue string, d amqp.Delivery) core.Delivery {
	return core.Delivery{Queue: queue, Body: d.Body, Token: d}
}

func ackToken(token core.AckToken) error {
	d, ok := token.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("jobmux/rabbitmq: unexpected ack token %T", token)
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("jobmux/rabbitmq: ack: %w", err)
	}
	return nil
}
