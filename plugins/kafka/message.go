package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/jobmux/core"
)

// token carries the reader a message was fetched from, so the commit
// goes to the right consumer group generation.
type token struct {
	reader *kafka.Reader
	msg    kafka.Message
}

func toDelivery(queue string, r *kafka.Reader, msg kafka.Message) core.Delivery {
	return core.Delivery{Queue: queue, Body: msg.Value, Token: token{reader: r, msg: msg}}
}

// ackToken commits the offset of the message. Uncommitted messages are
// redelivered on the next rebalance or restart.
func ackToken(ctx context.Context, t core.AckToken) error {
	tok, ok := t.(token)
	if !ok {
		return fmt.Errorf("jobmux/kafka: unexpected ack token %T", t)
	}
	if err := tok.reader.CommitMessages(ctx, tok.msg); err != nil {
		return fmt.Errorf("jobmux/kafka: commit offset: %w", err)
	}
	return nil
}
