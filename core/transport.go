package core

import "context"

// AckToken is the transport-specific handle used to acknowledge a delivery.
// The core never inspects it.
type AckToken any

// Delivery is one message handed to a subscriber.
type Delivery struct {
	Queue string
	Body  []byte
	Token AckToken
}

// DeliveryFunc receives deliveries for a subscription. Transports call it
// from their own goroutines; it returns once the delivery has been processed.
type DeliveryFunc func(ctx context.Context, d Delivery)

// Transport is the broker capability set the worker consumes.
// Each transport plugin implements this interface.
//
// Subscribe starts consuming and returns immediately; at most prefetch
// deliveries are outstanding (unacknowledged) at any time.
type Transport interface {
	Publish(ctx context.Context, queue string, body []byte) error
	Subscribe(ctx context.Context, queue string, prefetch int, fn DeliveryFunc) error
	Unsubscribe(ctx context.Context, queue string) error
	Ack(ctx context.Context, token AckToken) error
	QueueDepth(ctx context.Context, queue string) (int, error)
	Close() error
}
