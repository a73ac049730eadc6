package rabbitmq

// Option configures the RabbitMQ transport.
type Option func(*options)

type options struct {
	// Exchange settings
	exchange     string
	exchangeType string

	// Queue settings
	durable    bool
	autoDelete bool
	persistent bool

	consumerPrefix string
}

func defaults() options {
	return options{
		exchange:       "", // default exchange, routing key is the queue name
		exchangeType:   "direct",
		durable:        true,
		persistent:     true,
		consumerPrefix: "jobmux",
	}
}

// WithExchange publishes through a named exchange instead of the default
// one. Queues are bound to it with their own name as routing key.
func WithExchange(name, kind string) Option {
	return func(o *options) {
		o.exchange = name
		o.exchangeType = kind
	}
}

// WithDurable controls whether queues survive broker restart.
func WithDurable(d bool) Option {
	return func(o *options) { o.durable = d }
}

// WithAutoDelete causes the queue to be deleted when the last consumer disconnects.
func WithAutoDelete(d bool) Option {
	return func(o *options) { o.autoDelete = d }
}

// WithPersistent controls whether published envelopes are written to disk.
func WithPersistent(p bool) Option {
	return func(o *options) { o.persistent = p }
}

// WithConsumerPrefix sets the prefix of generated consumer tags.
func WithConsumerPrefix(p string) Option {
	return func(o *options) { o.consumerPrefix = p }
}
