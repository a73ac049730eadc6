package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Publisher is the producer side of a pipeline: it wraps payloads into
// envelopes and publishes them through the transport.
type Publisher struct {
	transport Transport
	codec     Codec
	logger    *slog.Logger
}

// NewPublisher creates a Publisher. A nil codec selects JSONCodec and a nil
// logger selects slog.Default().
func NewPublisher(t Transport, codec Codec, logger *slog.Logger) *Publisher {
	if codec == nil {
		codec = JSONCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{transport: t, codec: codec, logger: logger}
}

// Enqueue publishes payload to queues[0]. The remaining names become the
// envelope's callbacks, replacing any callbacks an already-enveloped payload
// carried.
//
//	p.Enqueue(ctx, []string{"add.bread", "add.meat", "eat.sandwich"}, order)
func (p *Publisher) Enqueue(ctx context.Context, queues []string, payload any) error {
	if err := validTarget(queues); err != nil {
		return err
	}
	env, err := toEnvelope(payload)
	if err != nil {
		return err
	}
	env.Callbacks = nil
	if len(queues) > 1 {
		env.Callbacks = append([]string(nil), queues[1:]...)
	}
	return p.publish(ctx, queues[0], env)
}

// EnqueueOne publishes payload to a single queue. Callbacks of an
// already-enveloped payload are kept.
func (p *Publisher) EnqueueOne(ctx context.Context, queue string, payload any) error {
	if queue == "" {
		return ErrInvalidTarget
	}
	env, err := toEnvelope(payload)
	if err != nil {
		return err
	}
	return p.publish(ctx, queue, env)
}

// Forward runs the pipeline continuation: it pops the next callback from env
// and publishes the remaining envelope there. It returns the queue forwarded
// to, or "" when the chain is exhausted.
func (p *Publisher) Forward(ctx context.Context, env *Envelope) (string, error) {
	next, ok := env.Next()
	if !ok {
		return "", nil
	}
	env.Headers = nil
	if err := p.publish(ctx, next, env); err != nil {
		return "", err
	}
	return next, nil
}

func (p *Publisher) publish(ctx context.Context, queue string, env *Envelope) error {
	if p.transport == nil {
		return ErrNoTransport
	}
	data, err := p.codec.Encode(env)
	if err != nil {
		return err
	}
	p.logger.Debug("send", "queue", queue, "body", string(data))
	if err := p.transport.Publish(ctx, queue, data); err != nil {
		return fmt.Errorf("jobmux: publish to %q: %w", queue, err)
	}
	return nil
}

func validTarget(queues []string) error {
	if len(queues) == 0 {
		return ErrInvalidTarget
	}
	for _, q := range queues {
		if q == "" {
			return ErrInvalidTarget
		}
	}
	return nil
}

// toEnvelope wraps payload as {content: payload} unless it already is
// envelope-shaped, so forwarding never double-wraps.
func toEnvelope(payload any) (*Envelope, error) {
	switch v := payload.(type) {
	case *Envelope:
		if v == nil {
			return &Envelope{Content: json.RawMessage("null")}, nil
		}
		return v.Clone(), nil
	case Envelope:
		return v.Clone(), nil
	case map[string]any:
		if truthy(v["content"]) {
			return envelopeFromMap(v)
		}
	case json.RawMessage:
		if env, ok := envelopeFromJSON(v); ok {
			return env, nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("jobmux: payload is not valid JSON")
		}
		return &Envelope{Content: bytes.Clone(v)}, nil
	}
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("jobmux: encode payload: %w", err)
	}
	return &Envelope{Content: content}, nil
}

// truthy reports whether a content value marks a payload as an envelope:
// anything but a missing key, nil or false.
func truthy(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return v != nil
}

func envelopeFromMap(m map[string]any) (*Envelope, error) {
	content, err := json.Marshal(m["content"])
	if err != nil {
		return nil, fmt.Errorf("jobmux: encode payload: %w", err)
	}
	env := &Envelope{Content: content}
	switch cbs := m["callbacks"].(type) {
	case []string:
		env.Callbacks = append([]string(nil), cbs...)
	case []any:
		for _, cb := range cbs {
			if s, ok := cb.(string); ok {
				env.Callbacks = append(env.Callbacks, s)
			}
		}
	}
	return env, nil
}

func envelopeFromJSON(data json.RawMessage) (*Envelope, bool) {
	var shape struct {
		Content   json.RawMessage `json:"content"`
		Callbacks []string        `json:"callbacks"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, false
	}
	if c := string(bytes.TrimSpace(shape.Content)); c == "" || c == "null" || c == "false" {
		return nil, false
	}
	return &Envelope{Content: shape.Content, Callbacks: shape.Callbacks}, true
}
