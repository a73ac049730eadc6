package core

import (
	"encoding/json"
	"slices"
)

// Envelope is the wire unit placed on every queue:
//
//	{"content": <any>, "callbacks": ["next.queue", ...], "headers": [...]}
//
// Callbacks is consumed strictly left-to-right, one name per hop.
// Headers holds delivery metadata (at most the transport ack token) and is
// cleared before the envelope is forwarded.
type Envelope struct {
	Content   json.RawMessage `json:"content"`
	Callbacks []string        `json:"callbacks,omitempty"`
	Headers   []any           `json:"headers,omitempty"`
}

// Next pops the first callback. ok is false when the chain is exhausted.
func (e *Envelope) Next() (queue string, ok bool) {
	if len(e.Callbacks) == 0 {
		return "", false
	}
	queue = e.Callbacks[0]
	e.Callbacks = e.Callbacks[1:]
	if len(e.Callbacks) == 0 {
		e.Callbacks = nil
	}
	return queue, true
}

// Clone returns a deep copy of the content and callbacks. Headers are not copied.
func (e *Envelope) Clone() *Envelope {
	return &Envelope{
		Content:   slices.Clone(e.Content),
		Callbacks: slices.Clone(e.Callbacks),
	}
}
