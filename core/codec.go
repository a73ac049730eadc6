package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Codec converts envelopes to and from wire bytes.
// Implement this interface for a different envelope encoding.
type Codec interface {
	Encode(env *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
}

// JSONCodec encodes envelopes as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Encode(env *Envelope) ([]byte, error) {
	out := *env
	if len(out.Content) == 0 {
		out.Content = json.RawMessage("null")
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("jobmux: encode envelope: %w", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrDecode)
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if len(env.Content) == 0 {
		env.Content = json.RawMessage("null")
	}
	return &env, nil
}
