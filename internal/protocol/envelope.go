// Package protocol defines the commands and events exchanged between the
// cowork client and the agent backend.
//
// # Wire Format
//
// All messages are JSON-encoded with the following structure:
//
//	{
//	    "type": "session.start",
//	    "payload": { ... }  // Optional, type-specific payload
//	}
//
// Commands flow from the client to the backend (see the Cmd* constants),
// events flow from the backend to the client (see the Evt* constants).
// Inbound payloads are validated here, at the boundary, so the rest of the
// module only ever sees typed values with documented defaults.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownCommand is returned when decoding a command with an unrecognized type.
	ErrUnknownCommand = errors.New("unknown command type")
	// ErrMalformedEvent is returned when a known event carries a payload that cannot be decoded.
	ErrMalformedEvent = errors.New("malformed event payload")
)

// Envelope is the outer JSON object of every message on the channel.
type Envelope struct {
	Type    string          `json:"type"`              // Message type (see Cmd* and Evt* constants)
	Payload json.RawMessage `json:"payload,omitempty"` // Type-specific payload
}

// ParseEnvelope parses raw message bytes into an Envelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing type")
	}
	return env, nil
}

// marshalEnvelope wraps a payload into an envelope.
// A nil payload produces an envelope without the payload field.
func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}
