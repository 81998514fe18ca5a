package protocol

import (
	"encoding/json"
	"strings"
)

// StreamEventKind is the kind of a streamed content-block event.
type StreamEventKind string

const (
	ContentBlockStart StreamEventKind = "content_block_start"
	ContentBlockDelta StreamEventKind = "content_block_delta"
	ContentBlockStop  StreamEventKind = "content_block_stop"
)

// StreamEvent is the payload of a stream_event message.
type StreamEvent struct {
	Kind  StreamEventKind
	Index int
	// Delta is only meaningful for content_block_delta events.
	Delta Delta
}

// Delta is one incremental fragment of a content block.
type Delta struct {
	// Type is the delta kind tag, e.g. "text_delta".
	Type string
	// Text is the extracted text, empty when the field was missing.
	Text string
	// Malformed is set when the tagged text field was absent or not a string.
	Malformed bool
}

// ParseStreamEvent decodes a stream event. Unknown or malformed events yield
// a StreamEvent whose Kind is empty or unrecognized; callers ignore those.
func ParseStreamEvent(raw json.RawMessage) StreamEvent {
	var wire struct {
		Type  string          `json:"type"`
		Index int             `json:"index"`
		Delta json.RawMessage `json:"delta"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &wire) != nil {
		return StreamEvent{}
	}
	ev := StreamEvent{
		Kind:  StreamEventKind(wire.Type),
		Index: wire.Index,
	}
	if ev.Kind == ContentBlockDelta {
		ev.Delta = ParseDelta(wire.Delta)
	}
	return ev
}

// ParseDelta extracts the text of a delta. The kind tag names the field that
// holds the text: the part of the tag before the first underscore, so
// "text_delta" reads "text" and "thinking_delta" reads "thinking". A missing
// or non-string field yields an empty, malformed delta.
func ParseDelta(raw json.RawMessage) Delta {
	var fields map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil {
		return Delta{Malformed: true}
	}

	var d Delta
	if t, ok := fields["type"]; !ok || json.Unmarshal(t, &d.Type) != nil || d.Type == "" {
		return Delta{Malformed: true}
	}

	field, _, _ := strings.Cut(d.Type, "_")
	value, ok := fields[field]
	if !ok || json.Unmarshal(value, &d.Text) != nil {
		d.Text = ""
		d.Malformed = true
	}
	return d
}
