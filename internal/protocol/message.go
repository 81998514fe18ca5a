package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Message types produced by the agent backend.
const (
	MessageTypeUserPrompt  = "user_prompt"
	MessageTypeAssistant   = "assistant"
	MessageTypeUser        = "user"
	MessageTypeSystem      = "system"
	MessageTypeResult      = "result"
	MessageTypeStreamEvent = "stream_event"
)

// MessageStatus tells whether a message is still being produced.
type MessageStatus string

const (
	MessageComplete   MessageStatus = "complete"
	MessageInProgress MessageStatus = "in_progress"
)

// ContentBlock is one unit of structured message content.
type ContentBlock struct {
	// Kind is the block type ("text", "thinking", "tool_use", "tool_result", ...).
	Kind string
	// Text is the human-readable text of text and thinking blocks.
	Text string
	// Name is the tool name of tool_use blocks.
	Name string
	// ID is the tool use id of tool_use and tool_result blocks.
	ID string
	// Payload is the raw JSON of the block.
	Payload json.RawMessage
}

// UnmarshalJSON decodes a block leniently: unknown fields are kept in Payload
// and missing fields default to empty strings.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type      string `json:"type"`
		Text      string `json:"text"`
		Thinking  string `json:"thinking"`
		Name      string `json:"name"`
		ID        string `json:"id"`
		ToolUseID string `json:"tool_use_id"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*b = ContentBlock{
		Kind:    wire.Type,
		Text:    wire.Text,
		Name:    wire.Name,
		ID:      wire.ID,
		Payload: append(json.RawMessage(nil), data...),
	}
	if b.Kind == "thinking" {
		b.Text = wire.Thinking
	}
	if b.ID == "" {
		b.ID = wire.ToolUseID
	}
	return nil
}

// MarshalJSON returns the original payload when available.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if len(b.Payload) > 0 {
		return b.Payload, nil
	}
	wire := map[string]any{"type": b.Kind}
	switch b.Kind {
	case "thinking":
		wire["thinking"] = b.Text
	case "tool_use":
		wire["id"] = b.ID
		wire["name"] = b.Name
	default:
		wire["text"] = b.Text
	}
	return json.Marshal(wire)
}

// Message is one entry of a session's message sequence.
//
// Messages are immutable once appended to a session. Stream events are
// represented as messages of type stream_event with Stream set; they are
// consumed by the partial output accumulator and never appended.
type Message struct {
	Type    string
	Subtype string
	Content []ContentBlock
	Status  MessageStatus
	// Stream is set for stream_event wrappers.
	Stream *StreamEvent
	// Raw keeps the original JSON for forward compatibility.
	Raw json.RawMessage
}

// NewUserPrompt builds the local representation of a user prompt.
func NewUserPrompt(prompt string) Message {
	return Message{
		Type:    MessageTypeUserPrompt,
		Content: []ContentBlock{{Kind: "text", Text: prompt}},
		Status:  MessageComplete,
	}
}

// IsStreamEvent reports whether the message is a stream_event wrapper.
func (m Message) IsStreamEvent() bool {
	return m.Type == MessageTypeStreamEvent
}

// Text concatenates the text of all text blocks.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Kind != "text" || b.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// UnmarshalJSON decodes any backend message shape. Unknown message types are
// kept with their raw JSON and no content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		Prompt  string `json:"prompt"`
		Result  string `json:"result"`
		Message *struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*m = Message{
		Type:    wire.Type,
		Subtype: wire.Subtype,
		Status:  MessageComplete,
		Raw:     append(json.RawMessage(nil), data...),
	}

	switch wire.Type {
	case MessageTypeUserPrompt:
		m.Content = []ContentBlock{{Kind: "text", Text: wire.Prompt}}
	case MessageTypeResult:
		if wire.Result != "" {
			m.Content = []ContentBlock{{Kind: "text", Text: wire.Result}}
		}
	case MessageTypeStreamEvent:
		ev := ParseStreamEvent(wire.Event)
		m.Stream = &ev
		m.Status = MessageInProgress
	default:
		if wire.Message != nil {
			m.Content = decodeContent(wire.Message.Content)
		}
	}
	return nil
}

// MarshalJSON returns the original JSON when the message came from the wire.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	if m.Type == MessageTypeUserPrompt {
		return json.Marshal(map[string]any{"type": m.Type, "prompt": m.Text()})
	}
	wire := map[string]any{
		"type":    m.Type,
		"message": map[string]any{"content": m.Content},
	}
	if m.Subtype != "" {
		wire["subtype"] = m.Subtype
	}
	return json.Marshal(wire)
}

// decodeContent accepts either a plain string or an array of blocks.
// Blocks that fail to decode are skipped.
func decodeContent(raw json.RawMessage) []ContentBlock {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return []ContentBlock{{Kind: "text", Text: s}}
		}
		return nil
	}

	var items []json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		return nil
	}
	blocks := make([]ContentBlock, 0, len(items))
	for _, item := range items {
		var b ContentBlock
		if b.UnmarshalJSON(item) == nil {
			blocks = append(blocks, b)
		}
	}
	return blocks
}
