package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeCommand_ListSessionsHasNoPayload(t *testing.T) {
	data, err := EncodeCommand(ListSessions{})
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	if string(data) != `{"type":"session.list"}` {
		t.Errorf("unexpected encoding: %s", data)
	}
}

func TestEncodeCommand_StartSessionOmitsBlankCwd(t *testing.T) {
	data, err := EncodeCommand(StartSession{Title: "Fix bug", Prompt: "fix bug", AllowedTools: "Read,Edit,Bash"})
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	if strings.Contains(string(data), "cwd") {
		t.Errorf("blank cwd should be omitted: %s", data)
	}

	cmd, err := DecodeCommand(data)
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	start, ok := cmd.(StartSession)
	if !ok {
		t.Fatalf("expected StartSession, got %T", cmd)
	}
	if start.Title != "Fix bug" || start.Prompt != "fix bug" || start.AllowedTools != "Read,Edit,Bash" {
		t.Errorf("unexpected start command: %+v", start)
	}
}

func TestEncodeCommand_PermissionResponse(t *testing.T) {
	data, err := EncodeCommand(PermissionResponse{
		SessionID: "s1",
		ToolUseID: "t1",
		Result:    PermissionResult{Behavior: BehaviorDeny, Message: "User denied the request"},
	})
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}

	var env struct {
		Type    string `json:"type"`
		Payload struct {
			SessionID string         `json:"sessionId"`
			ToolUseID string         `json:"toolUseId"`
			Result    map[string]any `json:"result"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != CmdPermissionResponse {
		t.Errorf("type = %q, want %q", env.Type, CmdPermissionResponse)
	}
	if env.Payload.Result["behavior"] != "deny" {
		t.Errorf("behavior = %v, want deny", env.Payload.Result["behavior"])
	}
	if _, ok := env.Payload.Result["updatedInput"]; ok {
		t.Error("deny result should not carry updatedInput")
	}
}

func TestDecodeCommand_Unknown(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"type":"session.explode"}`))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestDecodeEvent_UnknownTypeIsIgnored(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"type":"future.thing","payload":{"x":1}}`))
	if err != nil {
		t.Fatalf("unknown events must not fail: %v", err)
	}
	u, ok := evt.(Unknown)
	if !ok {
		t.Fatalf("expected Unknown, got %T", evt)
	}
	if u.EventType() != "future.thing" {
		t.Errorf("EventType = %q", u.EventType())
	}
}

func TestDecodeEvent_MissingSessionID(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"session.status","payload":{"status":"running"}}`))
	if !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestDecodeEvent_PermissionRequestRequiresToolUseID(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"permission.request","payload":{"sessionId":"s1","toolName":"Bash"}}`))
	if !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestDecodeEvent_StatusDefaults(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"type":"session.status","payload":{"sessionId":"s1","status":"weird"}}`))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	st := evt.(SessionStatus)
	if st.Status != StatusIdle {
		t.Errorf("Status = %q, want idle", st.Status)
	}
}

func TestDecodeEvent_SessionListSkipsEntriesWithoutID(t *testing.T) {
	raw := `{"type":"session.list","payload":{"sessions":[
		{"id":"a","title":"A","status":"running","updatedAt":2},
		{"title":"no id"},
		{"id":"b","title":"B"}
	]}}`
	evt, err := DecodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	list := evt.(SessionList)
	if len(list.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list.Sessions))
	}
	if list.Sessions[1].Status != StatusIdle {
		t.Errorf("missing status should default to idle, got %q", list.Sessions[1].Status)
	}
}

func TestDecodeEvent_StreamMessage(t *testing.T) {
	raw := `{"type":"stream.message","payload":{"sessionId":"s1","message":
		{"type":"assistant","message":{"content":[{"type":"text","text":"hello"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}}}`
	evt, err := DecodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	msg := evt.(StreamMessage).Message
	if msg.Type != MessageTypeAssistant {
		t.Errorf("Type = %q", msg.Type)
	}
	if msg.IsStreamEvent() {
		t.Error("assistant message is not a stream event")
	}
	if len(msg.Content) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(msg.Content))
	}
	if msg.Content[1].Name != "Bash" || msg.Content[1].ID != "t1" {
		t.Errorf("unexpected tool block: %+v", msg.Content[1])
	}
	if msg.Text() != "hello" {
		t.Errorf("Text() = %q, want hello", msg.Text())
	}
}

func TestMessage_StringContent(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`{"type":"user","message":{"content":"plain"}}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Text() != "plain" {
		t.Errorf("Text() = %q, want plain", msg.Text())
	}
}

func TestMessage_PreservesRaw(t *testing.T) {
	raw := `{"type":"system","subtype":"init","extra":{"a":1}}`
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != raw {
		t.Errorf("raw not preserved: %s", out)
	}
}

func TestNewUserPrompt_Marshal(t *testing.T) {
	out, err := json.Marshal(NewUserPrompt("fix bug"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Message
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Type != MessageTypeUserPrompt || back.Text() != "fix bug" {
		t.Errorf("unexpected message: %+v", back)
	}
}

func TestParseDelta(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantText  string
		malformed bool
	}{
		{"text", `{"type":"text_delta","text":"He"}`, "He", false},
		{"thinking", `{"type":"thinking_delta","thinking":"hmm"}`, "hmm", false},
		{"input json", `{"type":"input_json_delta","input":"{\"a\""}`, `{"a"`, false},
		{"missing field", `{"type":"text_delta"}`, "", true},
		{"wrong field type", `{"type":"text_delta","text":42}`, "", true},
		{"no type", `{"text":"x"}`, "", true},
		{"not an object", `"x"`, "", true},
		{"empty", ``, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ParseDelta(json.RawMessage(tt.raw))
			if d.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", d.Text, tt.wantText)
			}
			if d.Malformed != tt.malformed {
				t.Errorf("Malformed = %v, want %v", d.Malformed, tt.malformed)
			}
		})
	}
}

func TestStreamEventMessage(t *testing.T) {
	raw := `{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"lo"}}}`
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !msg.IsStreamEvent() || msg.Stream == nil {
		t.Fatal("expected a stream event")
	}
	if msg.Stream.Kind != ContentBlockDelta || msg.Stream.Index != 1 {
		t.Errorf("unexpected event: %+v", msg.Stream)
	}
	if msg.Stream.Delta.Text != "lo" {
		t.Errorf("delta text = %q, want lo", msg.Stream.Delta.Text)
	}
	if msg.Status != MessageInProgress {
		t.Errorf("Status = %q, want in_progress", msg.Status)
	}
}

func TestEncodeEvent_RoundTrip(t *testing.T) {
	in := PermissionRequested{
		SessionID: "s1",
		ToolUseID: "t1",
		ToolName:  "AskUserQuestion",
		Input:     map[string]any{"questions": []any{}},
	}
	data, err := EncodeEvent(in)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	out, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	got := out.(PermissionRequested)
	if got.ToolUseID != "t1" || got.ToolName != "AskUserQuestion" {
		t.Errorf("unexpected event: %+v", got)
	}
}
