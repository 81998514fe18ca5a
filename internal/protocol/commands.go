package protocol

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Client → Backend Command Types
// =============================================================================

const (
	// CmdSessionList asks the backend for the list of known sessions.
	// Payload: none
	CmdSessionList = "session.list"

	// CmdSessionHistory asks for the full message history of one session.
	// Payload: { "sessionId": string }
	CmdSessionHistory = "session.history"

	// CmdSessionStart starts a new agent session.
	// Payload: { "title": string, "prompt": string, "cwd": string (optional), "allowedTools": string }
	CmdSessionStart = "session.start"

	// CmdSessionContinue sends a follow-up prompt to an existing session.
	// Payload: { "sessionId": string, "prompt": string }
	CmdSessionContinue = "session.continue"

	// CmdSessionStop asks the backend to stop a running session.
	// Payload: { "sessionId": string }
	CmdSessionStop = "session.stop"

	// CmdSessionDelete asks the backend to delete a session.
	// Payload: { "sessionId": string }
	CmdSessionDelete = "session.delete"

	// CmdPermissionResponse answers a permission request.
	// Payload: { "sessionId": string, "toolUseId": string, "result": PermissionResult }
	CmdPermissionResponse = "permission.response"
)

// Command is an outbound message to the backend.
type Command interface {
	// CommandType returns the wire type of the command.
	CommandType() string
}

// ListSessions requests the session list.
type ListSessions struct{}

// RequestHistory requests the history of a session.
type RequestHistory struct {
	SessionID string `json:"sessionId"`
}

// StartSession starts a new session.
type StartSession struct {
	Title        string `json:"title"`
	Prompt       string `json:"prompt"`
	Cwd          string `json:"cwd,omitempty"`
	AllowedTools string `json:"allowedTools"`
}

// ContinueSession continues an existing session with a new prompt.
type ContinueSession struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// StopSession stops a session.
type StopSession struct {
	SessionID string `json:"sessionId"`
}

// DeleteSession deletes a session.
type DeleteSession struct {
	SessionID string `json:"sessionId"`
}

// Behavior is the outcome of a permission decision.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// PermissionResult is the answer to a permission request.
// Allow results carry UpdatedInput, deny results carry Message.
type PermissionResult struct {
	Behavior     Behavior       `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// PermissionResponse answers a permission request of a session.
type PermissionResponse struct {
	SessionID string           `json:"sessionId"`
	ToolUseID string           `json:"toolUseId"`
	Result    PermissionResult `json:"result"`
}

func (ListSessions) CommandType() string       { return CmdSessionList }
func (RequestHistory) CommandType() string     { return CmdSessionHistory }
func (StartSession) CommandType() string       { return CmdSessionStart }
func (ContinueSession) CommandType() string    { return CmdSessionContinue }
func (StopSession) CommandType() string        { return CmdSessionStop }
func (DeleteSession) CommandType() string      { return CmdSessionDelete }
func (PermissionResponse) CommandType() string { return CmdPermissionResponse }

// EncodeCommand serializes a command into its wire envelope.
func EncodeCommand(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("encode command: nil command")
	}
	if _, ok := cmd.(ListSessions); ok {
		return marshalEnvelope(cmd.CommandType(), nil)
	}
	return marshalEnvelope(cmd.CommandType(), cmd)
}

// DecodeCommand parses a wire envelope into a typed command.
// It is the backend-side counterpart of EncodeCommand.
func DecodeCommand(data []byte) (Command, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, err
	}

	var cmd Command
	switch env.Type {
	case CmdSessionList:
		return ListSessions{}, nil
	case CmdSessionHistory:
		var c RequestHistory
		err, cmd = decodePayload(env, &c), &c
	case CmdSessionStart:
		var c StartSession
		err, cmd = decodePayload(env, &c), &c
	case CmdSessionContinue:
		var c ContinueSession
		err, cmd = decodePayload(env, &c), &c
	case CmdSessionStop:
		var c StopSession
		err, cmd = decodePayload(env, &c), &c
	case CmdSessionDelete:
		var c DeleteSession
		err, cmd = decodePayload(env, &c), &c
	case CmdPermissionResponse:
		var c PermissionResponse
		err, cmd = decodePayload(env, &c), &c
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return deref(cmd), nil
}

// deref turns the pointer used for decoding back into the value type.
func deref(cmd Command) Command {
	switch c := cmd.(type) {
	case *RequestHistory:
		return *c
	case *StartSession:
		return *c
	case *ContinueSession:
		return *c
	case *StopSession:
		return *c
	case *DeleteSession:
		return *c
	case *PermissionResponse:
		return *c
	}
	return cmd
}

func decodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", env.Type, err)
	}
	return nil
}
