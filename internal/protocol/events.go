package protocol

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Backend → Client Event Types
// =============================================================================

const (
	// EvtStreamMessage carries a finalized agent message or a stream_event wrapper.
	// Payload: { "sessionId": string, "message": object }
	EvtStreamMessage = "stream.message"

	// EvtStreamUserPrompt echoes a prompt the backend accepted for a session.
	// Payload: { "sessionId": string, "prompt": string }
	EvtStreamUserPrompt = "stream.user_prompt"

	// EvtSessionStatus reports a lifecycle transition of a session.
	// Payload: { "sessionId": string, "status": string, "title": string, "cwd": string, "error": string }
	EvtSessionStatus = "session.status"

	// EvtSessionList is a snapshot of all sessions known to the backend.
	// Payload: { "sessions": []SessionInfo }
	EvtSessionList = "session.list"

	// EvtSessionHistory is the full message history of one session.
	// Payload: { "sessionId": string, "status": string, "messages": []object }
	EvtSessionHistory = "session.history"

	// EvtSessionDeleted confirms a session deletion.
	// Payload: { "sessionId": string }
	EvtSessionDeleted = "session.deleted"

	// EvtPermissionRequest asks the user to approve a tool use.
	// Payload: { "sessionId": string, "toolUseId": string, "toolName": string, "input": object }
	EvtPermissionRequest = "permission.request"

	// EvtRunnerError reports a backend failure that should reach the user.
	// Payload: { "sessionId": string (optional), "message": string }
	EvtRunnerError = "runner.error"
)

// Status is the lifecycle status of a session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// IsRunning reports whether the session is running.
func (s Status) IsRunning() bool { return s == StatusRunning }

// normalizeStatus maps an empty or unknown status to idle.
func normalizeStatus(s Status) Status {
	switch s {
	case StatusIdle, StatusRunning, StatusCompleted, StatusStopped, StatusError:
		return s
	}
	return StatusIdle
}

// Event is an inbound message from the backend.
type Event interface {
	// EventType returns the wire type of the event.
	EventType() string
}

// SessionInfo describes one session in a list snapshot.
type SessionInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    Status `json:"status"`
	Cwd       string `json:"cwd,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"` // Unix ms
	UpdatedAt int64  `json:"updatedAt,omitempty"` // Unix ms
}

// StreamMessage carries one agent message for a session.
type StreamMessage struct {
	SessionID string  `json:"sessionId"`
	Message   Message `json:"message"`
}

// StreamUserPrompt echoes an accepted user prompt.
type StreamUserPrompt struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// SessionStatus reports a session status transition.
// Empty Title and Cwd mean "unchanged".
type SessionStatus struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`
	Title     string `json:"title,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionList is a snapshot of the backend's sessions.
type SessionList struct {
	Sessions []SessionInfo `json:"sessions"`
}

// SessionHistory is the full history of a session.
type SessionHistory struct {
	SessionID string    `json:"sessionId"`
	Status    Status    `json:"status"`
	Messages  []Message `json:"messages"`
}

// SessionDeleted confirms that a session was deleted.
type SessionDeleted struct {
	SessionID string `json:"sessionId"`
}

// PermissionRequested asks for approval before a tool runs.
type PermissionRequested struct {
	SessionID string         `json:"sessionId"`
	ToolUseID string         `json:"toolUseId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input"`
}

// RunnerError reports a backend error.
type RunnerError struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

// Unknown is an event with an unrecognized type. It is kept so callers can
// log it; the store ignores it.
type Unknown struct {
	Type    string
	Payload json.RawMessage
}

func (StreamMessage) EventType() string       { return EvtStreamMessage }
func (StreamUserPrompt) EventType() string    { return EvtStreamUserPrompt }
func (SessionStatus) EventType() string       { return EvtSessionStatus }
func (SessionList) EventType() string         { return EvtSessionList }
func (SessionHistory) EventType() string      { return EvtSessionHistory }
func (SessionDeleted) EventType() string      { return EvtSessionDeleted }
func (PermissionRequested) EventType() string { return EvtPermissionRequest }
func (RunnerError) EventType() string         { return EvtRunnerError }
func (u Unknown) EventType() string           { return u.Type }

// DecodeEvent parses a wire envelope into a typed event.
//
// Unrecognized types decode to Unknown without error so that newer backends
// stay compatible. A known type whose payload cannot be decoded, or that lacks
// a required identifier, returns an error wrapping ErrMalformedEvent.
func DecodeEvent(data []byte) (Event, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case EvtStreamMessage:
		var e StreamMessage
		if err := decodeEvent(env, &e, &e.SessionID); err != nil {
			return nil, err
		}
		return e, nil
	case EvtStreamUserPrompt:
		var e StreamUserPrompt
		if err := decodeEvent(env, &e, &e.SessionID); err != nil {
			return nil, err
		}
		return e, nil
	case EvtSessionStatus:
		var e SessionStatus
		if err := decodeEvent(env, &e, &e.SessionID); err != nil {
			return nil, err
		}
		e.Status = normalizeStatus(e.Status)
		return e, nil
	case EvtSessionList:
		var e SessionList
		if err := decodeEvent(env, &e, nil); err != nil {
			return nil, err
		}
		sessions := e.Sessions[:0]
		for _, s := range e.Sessions {
			if s.ID == "" {
				continue
			}
			s.Status = normalizeStatus(s.Status)
			sessions = append(sessions, s)
		}
		e.Sessions = sessions
		return e, nil
	case EvtSessionHistory:
		var e SessionHistory
		if err := decodeEvent(env, &e, &e.SessionID); err != nil {
			return nil, err
		}
		e.Status = normalizeStatus(e.Status)
		return e, nil
	case EvtSessionDeleted:
		var e SessionDeleted
		if err := decodeEvent(env, &e, &e.SessionID); err != nil {
			return nil, err
		}
		return e, nil
	case EvtPermissionRequest:
		var e PermissionRequested
		if err := decodeEvent(env, &e, &e.SessionID); err != nil {
			return nil, err
		}
		if e.ToolUseID == "" {
			return nil, fmt.Errorf("%w: %s: missing toolUseId", ErrMalformedEvent, env.Type)
		}
		return e, nil
	case EvtRunnerError:
		var e RunnerError
		if err := decodeEvent(env, &e, nil); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return Unknown{Type: env.Type, Payload: env.Payload}, nil
	}
}

// decodeEvent unmarshals the payload and, when sessionID is non-nil, requires
// it to be set.
func decodeEvent(env Envelope, v any, sessionID *string) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s: missing payload", ErrMalformedEvent, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
	}
	if sessionID != nil && *sessionID == "" {
		return fmt.Errorf("%w: %s: missing sessionId", ErrMalformedEvent, env.Type)
	}
	return nil
}

// EncodeEvent serializes an event into its wire envelope.
// It is used by backends and tests.
func EncodeEvent(e Event) ([]byte, error) {
	if u, ok := e.(Unknown); ok {
		return json.Marshal(Envelope{Type: u.Type, Payload: u.Payload})
	}
	return marshalEnvelope(e.EventType(), e)
}
