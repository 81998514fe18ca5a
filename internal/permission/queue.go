// Package permission implements the per-session permission request queue and
// the decision builder used to answer requests.
package permission

import "github.com/inercia/cowork/internal/protocol"

// Request is an outstanding approval request.
type Request struct {
	ToolUseID string
	ToolName  string
	Input     map[string]any
}

// FromEvent converts a permission.request event.
func FromEvent(e protocol.PermissionRequested) Request {
	return Request{ToolUseID: e.ToolUseID, ToolName: e.ToolName, Input: e.Input}
}

// Queue is a FIFO of permission requests keyed by tool use id.
// The zero value is an empty queue. Queue is not safe for concurrent use;
// it is only touched from the event loop.
type Queue struct {
	items []Request
}

// Push appends a request. A request whose ToolUseID is already queued
// supersedes the queued one in place, keeping its position.
func (q *Queue) Push(r Request) {
	for i := range q.items {
		if q.items[i].ToolUseID == r.ToolUseID {
			q.items[i] = r
			return
		}
	}
	q.items = append(q.items, r)
}

// Resolve removes the request with the given id. It reports whether a request
// was removed; resolving an absent id is a no-op.
func (q *Queue) Resolve(toolUseID string) bool {
	for i := range q.items {
		if q.items[i].ToolUseID == toolUseID {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Items returns a copy of the queued requests in order.
func (q *Queue) Items() []Request {
	if len(q.items) == 0 {
		return nil
	}
	out := make([]Request, len(q.items))
	copy(out, q.items)
	return out
}
