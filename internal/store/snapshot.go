package store

import (
	"cmp"
	"slices"

	"github.com/inercia/cowork/internal/permission"
	"github.com/inercia/cowork/internal/protocol"
)

// Snapshot is an immutable view of the store published after each mutation.
// Consumers must not modify it.
type Snapshot struct {
	// Version increases with every published snapshot.
	Version uint64

	Sessions        map[string]*SessionSnapshot
	ActiveSessionID string

	GlobalError    string
	Prompt         string
	Cwd            string
	PendingStart   bool
	ShowStartModal bool
	Connected      bool
	// Listed is set once the first session list has been applied.
	Listed bool
}

// SessionSnapshot is an immutable view of one session.
type SessionSnapshot struct {
	ID        string
	Title     string
	Status    protocol.Status
	Cwd       string
	CreatedAt int64
	UpdatedAt int64

	Messages           []protocol.Message
	PermissionRequests []permission.Request
	Hydrated           bool
}

// IsRunning reports whether the session is running.
func (s *SessionSnapshot) IsRunning() bool {
	return s != nil && s.Status.IsRunning()
}

// PendingPermission returns the request shown for approval: the queue head.
// Later requests stay hidden until the head is resolved.
func (s *SessionSnapshot) PendingPermission() (permission.Request, bool) {
	if s == nil || len(s.PermissionRequests) == 0 {
		return permission.Request{}, false
	}
	return s.PermissionRequests[0], true
}

// Session returns the session with the given id.
func (s *Snapshot) Session(id string) (*SessionSnapshot, bool) {
	sess, ok := s.Sessions[id]
	return sess, ok
}

// Active returns the active session, if any.
func (s *Snapshot) Active() (*SessionSnapshot, bool) {
	if s.ActiveSessionID == "" {
		return nil, false
	}
	return s.Session(s.ActiveSessionID)
}

// SessionList returns the sessions, most recently updated first.
func (s *Snapshot) SessionList() []*SessionSnapshot {
	list := make([]*SessionSnapshot, 0, len(s.Sessions))
	for _, sess := range s.Sessions {
		list = append(list, sess)
	}
	slices.SortFunc(list, func(a, b *SessionSnapshot) int {
		if c := cmp.Compare(b.UpdatedAt, a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

// snapshot builds the immutable view of a session. Message slices are shared
// with the store but clipped: the store only ever appends to or replaces them,
// so the visible range never changes.
func (s *session) snapshot() *SessionSnapshot {
	return &SessionSnapshot{
		ID:                 s.id,
		Title:              s.title,
		Status:             s.status,
		Cwd:                s.cwd,
		CreatedAt:          s.createdAt,
		UpdatedAt:          s.updatedAt,
		Messages:           slices.Clip(s.messages),
		PermissionRequests: s.permissions.Items(),
		Hydrated:           s.hydrated,
	}
}
