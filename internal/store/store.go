// Package store holds the client-side model of all agent sessions.
//
// The Store is the single source of truth consumed by rendering. It is
// mutated only from the engine's event loop, so it carries no locks around
// its state. After every mutation it publishes an immutable Snapshot that
// any goroutine may read.
package store

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/inercia/cowork/internal/logging"
	"github.com/inercia/cowork/internal/permission"
	"github.com/inercia/cowork/internal/protocol"
)

// ErrUnknownSession is returned when activating a session that does not exist.
var ErrUnknownSession = errors.New("unknown session")

// Listener receives every published snapshot.
type Listener func(*Snapshot)

type session struct {
	id        string
	title     string
	status    protocol.Status
	cwd       string
	createdAt int64
	updatedAt int64

	messages    []protocol.Message
	permissions permission.Queue
	hydrated    bool
}

// Store owns the session map, the active-session pointer and the history
// request tracker.
type Store struct {
	sessions         map[string]*session
	active           string
	historyRequested map[string]struct{}

	globalError    string
	prompt         string
	cwd            string
	pendingStart   bool
	showStartModal bool
	connected      bool
	listed         bool

	// sessions first seen while a start was pending
	pendingNew map[string]struct{}

	version  uint64
	snapshot atomic.Pointer[Snapshot]

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int

	logger *slog.Logger
}

// New creates an empty store. A nil logger uses the store component logger.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.Store()
	}
	s := &Store{
		sessions:         make(map[string]*session),
		historyRequested: make(map[string]struct{}),
		pendingNew:       make(map[string]struct{}),
		listeners:        make(map[int]Listener),
		logger:           logger,
	}
	s.snapshot.Store(s.build())
	return s
}

// Snapshot returns the latest published snapshot. Safe from any goroutine.
func (s *Store) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Subscribe registers a listener called after every mutation, on the
// goroutine that performed it. The returned function unsubscribes.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// ApplyEvent applies one inbound event. Unknown event kinds are ignored.
func (s *Store) ApplyEvent(evt protocol.Event) {
	switch e := evt.(type) {
	case protocol.SessionList:
		s.applyList(e)
	case protocol.SessionHistory:
		sess := s.upsert(e.SessionID)
		sess.status = e.Status
		sess.messages = appendMessages(nil, e.Messages)
		sess.hydrated = true
	case protocol.SessionStatus:
		s.applyStatus(e)
	case protocol.StreamMessage:
		if e.Message.IsStreamEvent() {
			// Partial output is owned by the accumulator.
			return
		}
		sess := s.upsert(e.SessionID)
		sess.messages = append(sess.messages, e.Message)
	case protocol.StreamUserPrompt:
		sess := s.upsert(e.SessionID)
		sess.messages = append(sess.messages, protocol.NewUserPrompt(e.Prompt))
	case protocol.PermissionRequested:
		sess := s.upsert(e.SessionID)
		sess.permissions.Push(permission.FromEvent(e))
	case protocol.SessionDeleted:
		s.remove(e.SessionID)
		if len(s.sessions) == 0 {
			s.showStartModal = true
		}
	case protocol.RunnerError:
		s.logger.Warn("Backend reported an error", "session_id", e.SessionID, "message", e.Message)
		s.globalError = e.Message
		if s.pendingStart {
			s.logger.Info("Abandoning pending session start after backend error")
			s.clearPendingStart()
		}
	default:
		if evt != nil {
			s.logger.Debug("Ignoring unknown event", "type", evt.EventType())
		}
		return
	}
	s.publish()
}

func (s *Store) applyList(e protocol.SessionList) {
	s.listed = true
	seen := make(map[string]struct{}, len(e.Sessions))
	for _, info := range e.Sessions {
		seen[info.ID] = struct{}{}
		sess := s.upsert(info.ID)
		sess.title = info.Title
		sess.status = info.Status
		if info.Cwd != "" {
			sess.cwd = info.Cwd
		}
		sess.createdAt = info.CreatedAt
		sess.updatedAt = info.UpdatedAt
	}
	for id := range s.sessions {
		if _, ok := seen[id]; !ok {
			s.remove(id)
		}
	}

	if len(e.Sessions) == 0 {
		s.showStartModal = true
		return
	}
	if s.active == "" && !s.pendingStart && !s.showStartModal {
		var latest *session
		for _, sess := range s.sessions {
			if latest == nil || sess.updatedAt > latest.updatedAt ||
				(sess.updatedAt == latest.updatedAt && sess.id < latest.id) {
				latest = sess
			}
		}
		s.active = latest.id
	}
}

func (s *Store) applyStatus(e protocol.SessionStatus) {
	sess := s.upsert(e.SessionID)
	_, ours := s.pendingNew[e.SessionID]
	sess.status = e.Status
	if e.Title != "" {
		sess.title = e.Title
	}
	if e.Cwd != "" {
		sess.cwd = e.Cwd
	}

	switch {
	case !s.pendingStart || !ours:
	case e.Status.IsRunning():
		// The session we asked for: it has no history to fetch.
		s.active = e.SessionID
		s.showStartModal = false
		sess.hydrated = true
		s.clearPendingStart()
	case e.Status == protocol.StatusError:
		s.active = e.SessionID
		s.showStartModal = false
		s.clearPendingStart()
	}

	if e.Error != "" {
		s.globalError = e.Error
	}
}

// upsert returns the session, creating it as idle when absent.
func (s *Store) upsert(id string) *session {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{id: id, status: protocol.StatusIdle}
		s.sessions[id] = sess
		if s.pendingStart {
			s.pendingNew[id] = struct{}{}
		}
	}
	return sess
}

func (s *Store) clearPendingStart() {
	s.pendingStart = false
	clear(s.pendingNew)
}

// remove deletes a session and its tracker entry, clearing the active
// pointer if it pointed at it.
func (s *Store) remove(id string) {
	delete(s.sessions, id)
	delete(s.historyRequested, id)
	delete(s.pendingNew, id)
	if s.active == id {
		s.active = ""
	}
}

// SetActiveSession switches the active pointer. An empty id clears it.
func (s *Store) SetActiveSession(id string) error {
	if id != "" {
		if _, ok := s.sessions[id]; !ok {
			return ErrUnknownSession
		}
	}
	if s.active == id {
		return nil
	}
	s.active = id
	s.publish()
	return nil
}

// MarkHistoryRequested records that history was requested for a session.
// It reports whether the id was newly inserted.
func (s *Store) MarkHistoryRequested(id string) bool {
	if _, ok := s.historyRequested[id]; ok {
		return false
	}
	s.historyRequested[id] = struct{}{}
	return true
}

// HistoryRequested reports whether history was already requested.
func (s *Store) HistoryRequested(id string) bool {
	_, ok := s.historyRequested[id]
	return ok
}

// ResolvePermissionRequest removes a request from a session's queue.
// Resolving an absent request is a no-op; it reports whether one was removed.
func (s *Store) ResolvePermissionRequest(sessionID, toolUseID string) bool {
	sess, ok := s.sessions[sessionID]
	if !ok || !sess.permissions.Resolve(toolUseID) {
		return false
	}
	s.publish()
	return true
}

// SetGlobalError sets the user-facing error, replacing any previous one.
func (s *Store) SetGlobalError(msg string) {
	s.globalError = msg
	s.publish()
}

// ClearGlobalError acknowledges the current error.
func (s *Store) ClearGlobalError() {
	if s.globalError == "" {
		return
	}
	s.globalError = ""
	s.publish()
}

// SetPrompt sets the prompt input buffer.
func (s *Store) SetPrompt(prompt string) {
	s.prompt = prompt
	s.publish()
}

// SetCwd sets the working-directory input.
func (s *Store) SetCwd(cwd string) {
	s.cwd = cwd
	s.publish()
}

// SetPendingStart marks a session start as in flight. A session that
// first appears while the start is pending, and then reports running, is
// adopted as the started session.
func (s *Store) SetPendingStart(pending bool) {
	if pending {
		clear(s.pendingNew)
		s.pendingStart = true
	} else {
		s.clearPendingStart()
	}
	s.publish()
}

// SetShowStartModal opens or closes the start-session entry point.
func (s *Store) SetShowStartModal(show bool) {
	s.showStartModal = show
	s.publish()
}

// SetConnected records the channel connection state.
func (s *Store) SetConnected(connected bool) {
	if s.connected == connected {
		return
	}
	s.connected = connected
	s.publish()
}

// publish builds a new snapshot and notifies listeners.
func (s *Store) publish() {
	snap := s.build()
	s.snapshot.Store(snap)

	s.listenersMu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l(snap)
	}
}

func (s *Store) build() *Snapshot {
	s.version++
	snap := &Snapshot{
		Version:         s.version,
		Sessions:        make(map[string]*SessionSnapshot, len(s.sessions)),
		ActiveSessionID: s.active,
		GlobalError:     s.globalError,
		Prompt:          s.prompt,
		Cwd:             s.cwd,
		PendingStart:    s.pendingStart,
		ShowStartModal:  s.showStartModal,
		Connected:       s.connected,
		Listed:          s.listed,
	}
	for id, sess := range s.sessions {
		snap.Sessions[id] = sess.snapshot()
	}
	return snap
}

// appendMessages copies finalized messages, dropping stream_event wrappers.
func appendMessages(dst, src []protocol.Message) []protocol.Message {
	for _, m := range src {
		if m.IsStreamEvent() {
			continue
		}
		dst = append(dst, m)
	}
	return dst
}
