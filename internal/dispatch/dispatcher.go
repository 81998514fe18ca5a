// Package dispatch translates user intent into outbound commands, enforcing
// the sequencing rules that must hold before anything reaches the channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inercia/cowork/internal/channel"
	"github.com/inercia/cowork/internal/logging"
	"github.com/inercia/cowork/internal/permission"
	"github.com/inercia/cowork/internal/protocol"
	"github.com/inercia/cowork/internal/store"
)

// DefaultAllowedTools is the tool allowlist sent with every new session.
const DefaultAllowedTools = "Read,Edit,Bash"

// User-facing error messages set as the store's global error.
const (
	MsgEmptyPrompt    = "Prompt cannot be empty."
	MsgTitleFailed    = "Failed to get session title."
	MsgSessionRunning = "Session is still running. Please wait for it to finish."
	MsgCwdRequired    = "Working Directory is required to start a session."
	MsgNotConnected   = "Not connected to the agent backend."
)

var (
	// ErrEmptyPrompt is returned when sending a blank prompt.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrSessionRunning is returned when continuing a running session.
	ErrSessionRunning = errors.New("session is still running")
	// ErrCwdRequired is returned when starting from the modal without a working directory.
	ErrCwdRequired = errors.New("working directory is required")
	// ErrStartPending is returned while a session start is waiting for its title.
	ErrStartPending = errors.New("session start already in progress")
	// ErrNoActiveSession is returned by operations that need an active session.
	ErrNoActiveSession = errors.New("no active session")
)

// Sender is the part of the event channel the dispatcher uses.
type Sender interface {
	Send(ctx context.Context, cmd protocol.Command) error
}

// TitleGenerator produces a short session title from a prompt.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, prompt string) (string, error)
}

// TitleFunc adapts a function to TitleGenerator.
type TitleFunc func(ctx context.Context, prompt string) (string, error)

// GenerateTitle calls f.
func (f TitleFunc) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Suspender runs work that may block and delivers its outcome to resume.
// resume must run on the same goroutine that owns the store.
type Suspender func(ctx context.Context, work func(context.Context) (string, error), resume func(string, error))

// Synchronous runs work inline and resumes immediately.
func Synchronous(ctx context.Context, work func(context.Context) (string, error), resume func(string, error)) {
	resume(work(ctx))
}

// Config holds the dependencies of a Dispatcher.
type Config struct {
	Store  *store.Store
	Sender Sender
	Titler TitleGenerator
	// AllowedTools defaults to DefaultAllowedTools.
	AllowedTools string
	// Suspend defaults to Synchronous.
	Suspend Suspender
	Logger  *slog.Logger
}

// Dispatcher issues commands on behalf of the user. Like the store it must
// only be used from the event loop.
type Dispatcher struct {
	store        *store.Store
	sender       Sender
	titler       TitleGenerator
	allowedTools string
	suspend      Suspender
	logger       *slog.Logger

	// startSeq identifies the latest start; older continuations are dropped.
	startSeq uint64
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		store:        cfg.Store,
		sender:       cfg.Sender,
		titler:       cfg.Titler,
		allowedTools: cfg.AllowedTools,
		suspend:      cfg.Suspend,
		logger:       cfg.Logger,
	}
	if d.allowedTools == "" {
		d.allowedTools = DefaultAllowedTools
	}
	if d.suspend == nil {
		d.suspend = Synchronous
	}
	if d.logger == nil {
		d.logger = logging.Dispatch()
	}
	return d
}

// SetAllowedTools changes the allowlist used for future session starts.
func (d *Dispatcher) SetAllowedTools(tools string) {
	tools = strings.TrimSpace(tools)
	if tools == "" {
		tools = DefaultAllowedTools
	}
	d.allowedTools = tools
}

// AllowedTools returns the allowlist used for session starts.
func (d *Dispatcher) AllowedTools() string { return d.allowedTools }

// Send sends the prompt buffer. Without an active session it starts a new
// one, which suspends on title generation; the start outcome is reported
// through the store. With an active session it continues that session,
// unless it is still running.
func (d *Dispatcher) Send(ctx context.Context) error {
	snap := d.store.Snapshot()
	prompt := snap.Prompt

	if strings.TrimSpace(prompt) == "" {
		d.store.SetGlobalError(MsgEmptyPrompt)
		return ErrEmptyPrompt
	}
	if snap.PendingStart {
		d.logger.Debug("Ignoring send while a session start is pending")
		return ErrStartPending
	}

	active, ok := snap.Active()
	if !ok {
		d.start(ctx, prompt, snap.Cwd)
		return nil
	}

	if active.IsRunning() {
		logging.WithSession(d.logger, active.ID).Info("Refusing to continue a running session")
		d.store.SetGlobalError(MsgSessionRunning)
		return ErrSessionRunning
	}

	if err := d.send(ctx, protocol.ContinueSession{SessionID: active.ID, Prompt: prompt}); err != nil {
		return err
	}
	d.sent()
	return nil
}

// StartFromModal starts a session from the start entry point, which also
// requires a working directory.
func (d *Dispatcher) StartFromModal(ctx context.Context) error {
	if strings.TrimSpace(d.store.Snapshot().Cwd) == "" {
		d.store.SetGlobalError(MsgCwdRequired)
		return ErrCwdRequired
	}
	return d.Send(ctx)
}

// start sets PendingStart, obtains a title and sends session.start.
func (d *Dispatcher) start(ctx context.Context, prompt, cwd string) {
	d.store.SetPendingStart(true)
	d.startSeq++
	seq := d.startSeq

	work := func(ctx context.Context) (string, error) {
		if d.titler == nil {
			return "", errors.New("no title generator configured")
		}
		return d.titler.GenerateTitle(ctx, prompt)
	}

	d.suspend(ctx, work, func(title string, err error) {
		if seq != d.startSeq || !d.store.Snapshot().PendingStart {
			d.logger.Debug("Dropping title for an abandoned session start", "title", title)
			return
		}
		if err != nil {
			d.logger.Warn("Title generation failed", "error", err)
			d.store.SetPendingStart(false)
			d.store.SetGlobalError(MsgTitleFailed)
			return
		}

		cmd := protocol.StartSession{
			Title:        title,
			Prompt:       prompt,
			Cwd:          strings.TrimSpace(cwd),
			AllowedTools: d.allowedTools,
		}
		if err := d.send(ctx, cmd); err != nil {
			d.store.SetPendingStart(false)
			return
		}
		d.logger.Info("Starting session", "title", title, "cwd", cmd.Cwd)
		d.sent()
	})
}

// Stop stops the active session. There is no status guard: the backend
// tolerates stopping a session that is not running.
func (d *Dispatcher) Stop(ctx context.Context) error {
	id := d.store.Snapshot().ActiveSessionID
	if id == "" {
		return ErrNoActiveSession
	}
	if err := d.send(ctx, protocol.StopSession{SessionID: id}); err != nil {
		return err
	}
	d.store.ClearGlobalError()
	return nil
}

// Delete asks the backend to delete a session. The store changes only when
// the deletion is confirmed. An empty id means the active session.
func (d *Dispatcher) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		sessionID = d.store.Snapshot().ActiveSessionID
	}
	if sessionID == "" {
		return ErrNoActiveSession
	}
	if err := d.send(ctx, protocol.DeleteSession{SessionID: sessionID}); err != nil {
		return err
	}
	d.store.ClearGlobalError()
	return nil
}

// List requests the session list.
func (d *Dispatcher) List(ctx context.Context) error {
	return d.send(ctx, protocol.ListSessions{})
}

// NewSession clears the active session and opens the start entry point.
// A start still waiting for its title or for the backend is abandoned.
func (d *Dispatcher) NewSession() {
	if d.store.Snapshot().PendingStart {
		d.startSeq++
		d.store.SetPendingStart(false)
	}
	_ = d.store.SetActiveSession("")
	d.store.SetShowStartModal(true)
}

// Select makes a session active and hydrates it if needed.
func (d *Dispatcher) Select(ctx context.Context, sessionID string) error {
	if err := d.store.SetActiveSession(sessionID); err != nil {
		return fmt.Errorf("select %s: %w", sessionID, err)
	}
	if d.store.Snapshot().ShowStartModal {
		d.store.SetShowStartModal(false)
	}
	return d.EnsureHistory(ctx)
}

// EnsureHistory requests the active session's history when it is not
// hydrated. History is requested at most once per session lifetime.
func (d *Dispatcher) EnsureHistory(ctx context.Context) error {
	snap := d.store.Snapshot()
	if !snap.Connected {
		return nil
	}
	active, ok := snap.Active()
	if !ok || active.Hydrated {
		return nil
	}
	if !d.store.MarkHistoryRequested(active.ID) {
		return nil
	}
	logging.WithSession(d.logger, active.ID).Debug("Requesting session history")
	return d.send(ctx, protocol.RequestHistory{SessionID: active.ID})
}

// RespondPermission answers a permission request and removes it from the
// session's queue. When the response cannot be sent the request stays queued.
func (d *Dispatcher) RespondPermission(ctx context.Context, sessionID, toolUseID string, result permission.Result) error {
	cmd := protocol.PermissionResponse{SessionID: sessionID, ToolUseID: toolUseID, Result: result}
	if err := d.send(ctx, cmd); err != nil {
		return err
	}
	d.store.ResolvePermissionRequest(sessionID, toolUseID)
	d.store.ClearGlobalError()
	return nil
}

// DismissError acknowledges the global error.
func (d *Dispatcher) DismissError() {
	d.store.ClearGlobalError()
}

// send hands a command to the channel, surfacing failures as the global error.
func (d *Dispatcher) send(ctx context.Context, cmd protocol.Command) error {
	if d.sender == nil {
		d.store.SetGlobalError(MsgNotConnected)
		return fmt.Errorf("%s: %w", cmd.CommandType(), channel.ErrNotConnected)
	}
	if err := d.sender.Send(ctx, cmd); err != nil {
		msg := err.Error()
		if errors.Is(err, channel.ErrNotConnected) {
			msg = MsgNotConnected
		}
		d.logger.Warn("Failed to send command", "type", cmd.CommandType(), "error", err)
		d.store.SetGlobalError(msg)
		return fmt.Errorf("%s: %w", cmd.CommandType(), err)
	}
	return nil
}

// sent applies the optimistic clear after a prompt was dispatched.
func (d *Dispatcher) sent() {
	d.store.SetPrompt("")
	d.store.ClearGlobalError()
}
