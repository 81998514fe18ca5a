// Package stream assembles streamed content-block deltas into the partial
// output shown for the active session's in-progress message.
package stream

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/inercia/cowork/internal/protocol"
)

// DefaultSettleDelay is how long the finished partial text stays on screen
// after a block stop before it is cleared.
const DefaultSettleDelay = 500 * time.Millisecond

// State is the state of the accumulator.
type State int

const (
	// StateIdle means the buffer is empty and nothing is visible.
	StateIdle State = iota
	// StateAccumulating means a block is streaming and deltas are appended.
	StateAccumulating
	// StateSettling means the block stopped; the buffer is kept but hidden
	// until the settle timer clears it.
	StateSettling
)

func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateSettling:
		return "settling"
	default:
		return "idle"
	}
}

// Partial is an immutable view of the partial output.
type Partial struct {
	Text    string
	Visible bool
	State   State
}

// Timer is a pending deferred action.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run after d.
type AfterFunc func(d time.Duration, f func()) Timer

// StdAfterFunc schedules f with time.AfterFunc. f runs on its own goroutine.
func StdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Config holds configuration for creating an Accumulator.
type Config struct {
	// SettleDelay defaults to DefaultSettleDelay.
	SettleDelay time.Duration
	// AfterFunc schedules the settle clear. Defaults to StdAfterFunc.
	// The event loop supplies one that posts the clear back onto the loop.
	AfterFunc AfterFunc
	// OnChange is called after every state change. It must not call back
	// into the Accumulator.
	OnChange func(Partial)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Accumulator is the three-state partial output machine:
//
//	Idle --start--> Accumulating --stop--> Settling --delay--> Idle
//
// A new block start cancels a pending clear. The generation counter makes a
// clear that was already queued when it got cancelled a no-op.
type Accumulator struct {
	mu         sync.Mutex
	buffer     strings.Builder
	visible    bool
	state      State
	generation uint64
	clearTimer Timer

	settleDelay time.Duration
	afterFunc   AfterFunc
	onChange    func(Partial)
	logger      *slog.Logger
}

// NewAccumulator creates an idle accumulator.
func NewAccumulator(cfg Config) *Accumulator {
	a := &Accumulator{
		settleDelay: cfg.SettleDelay,
		afterFunc:   cfg.AfterFunc,
		onChange:    cfg.OnChange,
		logger:      cfg.Logger,
	}
	if a.settleDelay <= 0 {
		a.settleDelay = DefaultSettleDelay
	}
	if a.afterFunc == nil {
		a.afterFunc = StdAfterFunc
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// HandleStreamEvent routes a content-block event. Unknown kinds are ignored.
func (a *Accumulator) HandleStreamEvent(ev protocol.StreamEvent) {
	switch ev.Kind {
	case protocol.ContentBlockStart:
		a.Start()
	case protocol.ContentBlockDelta:
		a.Delta(ev.Delta)
	case protocol.ContentBlockStop:
		a.Stop()
	default:
		a.logger.Debug("Ignoring stream event", "kind", string(ev.Kind))
	}
}

// Start resets the buffer and makes it visible.
func (a *Accumulator) Start() {
	a.mu.Lock()
	a.cancelClearLocked()
	a.buffer.Reset()
	a.visible = true
	a.state = StateAccumulating
	p := a.partialLocked()
	a.mu.Unlock()

	a.notify(p)
}

// Delta appends the delta's text. A malformed delta appends nothing.
// Deltas arriving outside a block are still appended to the current buffer.
func (a *Accumulator) Delta(d protocol.Delta) {
	if d.Malformed {
		a.logger.Debug("Malformed stream delta, treating as empty", "delta_type", d.Type)
	}

	a.mu.Lock()
	if a.state != StateAccumulating {
		a.logger.Debug("Stream delta outside of a content block", "state", a.state.String())
	}
	a.buffer.WriteString(d.Text)
	p := a.partialLocked()
	a.mu.Unlock()

	a.notify(p)
}

// Stop hides the partial output and schedules the buffer clear.
// A repeated stop reschedules the clear.
func (a *Accumulator) Stop() {
	a.mu.Lock()
	a.cancelClearLocked()
	a.visible = false
	a.state = StateSettling
	gen := a.generation
	a.clearTimer = a.afterFunc(a.settleDelay, func() {
		a.clear(gen)
	})
	p := a.partialLocked()
	a.mu.Unlock()

	a.notify(p)
}

// Reset returns to Idle immediately and drops any pending clear.
// It is used when the active session changes.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	changed := a.state != StateIdle || a.buffer.Len() > 0 || a.visible
	a.cancelClearLocked()
	a.resetLocked()
	p := a.partialLocked()
	a.mu.Unlock()

	if changed {
		a.notify(p)
	}
}

// Partial returns the current partial output.
func (a *Accumulator) Partial() Partial {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.partialLocked()
}

// Close stops any pending clear.
func (a *Accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelClearLocked()
}

// clear is the settle timer callback.
func (a *Accumulator) clear(gen uint64) {
	a.mu.Lock()
	if gen != a.generation || a.state != StateSettling {
		a.mu.Unlock()
		return
	}
	a.clearTimer = nil
	a.resetLocked()
	p := a.partialLocked()
	a.mu.Unlock()

	a.notify(p)
}

// cancelClearLocked stops the pending clear and invalidates one that may
// already be queued. Must be called with lock held.
func (a *Accumulator) cancelClearLocked() {
	a.generation++
	if a.clearTimer != nil {
		a.clearTimer.Stop()
		a.clearTimer = nil
	}
}

func (a *Accumulator) resetLocked() {
	a.buffer.Reset()
	a.visible = false
	a.state = StateIdle
}

func (a *Accumulator) partialLocked() Partial {
	return Partial{Text: a.buffer.String(), Visible: a.visible, State: a.state}
}

func (a *Accumulator) notify(p Partial) {
	if a.onChange != nil {
		a.onChange(p)
	}
}
