// Package engine runs the session/event synchronization loop.
//
// All state mutation happens on one goroutine: inbound channel events, user
// intents posted with Do or Call, settle timer expirations and title
// generation continuations are serialized onto the loop. This is what lets
// the store, the dispatcher and the accumulator run without locks.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inercia/cowork/internal/channel"
	"github.com/inercia/cowork/internal/dispatch"
	"github.com/inercia/cowork/internal/logging"
	"github.com/inercia/cowork/internal/protocol"
	"github.com/inercia/cowork/internal/store"
	"github.com/inercia/cowork/internal/stream"
)

// ErrStopped is returned when posting to an engine whose loop has exited.
var ErrStopped = errors.New("engine stopped")

const defaultQueueSize = 256

// Config holds the dependencies of an Engine.
type Config struct {
	Channel channel.Channel
	Titler  dispatch.TitleGenerator
	// AllowedTools defaults to dispatch.DefaultAllowedTools.
	AllowedTools string
	// SettleDelay defaults to stream.DefaultSettleDelay.
	SettleDelay time.Duration
	// TitleTimeout bounds a title generation call. Zero means no timeout.
	TitleTimeout time.Duration
	// QueueSize is the loop's task buffer. Default: 256.
	QueueSize int
	Logger    *slog.Logger
}

// Engine wires the store, the dispatcher and the accumulator to a channel.
type Engine struct {
	ch           channel.Channel
	store        *store.Store
	dispatcher   *dispatch.Dispatcher
	acc          *stream.Accumulator
	titleTimeout time.Duration
	logger       *slog.Logger

	tasks   chan func()
	started atomic.Bool
	done    chan struct{}

	// loop state
	ctx        context.Context
	lastActive string

	partial          atomic.Pointer[stream.Partial]
	partialMu        sync.RWMutex
	partialListeners map[int]func(stream.Partial)
	nextListener     int
}

// New creates an engine. Run must be called to start processing.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Engine()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	e := &Engine{
		ch:               cfg.Channel,
		store:            store.New(nil),
		titleTimeout:     cfg.TitleTimeout,
		logger:           logger,
		tasks:            make(chan func(), queueSize),
		done:             make(chan struct{}),
		ctx:              context.Background(),
		partialListeners: make(map[int]func(stream.Partial)),
	}
	e.partial.Store(&stream.Partial{})

	e.dispatcher = dispatch.New(dispatch.Config{
		Store:        e.store,
		Sender:       cfg.Channel,
		Titler:       cfg.Titler,
		AllowedTools: cfg.AllowedTools,
		Suspend:      e.suspend,
	})
	e.acc = stream.NewAccumulator(stream.Config{
		SettleDelay: cfg.SettleDelay,
		AfterFunc:   e.afterFunc,
		OnChange:    e.setPartial,
		Logger:      logging.Stream(),
	})
	return e
}

// Store returns the session store. Outside the loop only Snapshot and
// Subscribe may be used.
func (e *Engine) Store() *store.Store { return e.store }

// Dispatcher returns the command dispatcher. It must only be used inside
// Do or Call.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Partial returns the current partial output of the active session.
func (e *Engine) Partial() stream.Partial { return *e.partial.Load() }

// SubscribePartial registers a listener for partial output changes. It is
// called on the loop goroutine.
func (e *Engine) SubscribePartial(fn func(stream.Partial)) (unsubscribe func()) {
	e.partialMu.Lock()
	id := e.nextListener
	e.nextListener++
	e.partialListeners[id] = fn
	e.partialMu.Unlock()

	return func() {
		e.partialMu.Lock()
		delete(e.partialListeners, id)
		e.partialMu.Unlock()
	}
}

// Run processes events and tasks until ctx is cancelled. It may only be
// called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer close(e.done)
	defer e.acc.Close()

	e.ctx = ctx

	unsubscribe := e.ch.OnEvent(func(evt protocol.Event) {
		_ = e.post(func() { e.handleEvent(evt) })
	})
	defer unsubscribe()

	if n, ok := e.ch.(channel.ConnectionNotifier); ok {
		unsubscribeConn := n.OnConnectionChange(func(connected bool) {
			_ = e.post(func() { e.setConnected(connected) })
		})
		defer unsubscribeConn()
	}

	if e.ch.Connected() {
		e.setConnected(true)
	}

	e.logger.Debug("Engine loop started")
	for {
		select {
		case task := <-e.tasks:
			task()
			e.afterStep()
		case <-ctx.Done():
			e.logger.Debug("Engine loop stopped")
			return ctx.Err()
		}
	}
}

// Do runs fn on the loop without waiting for it.
func (e *Engine) Do(fn func()) error {
	return e.post(fn)
}

// Call runs fn on the loop and waits for its result.
func (e *Engine) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if err := e.post(func() { result <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// post enqueues a task, blocking while the queue is full.
func (e *Engine) post(fn func()) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.tasks <- fn:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) handleEvent(evt protocol.Event) {
	e.store.ApplyEvent(evt)

	sm, ok := evt.(protocol.StreamMessage)
	if !ok || !sm.Message.IsStreamEvent() || sm.Message.Stream == nil {
		return
	}
	// Partial output only tracks the active session. Check after applying,
	// since the event may have made the session active.
	if sm.SessionID != e.store.Snapshot().ActiveSessionID {
		return
	}
	e.syncActive()
	e.acc.HandleStreamEvent(*sm.Message.Stream)
}

func (e *Engine) setConnected(connected bool) {
	e.store.SetConnected(connected)
	if !connected {
		e.logger.Warn("Disconnected from backend")
		return
	}
	if err := e.dispatcher.List(e.ctx); err != nil {
		e.logger.Warn("Failed to request session list", "error", err)
	}
}

// afterStep runs after every loop task.
func (e *Engine) afterStep() {
	e.syncActive()
	if err := e.dispatcher.EnsureHistory(e.ctx); err != nil {
		e.logger.Warn("Failed to request session history", "error", err)
	}
}

// syncActive resets partial output when the active session changes.
func (e *Engine) syncActive() {
	active := e.store.Snapshot().ActiveSessionID
	if active == e.lastActive {
		return
	}
	e.lastActive = active
	e.acc.Reset()
}

// afterFunc schedules f back onto the loop.
func (e *Engine) afterFunc(d time.Duration, f func()) stream.Timer {
	return time.AfterFunc(d, func() {
		_ = e.post(f)
	})
}

// suspend runs title generation off the loop and resumes on it.
func (e *Engine) suspend(ctx context.Context, work func(context.Context) (string, error), resume func(string, error)) {
	go func() {
		workCtx := ctx
		if e.titleTimeout > 0 {
			var cancel context.CancelFunc
			workCtx, cancel = context.WithTimeout(ctx, e.titleTimeout)
			defer cancel()
		}
		title, err := work(workCtx)
		if postErr := e.post(func() { resume(title, err) }); postErr != nil {
			e.logger.Debug("Dropping title result, engine stopped")
		}
	}()
}

func (e *Engine) setPartial(p stream.Partial) {
	e.partial.Store(&p)

	e.partialMu.RLock()
	listeners := make([]func(stream.Partial), 0, len(e.partialListeners))
	for _, fn := range e.partialListeners {
		listeners = append(listeners, fn)
	}
	e.partialMu.RUnlock()

	for _, fn := range listeners {
		fn(p)
	}
}
