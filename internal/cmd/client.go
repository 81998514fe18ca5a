package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/inercia/cowork/internal/auxiliary"
	"github.com/inercia/cowork/internal/channel"
	"github.com/inercia/cowork/internal/config"
	"github.com/inercia/cowork/internal/dispatch"
	"github.com/inercia/cowork/internal/engine"
	"github.com/inercia/cowork/internal/logging"
	"github.com/inercia/cowork/internal/store"
)

// defaultWaitTimeout bounds non-interactive commands waiting on the backend.
const defaultWaitTimeout = 30 * time.Second

// client bundles the websocket channel and the engine driving it.
type client struct {
	ws     *channel.WebSocket
	engine *engine.Engine
	titler io.Closer

	cancel context.CancelFunc
	errCh  chan error
}

// newClient builds a client from the configuration. Nothing is dialed until
// start, so callers can register event hooks first.
func newClient(c *config.Config) *client {
	ws := channel.NewWebSocket(channel.Config{
		URL:       c.Backend.URL,
		SendRate:  c.Backend.SendRate,
		SendBurst: c.Backend.SendBurst,
	})
	titler, closer := newTitler(c)
	e := engine.New(engine.Config{
		Channel:      ws,
		Titler:       titler,
		AllowedTools: c.Session.AllowedTools,
		SettleDelay:  c.Session.SettleDelay,
		TitleTimeout: c.Title.Timeout,
	})
	return &client{ws: ws, engine: e, titler: closer}
}

// newTitler picks the title generator: the auxiliary agent when a title
// command is configured (optionally backed by the heuristic), else the
// heuristic alone.
func newTitler(c *config.Config) (dispatch.TitleGenerator, io.Closer) {
	if c.Title.Command == "" {
		return auxiliary.Heuristic{}, nil
	}
	manager := auxiliary.NewManager(c.Title.Command, c.Session.Cwd, nil)
	if !c.TitleFallback() {
		return manager, manager
	}
	return auxiliary.Fallback{Primary: manager, Secondary: auxiliary.Heuristic{}}, manager
}

// start runs the engine loop and connects to the backend.
func (c *client) start(ctx context.Context, cwd string) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.errCh = make(chan error, 1)
	go func() { c.errCh <- c.engine.Run(runCtx) }()

	if cwd != "" {
		if err := c.engine.Do(func() { c.engine.Store().SetCwd(cwd) }); err != nil {
			return err
		}
	}

	logging.WithComponent(logging.ComponentCLI).Debug("Connecting", "url", cfg.Backend.URL, "client_id", c.ws.ClientID())
	if err := c.ws.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Backend.URL, err)
	}
	return nil
}

// Close stops the engine and releases the connection and title agent.
func (c *client) Close() error {
	if c.cancel != nil {
		c.cancel()
		if err := <-c.errCh; err != nil && !errors.Is(err, context.Canceled) {
			logging.WithComponent(logging.ComponentCLI).Debug("Engine stopped", "error", err)
		}
	}
	err := c.ws.Close()
	if c.titler != nil {
		if cerr := c.titler.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// call runs fn on the engine loop.
func (c *client) call(ctx context.Context, fn func(*dispatch.Dispatcher, *store.Store) error) error {
	return c.engine.Call(ctx, func() error {
		return fn(c.engine.Dispatcher(), c.engine.Store())
	})
}

// waitSnapshot blocks until pred holds for a published snapshot.
func (c *client) waitSnapshot(ctx context.Context, pred func(*store.Snapshot) bool) (*store.Snapshot, error) {
	ready := make(chan *store.Snapshot, 1)
	unsubscribe := c.engine.Store().Subscribe(func(s *store.Snapshot) {
		if pred(s) {
			select {
			case ready <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	if s := c.engine.Store().Snapshot(); pred(s) {
		return s, nil
	}
	select {
	case s := <-ready:
		return s, nil
	case <-c.ws.Done():
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
