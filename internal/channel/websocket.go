package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/inercia/cowork/internal/logging"
	"github.com/inercia/cowork/internal/protocol"
)

// ClientIDHeader carries the client id on the websocket handshake.
const ClientIDHeader = "X-Cowork-Client-ID"

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultMaxMessage = 16 << 20
)

// Config holds configuration for a WebSocket channel.
type Config struct {
	// URL is the backend websocket endpoint (ws://, wss://, http:// or https://).
	URL string
	// ClientID identifies this client. Defaults to a random UUID.
	ClientID string
	// SendRate limits outbound commands per second. Zero disables the limit.
	SendRate float64
	// SendBurst is the limiter burst size. Defaults to 1 when SendRate is set.
	SendBurst int
	// WriteWait is the deadline for a single write. Default: 10s.
	WriteWait time.Duration
	// PongWait is how long to wait for any frame before the connection is
	// considered dead. Pings are sent at 9/10 of it. Default: 60s.
	PongWait time.Duration
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Logger defaults to the channel component logger.
	Logger *slog.Logger
}

// WebSocket is a Channel over a gorilla websocket connection using the
// protocol envelope. It is safe for concurrent use.
type WebSocket struct {
	cfg      Config
	clientID string
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu     sync.Mutex // guards conn and writes
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	handlersMu sync.RWMutex
	handlers   map[int]Handler
	notifiers  map[int]func(bool)
	nextID     int
}

// NewWebSocket creates an unconnected channel.
func NewWebSocket(cfg Config) *WebSocket {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Channel()
	}

	w := &WebSocket{
		cfg:       cfg,
		clientID:  clientID,
		logger:    logger.With("client_id", clientID),
		handlers:  make(map[int]Handler),
		notifiers: make(map[int]func(bool)),
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	return w
}

// ClientID returns the id sent on the handshake.
func (w *WebSocket) ClientID() string { return w.clientID }

// Connect dials the backend and starts the read and keepalive loops.
func (w *WebSocket) Connect(ctx context.Context) error {
	u, err := wsURL(w.cfg.URL)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set(ClientIDHeader, w.clientID)

	conn, _, err := w.cfg.Dialer.DialContext(ctx, u, header)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}
	conn.SetReadLimit(defaultMaxMessage)

	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		conn.Close()
		return fmt.Errorf("websocket connect: already connected")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	w.conn = conn
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	w.logger.Info("Connected to backend", "url", u)
	w.notify(true)

	go w.pingLoop(loopCtx, conn)
	go w.readLoop(conn, cancel, done)
	return nil
}

// Done is closed when the current connection ends. It returns nil before
// the first Connect.
func (w *WebSocket) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Connected reports whether a connection is established.
func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// Send encodes and writes a command. It fails with ErrNotConnected when no
// connection is established.
func (w *WebSocket) Send(ctx context.Context, cmd protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if !w.Connected() {
		return ErrNotConnected
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("send %s: %w", cmd.CommandType(), err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return ErrNotConnected
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", cmd.CommandType(), err)
	}
	w.logger.Debug("Sent command", "type", cmd.CommandType())
	return nil
}

// OnEvent registers a handler. Handlers run on the read loop goroutine in
// registration order.
func (w *WebSocket) OnEvent(h Handler) (unsubscribe func()) {
	w.handlersMu.Lock()
	id := w.nextID
	w.nextID++
	w.handlers[id] = h
	w.handlersMu.Unlock()

	return func() {
		w.handlersMu.Lock()
		delete(w.handlers, id)
		w.handlersMu.Unlock()
	}
}

// OnConnectionChange registers a callback for connect and disconnect.
func (w *WebSocket) OnConnectionChange(fn func(connected bool)) (unsubscribe func()) {
	w.handlersMu.Lock()
	id := w.nextID
	w.nextID++
	w.notifiers[id] = fn
	w.handlersMu.Unlock()

	return func() {
		w.handlersMu.Lock()
		delete(w.notifiers, id)
		w.handlersMu.Unlock()
	}
}

// Close sends a close frame and tears the connection down. It waits for the
// read loop to exit, so it must not be called from an event handler.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn := w.conn
	if conn == nil {
		w.mu.Unlock()
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(w.cfg.WriteWait))
	done := w.done
	w.mu.Unlock()

	err := conn.Close()
	<-done
	return err
}

func (w *WebSocket) readLoop(conn *websocket.Conn, cancel context.CancelFunc, done chan struct{}) {
	defer func() {
		cancel()
		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()
		conn.Close()
		w.notify(false)
		close(done)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				w.logger.Info("Backend connection closed")
			} else {
				w.logger.Warn("Backend connection lost", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))

		evt, err := protocol.DecodeEvent(data)
		if err != nil {
			w.logger.Debug("Dropping malformed event", "error", err)
			continue
		}
		w.dispatch(evt)
	}
}

func (w *WebSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.cfg.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteWait))
			w.mu.Unlock()
			if err != nil {
				w.logger.Debug("Ping failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *WebSocket) dispatch(evt protocol.Event) {
	for _, h := range w.snapshotHandlers() {
		h(evt)
	}
}

func (w *WebSocket) notify(connected bool) {
	w.handlersMu.RLock()
	ids := sortedKeys(w.notifiers)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, w.notifiers[id])
	}
	w.handlersMu.RUnlock()

	for _, fn := range fns {
		fn(connected)
	}
}

func (w *WebSocket) snapshotHandlers() []Handler {
	w.handlersMu.RLock()
	defer w.handlersMu.RUnlock()
	ids := sortedKeys(w.handlers)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, w.handlers[id])
	}
	return hs
}

func sortedKeys[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// wsURL converts http(s) URLs to ws(s).
func wsURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("websocket connect: empty backend URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse backend URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("parse backend URL: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
