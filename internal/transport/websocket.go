// Package transport carries routed messages to participant connections over WebSockets.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// InboundHandler receives text frames read from a connection.
type InboundHandler func(connID string, data []byte)

// CloseHandler is called once when a connection's socket goes away.
type CloseHandler func(connID string)

// Opts holds configuration options for the WebSocket transport.
type Opts struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
	OnInbound      InboundHandler
	OnClose        CloseHandler
}

// Option configures the WebSocket transport.
type Option func(*Opts)

// WithTimeouts sets the write deadline and the pong wait. Pings go out at 9/10 of the pong wait.
func WithTimeouts(writeWait, pongWait time.Duration) Option {
	return func(o *Opts) {
		o.WriteWait = writeWait
		o.PongWait = pongWait
		o.PingPeriod = pongWait * 9 / 10
	}
}

// WithMaxMessageSize limits inbound frame size.
func WithMaxMessageSize(n int64) Option {
	return func(o *Opts) { o.MaxMessageSize = n }
}

// WithCheckOrigin sets the upgrade origin policy.
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(o *Opts) { o.CheckOrigin = f }
}

// WithInbound sets the handler for frames sent by participants.
func WithInbound(h InboundHandler) Option {
	return func(o *Opts) { o.OnInbound = h }
}

// WithOnClose sets the handler called when a socket closes.
func WithOnClose(h CloseHandler) Option {
	return func(o *Opts) { o.OnClose = h }
}

type socket struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	done     chan struct{}
	once     sync.Once
	lastSeen time.Time
	seenMu   sync.Mutex
}

func (s *socket) seen() {
	s.seenMu.Lock()
	s.lastSeen = time.Now()
	s.seenMu.Unlock()
}

func (s *socket) idleFor() time.Duration {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	return time.Since(s.lastSeen)
}

// WebSocket maps pool connection ids to live sockets.
type WebSocket struct {
	cfg      Opts
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	sockets map[string]*socket
}

// NewWebSocket creates a WebSocket transport.
func NewWebSocket(opts ...Option) *WebSocket {
	cfg := Opts{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 16 << 10,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WebSocket{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		sockets: make(map[string]*socket),
	}
}

// Upgrade switches an HTTP request to the WebSocket protocol.
func (w *WebSocket) Upgrade(rw http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return w.upgrader.Upgrade(rw, r, nil)
}

// Attach binds conn to connID and starts its read and ping loops. A socket already bound
// to connID is closed first.
func (w *WebSocket) Attach(connID string, conn *websocket.Conn) {
	s := &socket{conn: conn, done: make(chan struct{}), lastSeen: time.Now()}
	w.mu.Lock()
	old := w.sockets[connID]
	w.sockets[connID] = s
	w.mu.Unlock()
	if old != nil {
		w.shutdown(connID, old, false)
	}
	go w.readLoop(connID, s)
	go w.pingLoop(connID, s)
	slog.Debug("WebSocket.Attach: socket attached", "connID", connID)
}

// Send writes one text frame. Writes to a connection are serialized.
func (w *WebSocket) Send(ctx context.Context, connID string, payload []byte) error {
	w.mu.RLock()
	s, ok := w.sockets[connID]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no socket for %s", models.ErrNotFound, connID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(w.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		go w.shutdown(connID, s, true)
		return fmt.Errorf("write %s: %w", connID, err)
	}
	return nil
}

// Alive reports whether connID has a socket that answered within the pong wait.
func (w *WebSocket) Alive(connID string) bool {
	w.mu.RLock()
	s, ok := w.sockets[connID]
	w.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	return s.idleFor() < w.cfg.PongWait
}

// Close closes the socket bound to connID, if any.
func (w *WebSocket) Close(connID string) error {
	w.mu.RLock()
	s, ok := w.sockets[connID]
	w.mu.RUnlock()
	if !ok {
		return nil
	}
	w.shutdown(connID, s, true)
	return nil
}

// Detach unregisters the socket bound to connID without firing OnClose and
// closes it in the background. Sends to connID fail from the moment Detach returns.
func (w *WebSocket) Detach(connID string) {
	w.mu.Lock()
	s, ok := w.sockets[connID]
	if ok {
		delete(w.sockets, connID)
	}
	w.mu.Unlock()
	if ok {
		go w.shutdown(connID, s, false)
	}
}

// CloseAll closes every socket. Used on shutdown.
func (w *WebSocket) CloseAll() {
	w.mu.RLock()
	all := make(map[string]*socket, len(w.sockets))
	for id, s := range w.sockets {
		all[id] = s
	}
	w.mu.RUnlock()
	for id, s := range all {
		w.shutdown(id, s, false)
	}
}

// Count returns the number of attached sockets.
func (w *WebSocket) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.sockets)
}

func (w *WebSocket) shutdown(connID string, s *socket, notify bool) {
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()

		w.mu.Lock()
		current := w.sockets[connID] == s
		if current {
			delete(w.sockets, connID)
		}
		w.mu.Unlock()
		slog.Debug("WebSocket.shutdown: socket closed", "connID", connID)
		// A replaced or detached socket no longer speaks for connID.
		if notify && current && w.cfg.OnClose != nil {
			w.cfg.OnClose(connID)
		}
	})
}

func (w *WebSocket) readLoop(connID string, s *socket) {
	defer w.shutdown(connID, s, true)
	s.conn.SetReadLimit(w.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.seen()
		return s.conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	})
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket.readLoop: unexpected close", "connID", connID, "error", err)
			}
			return
		}
		s.seen()
		_ = s.conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
		if kind == websocket.TextMessage && w.cfg.OnInbound != nil {
			w.cfg.OnInbound(connID, data)
		}
	}
}

func (w *WebSocket) pingLoop(connID string, s *socket) {
	ticker := time.NewTicker(w.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteWait))
			s.writeMu.Unlock()
			if err != nil {
				slog.Debug("WebSocket.pingLoop: ping failed", "connID", connID, "error", err)
				w.shutdown(connID, s, true)
				return
			}
		}
	}
}
