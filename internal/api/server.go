// Package api hosts the CrisisRelay HTTP and WebSocket surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/metrics"
	"github.com/BTreeMap/CrisisRelay/internal/monitor"
	"github.com/BTreeMap/CrisisRelay/internal/router"
	"github.com/BTreeMap/CrisisRelay/internal/session"
	"github.com/BTreeMap/CrisisRelay/internal/store"
	"github.com/BTreeMap/CrisisRelay/internal/transport"
)

// Default server settings.
const (
	DefaultAddr              = ":8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultReportWindow      = 24 * time.Hour
)

// Deps are the components the server exposes. Sessions, Router and Monitor are required.
type Deps struct {
	Sessions *session.Manager
	Router   *router.Router
	Monitor  *monitor.Monitor
	// Sockets is optional; without it /ws answers 503.
	Sockets *transport.WebSocket
	// Receipts is optional; without it client_message_id is ignored.
	Receipts store.ReceiptRepo
	// Notifications is optional; without it delivery status lookups answer 503.
	Notifications store.NotificationRepo
	Metrics       *metrics.Collector
}

// Opts holds configuration options for the Server.
type Opts struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	ReportWindow      time.Duration
}

// Option defines a functional option for configuring the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTimeouts sets the header read and graceful shutdown timeouts.
func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(o *Opts) {
		o.ReadHeaderTimeout = readHeader
		o.ShutdownTimeout = shutdown
	}
}

// WithReportWindow sets the default lookback for monitor reports and exports.
func WithReportWindow(d time.Duration) Option {
	return func(o *Opts) { o.ReportWindow = d }
}

// Server routes HTTP requests to the session manager, router and monitor.
type Server struct {
	deps       Deps
	opts       Opts
	pool       *router.Pool
	mux        *http.ServeMux
	httpServer *http.Server
	now        func() time.Time
}

// NewServer builds the server and registers its routes.
func NewServer(deps Deps, opts ...Option) (*Server, error) {
	if deps.Sessions == nil || deps.Router == nil || deps.Monitor == nil {
		return nil, errors.New("api: sessions, router and monitor are required")
	}
	cfg := Opts{
		Addr:              DefaultAddr,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ShutdownTimeout:   DefaultShutdownTimeout,
		ReportWindow:      DefaultReportWindow,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		deps: deps,
		opts: cfg,
		pool: deps.Router.Pool(),
		mux:  http.NewServeMux(),
		now:  time.Now,
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /sessions", s.createSessionHandler)
	s.mux.HandleFunc("GET /sessions/summary", s.summaryHandler)
	s.mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	s.mux.HandleFunc("POST /sessions/{id}/participants", s.addParticipantHandler)
	s.mux.HandleFunc("DELETE /sessions/{id}/participants/{pid}", s.removeParticipantHandler)
	s.mux.HandleFunc("POST /sessions/{id}/messages", s.messageHandler)
	s.mux.HandleFunc("POST /sessions/{id}/escalate", s.escalateHandler)
	s.mux.HandleFunc("POST /sessions/{id}/resolve", s.resolveHandler)
	s.mux.HandleFunc("POST /sessions/{id}/transfer", s.transferHandler)
	s.mux.HandleFunc("POST /sessions/{id}/preserve", s.preserveHandler)
	s.mux.HandleFunc("POST /sessions/{id}/end", s.endHandler)

	s.mux.HandleFunc("GET /monitor/report", s.reportHandler)
	s.mux.HandleFunc("GET /monitor/audit", s.auditHandler)
	s.mux.HandleFunc("GET /monitor/alerts", s.alertsHandler)
	s.mux.HandleFunc("POST /monitor/alerts/{id}/resolve", s.resolveAlertHandler)
	s.mux.HandleFunc("GET /monitor/escalations/{id}/notifications", s.notificationsHandler)

	s.mux.HandleFunc("GET /ws", s.wsHandler)
	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
}

// Handler returns the server's request router.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves until ctx ends, then shuts down gracefully and closes open sockets.
func (s *Server) ListenAndServe(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server.ListenAndServe: listening", "addr", s.opts.Addr)
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	slog.Info("Server.ListenAndServe: shutting down", "timeout", s.opts.ShutdownTimeout)
	if s.deps.Sockets != nil {
		s.deps.Sockets.CloseAll()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	sum := s.deps.Sessions.Summary()
	sockets := 0
	if s.deps.Sockets != nil {
		sockets = s.deps.Sockets.Count()
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"open_sessions": sum.Open,
		"sockets":       sockets,
		"pools":         s.pool.Stats(),
		"time":          s.now().UTC(),
	})
}
