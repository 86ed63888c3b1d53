package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CrisisRelay/internal/metrics"
	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/util"
)

// Envelope kinds written to connections.
const (
	KindMessage = "message"
	KindSystem  = "system"
)

// Envelope is the JSON frame delivered to a participant connection.
type Envelope struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	SessionID  string      `json:"session_id"`
	SenderRole models.Role `json:"sender_role,omitempty"`
	Content    string      `json:"content"`
	Priority   int         `json:"priority"`
	SentAt     time.Time   `json:"sent_at"`
}

// SendRequest is an outbound participant message.
type SendRequest struct {
	Token      string
	Content    string
	SenderRole models.Role
	Severity   int
	Emergency  bool
}

// SendResult reports how a message fanned out. Queued connections count as reached.
type SendResult struct {
	MessageID          string                   `json:"message_id"`
	Priority           int                      `json:"priority"`
	DeliveryTime       time.Duration            `json:"delivery_time"`
	ConnectionsReached int                      `json:"connections_reached"`
	Queued             int                      `json:"queued"`
	Failures           []models.DeliveryFailure `json:"failures,omitempty"`
}

// PriorityFor computes a message priority: critical for emergencies or severity 9+, high for
// severity 7+ or responder-side senders, normal otherwise.
func PriorityFor(severity int, emergency bool, senderRole models.Role) int {
	switch {
	case emergency || severity >= 9:
		return PriorityCritical
	case severity >= 7 || senderRole.IsResponder():
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Opts holds configuration options for the Router.
type Opts struct {
	LatencyTarget time.Duration
	MaxParallel   int
	Alerter       Alerter
	Metrics       *metrics.Collector
	Clock         func() time.Time
}

// Option configures the Router.
type Option func(*Opts)

// WithLatencyTarget sets the message delivery budget.
func WithLatencyTarget(d time.Duration) Option {
	return func(o *Opts) { o.LatencyTarget = d }
}

// WithMaxParallel caps concurrent deliveries per fan-out.
func WithMaxParallel(n int) Option {
	return func(o *Opts) { o.MaxParallel = n }
}

// WithRouterAlerter sets the sink for slow-delivery alerts.
func WithRouterAlerter(a Alerter) Option {
	return func(o *Opts) { o.Alerter = a }
}

// WithRouterMetrics sets the metrics collector.
func WithRouterMetrics(m *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithRouterClock replaces time.Now.
func WithRouterClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Router fans messages out to the connections of a session.
type Router struct {
	pool      *Pool
	transport Transport
	cfg       Opts
	now       func() time.Time
	flushMu   sync.Mutex
}

// New creates a Router over pool that writes through transport.
func New(pool *Pool, transport Transport, opts ...Option) *Router {
	cfg := Opts{LatencyTarget: 200 * time.Millisecond, MaxParallel: 16}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 16
	}
	return &Router{pool: pool, transport: transport, cfg: cfg, now: cfg.Clock}
}

// Pool returns the underlying connection pool.
func (r *Router) Pool() *Pool { return r.pool }

// SendMessage resolves the session from the token and delivers the message to every live
// connection. Critical and high priority messages are written immediately and awaited;
// normal ones go into each connection's queue for FlushQueues. A failed connection never
// stops delivery to the others.
func (r *Router) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	sessionID, ok := r.pool.SessionForToken(req.Token)
	if !ok {
		return SendResult{}, fmt.Errorf("%w: unknown session token", models.ErrUnauthorized)
	}
	priority := PriorityFor(req.Severity, req.Emergency, req.SenderRole)
	return r.route(ctx, sessionID, KindMessage, req.SenderRole, req.Content, priority)
}

// Broadcast delivers a system notice to every live connection of a session.
func (r *Router) Broadcast(ctx context.Context, sessionID, content string, priority int) (SendResult, error) {
	return r.route(ctx, sessionID, KindSystem, "", content, priority)
}

func (r *Router) route(ctx context.Context, sessionID, kind string, role models.Role, content string, priority int) (SendResult, error) {
	start := r.now()
	env := Envelope{
		ID:         util.GenerateMessageID(),
		Kind:       kind,
		SessionID:  sessionID,
		SenderRole: role,
		Content:    content,
		Priority:   priority,
		SentAt:     start.UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode envelope: %w", err)
	}
	res := SendResult{MessageID: env.ID, Priority: priority}
	targets := r.pool.liveConnections(sessionID)

	if priority == PriorityNormal {
		msg := Message{ID: env.ID, SessionID: sessionID, Priority: priority, Payload: payload, EnqueuedAt: start}
		for _, id := range targets {
			evicted, err := r.pool.enqueue(id, msg)
			if err != nil {
				res.Failures = append(res.Failures, models.DeliveryFailure{ConnectionID: id, Error: err.Error()})
				r.cfg.Metrics.Delivery(priority, false)
				continue
			}
			if evicted != nil {
				r.cfg.Metrics.QueueEviction()
				slog.Warn("Router.route: queue full, evicted message", "connID", id, "evictedID", evicted.ID,
					"evictedPriority", evicted.Priority)
			}
			res.Queued++
			res.ConnectionsReached++
		}
	} else {
		delivered, failures := r.deliver(ctx, targets, priority, payload)
		res.ConnectionsReached = delivered
		res.Failures = failures
	}

	res.DeliveryTime = r.now().Sub(start)
	r.cfg.Metrics.DeliveryLatency(priority, res.DeliveryTime)
	if r.cfg.LatencyTarget > 0 && res.DeliveryTime > r.cfg.LatencyTarget {
		slog.Warn("Router.route: delivery slower than target", "sessionID", sessionID, "messageID", env.ID,
			"deliveryTime", res.DeliveryTime, "target", r.cfg.LatencyTarget)
		if r.cfg.Alerter != nil {
			sev := models.AlertMedium
			if priority == PriorityCritical {
				sev = models.AlertHigh
			}
			r.cfg.Alerter.CreateAlert(models.AlertPerformance, sev,
				fmt.Sprintf("message delivery took %s (target %s)", res.DeliveryTime, r.cfg.LatencyTarget), sessionID)
		}
	}
	slog.Debug("Router.route: message routed", "sessionID", sessionID, "messageID", env.ID, "priority", priority,
		"targets", len(targets), "reached", res.ConnectionsReached, "failures", len(res.Failures))
	return res, nil
}

// deliver writes payload to every target in parallel and folds per-connection results back.
func (r *Router) deliver(ctx context.Context, targets []string, priority int, payload []byte) (int, []models.DeliveryFailure) {
	errs := make([]error, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.MaxParallel)
	for i, id := range targets {
		g.Go(func() error {
			errs[i] = r.sendOne(ctx, id, priority, payload)
			return nil
		})
	}
	_ = g.Wait()

	delivered := 0
	var failures []models.DeliveryFailure
	for i, err := range errs {
		if err != nil {
			failures = append(failures, models.DeliveryFailure{ConnectionID: targets[i], Error: err.Error()})
			continue
		}
		delivered++
	}
	return delivered, failures
}

func (r *Router) sendOne(ctx context.Context, connID string, priority int, payload []byte) error {
	start := r.now()
	err := r.transport.Send(ctx, connID, payload)
	r.pool.recordDelivery(connID, r.now().Sub(start), err == nil)
	r.cfg.Metrics.Delivery(priority, err == nil)
	if err != nil {
		slog.Warn("Router.sendOne: delivery failed", "connID", connID, "priority", priority, "error", err)
		return fmt.Errorf("%w: %v", models.ErrDeliveryFailure, err)
	}
	return nil
}

// FlushQueues delivers every queued message, each connection in priority-then-arrival order
// and connections in parallel. It returns the number of messages delivered. When a send
// fails, the undelivered rest of that connection's batch goes back to the front of its queue.
// Overlapping calls are skipped.
func (r *Router) FlushQueues(ctx context.Context) int {
	if !r.flushMu.TryLock() {
		return 0
	}
	defer r.flushMu.Unlock()

	batches := r.pool.drainQueues()
	if len(batches) == 0 {
		return 0
	}
	var mu sync.Mutex
	delivered := 0
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.MaxParallel)
	for connID, msgs := range batches {
		g.Go(func() error {
			n := 0
			for i, m := range msgs {
				if err := r.sendOne(ctx, connID, m.Priority, m.Payload); err != nil {
					lost := r.pool.requeue(connID, msgs[i:])
					for _, l := range lost {
						// sendOne already counted the failed attempt.
						if l.ID != m.ID {
							r.cfg.Metrics.Delivery(l.Priority, false)
						}
					}
					slog.Warn("Router.FlushQueues: send failed, rest of batch requeued",
						"connID", connID, "requeued", len(msgs)-i-len(lost), "dropped", len(lost))
					break
				}
				n++
			}
			mu.Lock()
			delivered += n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	slog.Debug("Router.FlushQueues: batch delivered", "connections", len(batches), "messages", delivered)
	return delivered
}
