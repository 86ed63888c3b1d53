// Package router delivers session messages to participant connections.
//
// A Pool owns every connection, grouped into a "critical" and a "normal" class, and the
// token-to-session index. Connections released by an ended session stay in their class's
// idle set and are rebound to a later session when they are still fast and fresh. A Router
// resolves a session token, prioritizes the message and fans it out across the session's
// live connections.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/metrics"
	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/util"
)

// Pool classes.
const (
	PoolCritical = "critical"
	PoolNormal   = "normal"
)

// CriticalSeverity is the lowest request severity (0-10) served from the critical pool.
const CriticalSeverity = 8

const latencySamples = 20

// State is the lifecycle state of a connection: new, alive, stale, removed.
type State string

const (
	StateNew     State = "new"
	StateAlive   State = "alive"
	StateStale   State = "stale"
	StateRemoved State = "removed"
)

// Transport moves bytes to a connection and reports whether it is still reachable.
type Transport interface {
	Send(ctx context.Context, connID string, payload []byte) error
	Alive(connID string) bool
}

// Detacher drops whatever socket currently carries a connection. It must not
// call back into the Pool.
type Detacher interface {
	Detach(connID string)
}

// Opener performs the network work of establishing a new connection.
type Opener interface {
	Open(ctx context.Context, connID string) error
}

// Alerter receives non-fatal performance alerts.
type Alerter interface {
	CreateAlert(t models.AlertType, sev models.AlertSeverity, message, sessionID string) models.SystemAlert
}

type connection struct {
	id         string
	sessionID  string
	class      string
	severity   int
	state      State
	createdAt  time.Time
	lastActive time.Time
	staleSince time.Time
	queue      *messageQueue
	latencies  []time.Duration
	next       int
}

func (c *connection) recordLatency(d time.Duration) {
	if len(c.latencies) < latencySamples {
		c.latencies = append(c.latencies, d)
		return
	}
	c.latencies[c.next] = d
	c.next = (c.next + 1) % latencySamples
}

func (c *connection) avgLatency() time.Duration {
	if len(c.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range c.latencies {
		sum += d
	}
	return sum / time.Duration(len(c.latencies))
}

type class struct {
	name     string
	capacity int
	members  map[string]struct{}
	idle     []string
	score    float64
}

func (c *class) removeIdle(id string) {
	for i, v := range c.idle {
		if v == id {
			c.idle = append(c.idle[:i], c.idle[i+1:]...)
			return
		}
	}
}

// ConnectRequest asks for a connection bound to a session.
type ConnectRequest struct {
	SessionID string
	Token     string
	Severity  int
	Emergency bool
}

// ConnectResult describes the connection handed out by Connect.
type ConnectResult struct {
	ConnectionID string        `json:"connection_id"`
	Pool         string        `json:"pool"`
	Latency      time.Duration `json:"latency"`
	Pooled       bool          `json:"pooled"`
	Severity     int           `json:"severity"`
}

// ConnectionInfo is a read-only view of one connection.
type ConnectionInfo struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id,omitempty"`
	Pool         string        `json:"pool"`
	Severity     int           `json:"severity"`
	State        State         `json:"state"`
	Idle         bool          `json:"idle"`
	LastActivity time.Time     `json:"last_activity"`
	AvgLatency   time.Duration `json:"avg_latency"`
	Queued       int           `json:"queued"`
}

// PoolStats summarises one pool class.
type PoolStats struct {
	Name     string  `json:"name"`
	Capacity int     `json:"capacity"`
	Size     int     `json:"size"`
	Idle     int     `json:"idle"`
	Live     int     `json:"live"`
	Stale    int     `json:"stale"`
	Score    float64 `json:"performance_score"`
}

// PoolOpts holds configuration options for the Pool.
type PoolOpts struct {
	CriticalCapacity  int
	NormalCapacity    int
	IdleCeiling       time.Duration
	LatencyTarget     time.Duration
	ConnectTarget     time.Duration
	QueueSize         int
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	Transport         Transport
	Detacher          Detacher
	Opener            Opener
	Alerter           Alerter
	Metrics           *metrics.Collector
	Clock             func() time.Time
}

// PoolOption configures the Pool.
type PoolOption func(*PoolOpts)

// WithCapacity sets the per-class connection ceilings.
func WithCapacity(critical, normal int) PoolOption {
	return func(o *PoolOpts) {
		o.CriticalCapacity = critical
		o.NormalCapacity = normal
	}
}

// WithTargets sets the reuse idle ceiling, the latency target and the connect-time target.
func WithTargets(idleCeiling, latency, connect time.Duration) PoolOption {
	return func(o *PoolOpts) {
		o.IdleCeiling = idleCeiling
		o.LatencyTarget = latency
		o.ConnectTarget = connect
	}
}

// WithQueueSize bounds each connection's priority queue.
func WithQueueSize(n int) PoolOption {
	return func(o *PoolOpts) { o.QueueSize = n }
}

// WithIntervals sets the heartbeat and stale-cleanup intervals.
func WithIntervals(heartbeat, cleanup time.Duration) PoolOption {
	return func(o *PoolOpts) {
		o.HeartbeatInterval = heartbeat
		o.CleanupInterval = cleanup
	}
}

// WithTransport sets the liveness probe used by Heartbeat.
func WithTransport(t Transport) PoolOption {
	return func(o *PoolOpts) { o.Transport = t }
}

// WithDetacher sets the hook that drops a connection's socket on release.
// It defaults to the transport when the transport implements Detacher.
func WithDetacher(d Detacher) PoolOption {
	return func(o *PoolOpts) { o.Detacher = d }
}

// WithOpener sets the connection establishment hook.
func WithOpener(op Opener) PoolOption {
	return func(o *PoolOpts) { o.Opener = op }
}

// WithAlerter sets the sink for slow-connect alerts.
func WithAlerter(a Alerter) PoolOption {
	return func(o *PoolOpts) { o.Alerter = a }
}

// WithPoolMetrics sets the metrics collector.
func WithPoolMetrics(m *metrics.Collector) PoolOption {
	return func(o *PoolOpts) { o.Metrics = m }
}

// WithPoolClock replaces time.Now.
func WithPoolClock(now func() time.Time) PoolOption {
	return func(o *PoolOpts) { o.Clock = now }
}

// Pool owns connections, their queues, and the session token index.
type Pool struct {
	cfg PoolOpts
	now func() time.Time

	mu        sync.Mutex
	classes   map[string]*class
	conns     map[string]*connection
	bySession map[string]map[string]struct{}
	tokens    map[string]string
}

// NewPool creates a Pool.
func NewPool(opts ...PoolOption) *Pool {
	cfg := PoolOpts{
		CriticalCapacity:  200,
		NormalCapacity:    1000,
		IdleCeiling:       2 * time.Minute,
		LatencyTarget:     100 * time.Millisecond,
		ConnectTarget:     500 * time.Millisecond,
		QueueSize:         100,
		HeartbeatInterval: 15 * time.Second,
		CleanupInterval:   time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Detacher == nil {
		if d, ok := cfg.Transport.(Detacher); ok {
			cfg.Detacher = d
		}
	}
	return &Pool{
		cfg: cfg,
		now: cfg.Clock,
		classes: map[string]*class{
			PoolCritical: {name: PoolCritical, capacity: cfg.CriticalCapacity, members: make(map[string]struct{}), score: 100},
			PoolNormal:   {name: PoolNormal, capacity: cfg.NormalCapacity, members: make(map[string]struct{}), score: 100},
		},
		conns:     make(map[string]*connection),
		bySession: make(map[string]map[string]struct{}),
		tokens:    make(map[string]string),
	}
}

// ClassFor picks the pool class for a request.
func ClassFor(severity int, emergency bool) string {
	if emergency || severity >= CriticalSeverity {
		return PoolCritical
	}
	return PoolNormal
}

// RegisterToken binds a session token to its session.
func (p *Pool) RegisterToken(token, sessionID string) {
	p.mu.Lock()
	p.tokens[token] = sessionID
	p.mu.Unlock()
}

// SessionForToken resolves a session token.
func (p *Pool) SessionForToken(token string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.tokens[token]
	return id, ok
}

// Connect hands out a connection for the session, reusing an eligible idle one from the
// request's class before allocating. Slow establishment raises a performance alert but
// still succeeds.
func (p *Pool) Connect(ctx context.Context, req ConnectRequest) (ConnectResult, error) {
	start := p.now()
	cls := ClassFor(req.Severity, req.Emergency)

	p.mu.Lock()
	if sid, ok := p.tokens[req.Token]; !ok || sid != req.SessionID {
		p.mu.Unlock()
		return ConnectResult{}, fmt.Errorf("%w: token does not match session", models.ErrUnauthorized)
	}
	if c := p.reuseLocked(cls, req, start); c != nil {
		res := ConnectResult{ConnectionID: c.id, Pool: cls, Pooled: true, Severity: c.severity}
		p.mu.Unlock()
		return p.finishConnect(res, req.SessionID, start), nil
	}
	if !p.makeRoomLocked(cls) {
		p.mu.Unlock()
		slog.Warn("Pool.Connect: pool at capacity", "pool", cls, "capacity", p.classes[cls].capacity)
		return ConnectResult{}, fmt.Errorf("%w: %s pool", models.ErrCapacityExceeded, cls)
	}
	c := &connection{
		id:         util.GenerateConnectionID(),
		class:      cls,
		severity:   req.Severity,
		state:      StateNew,
		createdAt:  start,
		lastActive: start,
		queue:      newMessageQueue(p.cfg.QueueSize),
	}
	p.conns[c.id] = c
	p.classes[cls].members[c.id] = struct{}{}
	p.mu.Unlock()

	if p.cfg.Opener != nil {
		if err := p.cfg.Opener.Open(ctx, c.id); err != nil {
			p.mu.Lock()
			p.removeLocked(c)
			p.mu.Unlock()
			return ConnectResult{}, fmt.Errorf("open connection: %w", err)
		}
	}

	p.mu.Lock()
	if c.state != StateNew {
		p.mu.Unlock()
		return ConnectResult{}, fmt.Errorf("%w: connection %s removed while opening", models.ErrNotFound, c.id)
	}
	c.state = StateAlive
	p.bindLocked(c, req.SessionID)
	p.mu.Unlock()
	return p.finishConnect(ConnectResult{ConnectionID: c.id, Pool: cls, Severity: c.severity}, req.SessionID, start), nil
}

func (p *Pool) finishConnect(res ConnectResult, sessionID string, start time.Time) ConnectResult {
	res.Latency = p.now().Sub(start)
	p.cfg.Metrics.Connect(res.Pool, res.Pooled, res.Latency)
	if p.cfg.ConnectTarget > 0 && res.Latency > p.cfg.ConnectTarget {
		slog.Warn("Pool.Connect: connection slower than target", "connID", res.ConnectionID, "latency", res.Latency,
			"target", p.cfg.ConnectTarget)
		if p.cfg.Alerter != nil {
			p.cfg.Alerter.CreateAlert(models.AlertPerformance, models.AlertMedium,
				fmt.Sprintf("connection establishment took %s (target %s)", res.Latency, p.cfg.ConnectTarget), sessionID)
		}
	}
	slog.Debug("Pool.Connect: connection ready", "connID", res.ConnectionID, "sessionID", sessionID, "pool", res.Pool, "pooled", res.Pooled)
	return res
}

// reuseLocked takes the first eligible idle connection and rebinds it. Severity is raised to
// the request's when higher and never lowered.
func (p *Pool) reuseLocked(cls string, req ConnectRequest, now time.Time) *connection {
	pc := p.classes[cls]
	for _, id := range pc.idle {
		c := p.conns[id]
		if c == nil || !p.reusable(c, req.Severity, now) {
			continue
		}
		pc.removeIdle(id)
		if req.Severity > c.severity {
			c.severity = req.Severity
		}
		c.state = StateAlive
		c.lastActive = now
		p.bindLocked(c, req.SessionID)
		return c
	}
	return nil
}

func (p *Pool) reusable(c *connection, severity int, now time.Time) bool {
	return c.state == StateAlive &&
		now.Sub(c.lastActive) < p.cfg.IdleCeiling &&
		c.avgLatency() <= p.cfg.LatencyTarget &&
		c.severity <= severity
}

// makeRoomLocked reports whether the class can take another connection, removing an idle
// connection that is no longer reusable for anyone if that is what it takes.
func (p *Pool) makeRoomLocked(cls string) bool {
	pc := p.classes[cls]
	if len(pc.members) < pc.capacity {
		return true
	}
	now := p.now()
	for _, id := range pc.idle {
		c := p.conns[id]
		if c != nil && !p.reusable(c, 10, now) {
			p.removeLocked(c)
			return true
		}
	}
	return false
}

func (p *Pool) bindLocked(c *connection, sessionID string) {
	c.sessionID = sessionID
	set, ok := p.bySession[sessionID]
	if !ok {
		set = make(map[string]struct{})
		p.bySession[sessionID] = set
	}
	set[c.id] = struct{}{}
}

func (p *Pool) unbindLocked(c *connection) {
	if set, ok := p.bySession[c.sessionID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(p.bySession, c.sessionID)
		}
	}
	c.sessionID = ""
}

func (p *Pool) removeLocked(c *connection) {
	if c.sessionID != "" {
		p.unbindLocked(c)
	}
	if pc, ok := p.classes[c.class]; ok {
		delete(pc.members, c.id)
		pc.removeIdle(c.id)
	}
	delete(p.conns, c.id)
	c.state = StateRemoved
	c.queue.drain()
}

// Release returns a connection to its class's idle set. Queued messages for the old session
// are dropped; severity is kept.
func (p *Pool) Release(connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[connID]
	if !ok {
		return fmt.Errorf("%w: connection %s", models.ErrNotFound, connID)
	}
	p.releaseLocked(c)
	return nil
}

func (p *Pool) releaseLocked(c *connection) {
	if c.sessionID == "" {
		return
	}
	p.unbindLocked(c)
	// The old socket must be gone before the connection can be reused.
	if p.cfg.Detacher != nil {
		p.cfg.Detacher.Detach(c.id)
	}
	if dropped := c.queue.drain(); len(dropped) > 0 {
		slog.Debug("Pool.Release: dropped queued messages", "connID", c.id, "count", len(dropped))
	}
	c.lastActive = p.now()
	p.classes[c.class].idle = append(p.classes[c.class].idle, c.id)
}

// ReleaseSession releases every connection bound to the session and revokes its tokens.
func (p *Pool) ReleaseSession(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id := range p.bySession[sessionID] {
		if c, ok := p.conns[id]; ok {
			p.releaseLocked(c)
			n++
		}
	}
	for tok, sid := range p.tokens {
		if sid == sessionID {
			delete(p.tokens, tok)
		}
	}
	if n > 0 {
		slog.Info("Pool.ReleaseSession: connections returned to pool", "sessionID", sessionID, "count", n)
	}
	return n
}

// Touch records inbound activity, reviving a stale connection.
func (p *Pool) Touch(connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[connID]
	if !ok {
		return fmt.Errorf("%w: connection %s", models.ErrNotFound, connID)
	}
	c.lastActive = p.now()
	if c.state == StateStale {
		c.state = StateAlive
		c.staleSince = time.Time{}
	}
	return nil
}

// Heartbeat marks bound connections stale when they have been silent for two heartbeat
// intervals or the transport reports them unreachable. It returns the number marked.
func (p *Pool) Heartbeat() int {
	p.mu.Lock()
	var candidates []*connection
	for _, c := range p.conns {
		if c.state == StateAlive && c.sessionID != "" {
			candidates = append(candidates, c)
		}
	}
	p.mu.Unlock()

	var unreachable map[string]bool
	if p.cfg.Transport != nil {
		unreachable = make(map[string]bool)
		for _, c := range candidates {
			if !p.cfg.Transport.Alive(c.id) {
				unreachable[c.id] = true
			}
		}
	}

	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	marked := 0
	for _, c := range candidates {
		if c.state != StateAlive || c.sessionID == "" {
			continue
		}
		if now.Sub(c.lastActive) > 2*p.cfg.HeartbeatInterval || unreachable[c.id] {
			c.state = StateStale
			c.staleSince = now
			marked++
		}
	}
	if marked > 0 {
		slog.Debug("Pool.Heartbeat: connections marked stale", "count", marked)
	}
	p.reportLocked()
	return marked
}

// Cleanup removes connections stale for longer than the cleanup interval and idle
// connections past the idle ceiling. It returns the removed connection ids.
func (p *Pool) Cleanup() []string {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []string
	for _, c := range p.conns {
		stale := c.state == StateStale && now.Sub(c.staleSince) > p.cfg.CleanupInterval
		expired := c.sessionID == "" && now.Sub(c.lastActive) > p.cfg.IdleCeiling
		if stale || expired {
			removed = append(removed, c.id)
			p.removeLocked(c)
		}
	}
	if len(removed) > 0 {
		slog.Info("Pool.Cleanup: connections removed", "count", len(removed))
	}
	p.reportLocked()
	return removed
}

// OptimizePool evicts connections averaging more than twice the latency target, then
// rescores each class from the remaining average latency. It returns the evicted ids.
func (p *Pool) OptimizePool() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	limit := 2 * p.cfg.LatencyTarget
	var evicted []string
	for _, pc := range p.classes {
		var sum time.Duration
		sampled := 0
		for id := range pc.members {
			c := p.conns[id]
			avg := c.avgLatency()
			if len(c.latencies) > 0 && avg > limit {
				evicted = append(evicted, id)
				p.removeLocked(c)
				continue
			}
			if len(c.latencies) > 0 {
				sum += avg
				sampled++
			}
		}
		pc.score = 100
		if sampled > 0 && p.cfg.LatencyTarget > 0 {
			ratio := float64(sum/time.Duration(sampled)) / float64(p.cfg.LatencyTarget)
			if ratio > 1 {
				pc.score = 100 / ratio
			}
		}
	}
	if len(evicted) > 0 {
		slog.Info("Pool.OptimizePool: slow connections evicted", "count", len(evicted))
	}
	p.reportLocked()
	return evicted
}

// Stats returns per-class sizes and scores, critical first.
func (p *Pool) Stats() []PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() []PoolStats {
	out := make([]PoolStats, 0, len(p.classes))
	for _, name := range []string{PoolCritical, PoolNormal} {
		pc := p.classes[name]
		st := PoolStats{Name: name, Capacity: pc.capacity, Size: len(pc.members), Idle: len(pc.idle), Score: pc.score}
		for id := range pc.members {
			switch p.conns[id].state {
			case StateAlive:
				st.Live++
			case StateStale:
				st.Stale++
			}
		}
		out = append(out, st)
	}
	return out
}

func (p *Pool) reportLocked() {
	if p.cfg.Metrics == nil {
		return
	}
	for _, st := range p.statsLocked() {
		p.cfg.Metrics.SetPoolConnections(st.Name, st.Live, st.Stale, st.Idle)
	}
}

// Connection returns a view of one connection.
func (p *Pool) Connection(connID string) (ConnectionInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[connID]
	if !ok {
		return ConnectionInfo{}, false
	}
	return infoOf(c), true
}

func infoOf(c *connection) ConnectionInfo {
	return ConnectionInfo{
		ID:           c.id,
		SessionID:    c.sessionID,
		Pool:         c.class,
		Severity:     c.severity,
		State:        c.state,
		Idle:         c.sessionID == "",
		LastActivity: c.lastActive,
		AvgLatency:   c.avgLatency(),
		Queued:       c.queue.size(),
	}
}

// liveConnections lists the alive connections bound to the session.
func (p *Pool) liveConnections(sessionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for id := range p.bySession[sessionID] {
		if c := p.conns[id]; c != nil && c.state == StateAlive {
			out = append(out, id)
		}
	}
	return out
}

// recordDelivery folds a delivery latency sample back into the connection.
func (p *Pool) recordDelivery(connID string, d time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, found := p.conns[connID]
	if !found {
		return
	}
	c.recordLatency(d)
	if ok {
		c.lastActive = p.now()
	}
}

func (p *Pool) enqueue(connID string, m Message) (*Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[connID]
	if !ok || c.sessionID != m.SessionID {
		return nil, fmt.Errorf("%w: connection %s", models.ErrNotFound, connID)
	}
	return c.queue.push(m)
}

// drainQueues takes every queued message, grouped by connection, in delivery order.
// requeue returns undelivered messages to connID's queue. It hands back the messages it
// could not keep: those whose session no longer owns the connection and those that overflow.
func (p *Pool) requeue(connID string, msgs []Message) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[connID]
	if !ok {
		return msgs
	}
	var keep, lost []Message
	for _, m := range msgs {
		if c.sessionID != "" && m.SessionID == c.sessionID {
			keep = append(keep, m)
		} else {
			lost = append(lost, m)
		}
	}
	return append(lost, c.queue.restore(keep)...)
}

func (p *Pool) drainQueues() map[string][]Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]Message)
	for id, c := range p.conns {
		if c.queue.size() == 0 || c.state != StateAlive {
			continue
		}
		out[id] = c.queue.drain()
	}
	return out
}
