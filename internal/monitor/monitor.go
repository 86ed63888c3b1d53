// Package monitor keeps the escalation audit trail, tracks rolling escalation metrics and
// raises system alerts when an escalation misses its targets.
//
// The in-memory audit list is authoritative. Entries are also written to a store.AuditRepo;
// an entry that fails to persist stays queued and is retried on the next write.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CrisisRelay/internal/metrics"
	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/store"
)

// DefaultSuccessRateThreshold is the success rate below which reports recommend scaling up.
const DefaultSuccessRateThreshold = 0.95

// Opts holds configuration options for the Monitor.
type Opts struct {
	Repo                 store.AuditRepo
	Metrics              *metrics.Collector
	Targets              map[models.EscalationLevel]time.Duration
	SuccessRateThreshold float64
	Clock                func() time.Time
}

// Option configures the Monitor.
type Option func(*Opts)

// WithRepo persists entries and alerts to repo.
func WithRepo(repo store.AuditRepo) Option {
	return func(o *Opts) { o.Repo = repo }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithTargets sets the per-level response-time targets used by threshold checks.
func WithTargets(t map[models.EscalationLevel]time.Duration) Option {
	return func(o *Opts) { o.Targets = t }
}

// WithSuccessRateThreshold sets the success rate reports compare against.
func WithSuccessRateThreshold(v float64) Option {
	return func(o *Opts) { o.SuccessRateThreshold = v }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Monitor records escalations and alerts. All mutation goes through LogEscalation,
// CreateAlert and ResolveAlert.
type Monitor struct {
	repo      store.AuditRepo
	collector *metrics.Collector
	targets   map[models.EscalationLevel]time.Duration
	threshold float64
	now       func() time.Time

	mu            sync.Mutex
	entries       []models.AuditEntry
	logged        map[string]struct{}
	rolling       *tally
	alerts        []models.SystemAlert
	alertIndex    map[string]int
	pending       []models.AuditEntry
	pendingAlerts map[string]struct{}
}

// New creates a Monitor.
func New(opts ...Option) *Monitor {
	cfg := Opts{SuccessRateThreshold: DefaultSuccessRateThreshold}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Targets == nil {
		cfg.Targets = map[models.EscalationLevel]time.Duration{}
	}
	return &Monitor{
		repo:          cfg.Repo,
		collector:     cfg.Metrics,
		targets:       cfg.Targets,
		threshold:     cfg.SuccessRateThreshold,
		now:           cfg.Clock,
		logged:        make(map[string]struct{}),
		rolling:       newTally(),
		alertIndex:    make(map[string]int),
		pendingAlerts: make(map[string]struct{}),
	}
}

// Load replaces in-memory state with what the repo holds. Call once at startup.
func (m *Monitor) Load(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	entries, err := m.repo.ListAuditEntries(models.Timeframe{})
	if err != nil {
		return fmt.Errorf("load audit entries: %w", err)
	}
	alerts, err := m.repo.ListAlerts()
	if err != nil {
		return fmt.Errorf("load alerts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.logged = make(map[string]struct{}, len(entries))
	m.rolling = newTally()
	for _, e := range entries {
		m.entries = append(m.entries, e)
		m.logged[e.EscalationID] = struct{}{}
		m.rolling.add(e)
	}
	m.alerts = alerts
	m.alertIndex = make(map[string]int, len(alerts))
	for i, a := range alerts {
		m.alertIndex[a.ID] = i
	}
	m.collector.SetUnresolvedAlerts(m.unresolvedLocked())
	slog.Info("Monitor.Load: restored audit state", "entries", len(entries), "alerts", len(alerts))
	return nil
}

// DetermineOutcome grades an escalation. A missed response-time target is always FAILURE;
// otherwise any expected contact that did not happen makes it PARTIAL_SUCCESS.
func DetermineOutcome(r models.EscalationResult) models.Outcome {
	if !r.TargetMet {
		return models.OutcomeFailure
	}
	if !r.VolunteerAssigned {
		return models.OutcomePartialSuccess
	}
	if r.Level >= models.LevelHigh && !r.HotlineContacted {
		return models.OutcomePartialSuccess
	}
	if r.Level == models.LevelCritical && !r.EmergencyServicesContacted {
		return models.OutcomePartialSuccess
	}
	return models.OutcomeSuccess
}

// LogEscalation appends the audit entry for result, updates rolling metrics and runs the
// threshold checks. Each escalation id can be logged once.
func (m *Monitor) LogEscalation(ctx context.Context, sessionID string, result models.EscalationResult, trigger string, geo *models.Geolocation) (models.AuditEntry, error) {
	if result.ID == "" {
		return models.AuditEntry{}, fmt.Errorf("%w: escalation id required", models.ErrInvalidInput)
	}
	if sessionID == "" {
		sessionID = result.SessionID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.logged[result.ID]; ok {
		return models.AuditEntry{}, fmt.Errorf("%w: %s", models.ErrAlreadyLogged, result.ID)
	}

	r := result.Clone()
	entry := models.AuditEntry{
		ID:                         uuid.NewString(),
		SessionID:                  sessionID,
		EscalationID:               r.ID,
		Trigger:                    trigger,
		Level:                      r.Level,
		Reason:                     r.Reason,
		Timestamp:                  r.Timestamp,
		ResponseTime:               r.ResponseTime,
		EstimatedResponseTime:      r.EstimatedResponseTime,
		TargetMet:                  r.TargetMet,
		Actions:                    r.Actions,
		VolunteerAssigned:          r.VolunteerAssigned,
		HotlineContacted:           r.HotlineContacted,
		EmergencyServicesContacted: r.EmergencyServicesContacted,
		GeographicRouting:          r.GeographicRouting,
		Geolocation:                cloneGeo(geo),
		NextSteps:                  r.NextSteps,
		Outcome:                    DetermineOutcome(r),
		LoggedAt:                   m.now(),
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = entry.LoggedAt
	}

	m.entries = append(m.entries, entry)
	m.logged[entry.EscalationID] = struct{}{}
	m.rolling.add(entry)
	m.pending = append(m.pending, entry)

	m.checkThresholdsLocked(entry)
	m.flushLocked()

	slog.Info("Monitor.LogEscalation: escalation logged", "escalationID", entry.EscalationID, "sessionID", sessionID,
		"level", int(entry.Level), "outcome", entry.Outcome, "responseTime", entry.ResponseTime)
	return cloneEntry(entry), nil
}

func (m *Monitor) checkThresholdsLocked(e models.AuditEntry) {
	critical := e.Level >= models.LevelHigh
	sev := models.AlertHigh
	if critical {
		sev = models.AlertCritical
	}

	target := m.targets[e.Level]
	if target <= 0 {
		target = e.EstimatedResponseTime
	}
	exceeded := !e.TargetMet
	if target > 0 {
		exceeded = e.ResponseTime > target
	}
	if exceeded {
		m.createAlertLocked(models.AlertPerformance, sev,
			fmt.Sprintf("Level %d escalation %s took %s, target %s", e.Level, e.EscalationID, e.ResponseTime, target), e.SessionID)
	}
	if e.Outcome == models.OutcomeFailure {
		m.createAlertLocked(models.AlertError, sev,
			fmt.Sprintf("Level %d escalation %s failed", e.Level, e.EscalationID), e.SessionID)
	}
	if e.Level >= models.LevelHigh && !e.HotlineContacted {
		m.createAlertLocked(models.AlertAvailability, models.AlertCritical,
			fmt.Sprintf("Crisis hotline not contacted for level %d escalation %s", e.Level, e.EscalationID), e.SessionID)
	}
	if e.Level == models.LevelCritical && !e.EmergencyServicesContacted {
		m.createAlertLocked(models.AlertAvailability, models.AlertCritical,
			fmt.Sprintf("Emergency services not contacted for level 5 escalation %s", e.EscalationID), e.SessionID)
	}
}

// CreateAlert raises an alert outside the escalation path, e.g. for pool or router budget overruns.
func (m *Monitor) CreateAlert(t models.AlertType, sev models.AlertSeverity, message, sessionID string) models.SystemAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.createAlertLocked(t, sev, message, sessionID)
	m.flushLocked()
	return a
}

func (m *Monitor) createAlertLocked(t models.AlertType, sev models.AlertSeverity, message, sessionID string) models.SystemAlert {
	a := models.SystemAlert{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  sev,
		Message:   message,
		SessionID: sessionID,
		Timestamp: m.now(),
	}
	m.alertIndex[a.ID] = len(m.alerts)
	m.alerts = append(m.alerts, a)
	m.pendingAlerts[a.ID] = struct{}{}
	m.collector.Alert(string(t), string(sev))
	m.collector.SetUnresolvedAlerts(m.unresolvedLocked())

	log := slog.Warn
	if sev == models.AlertCritical {
		log = slog.Error
	}
	log("Monitor.createAlert: alert raised", "alertID", a.ID, "type", t, "severity", sev, "sessionID", sessionID, "message", message)
	return a
}

// ResolveAlert marks an alert resolved. Resolving an already resolved alert is a no-op.
func (m *Monitor) ResolveAlert(id, notes string) (models.SystemAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.alertIndex[id]
	if !ok {
		return models.SystemAlert{}, fmt.Errorf("%w: alert %s", models.ErrNotFound, id)
	}
	a := &m.alerts[i]
	if !a.Resolved {
		now := m.now()
		a.Resolved = true
		a.ResolvedAt = &now
		a.ResolutionNotes = notes
		m.pendingAlerts[id] = struct{}{}
		m.flushLocked()
		m.collector.SetUnresolvedAlerts(m.unresolvedLocked())
		slog.Info("Monitor.ResolveAlert: alert resolved", "alertID", id)
	}
	return cloneAlert(*a), nil
}

// Alerts returns alerts in creation order.
func (m *Monitor) Alerts(unresolvedOnly bool) []models.SystemAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SystemAlert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if unresolvedOnly && a.Resolved {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	return out
}

// GetAuditTrail returns the entries inside tf in append order.
func (m *Monitor) GetAuditTrail(tf models.Timeframe) []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.auditLocked(tf)
}

func (m *Monitor) auditLocked(tf models.Timeframe) []models.AuditEntry {
	out := []models.AuditEntry{}
	for _, e := range m.entries {
		if tf.Contains(e.Timestamp) {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

// Metrics returns the rolling metrics over every logged escalation.
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rolling.snapshot()
}

// PendingWrites reports how many entries and alerts are waiting to be persisted.
func (m *Monitor) PendingWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) + len(m.pendingAlerts)
}

// Flush retries persisting queued entries and alerts.
func (m *Monitor) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
}

func (m *Monitor) flushLocked() {
	if m.repo == nil {
		m.pending = nil
		clear(m.pendingAlerts)
		return
	}
	kept := m.pending[:0]
	for _, e := range m.pending {
		if err := m.repo.SaveAuditEntry(e); err != nil {
			slog.Warn("Monitor.flush: audit entry not persisted, will retry", "escalationID", e.EscalationID, "error", err)
			kept = append(kept, e)
		}
	}
	m.pending = kept

	for id := range m.pendingAlerts {
		a := m.alerts[m.alertIndex[id]]
		if err := m.repo.SaveAlert(a); err != nil {
			slog.Warn("Monitor.flush: alert not persisted, will retry", "alertID", id, "error", err)
			continue
		}
		delete(m.pendingAlerts, id)
	}
}

func (m *Monitor) unresolvedLocked() int {
	n := 0
	for _, a := range m.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n
}

func cloneEntry(e models.AuditEntry) models.AuditEntry {
	e.Actions = slices.Clone(e.Actions)
	e.NextSteps = slices.Clone(e.NextSteps)
	e.Geolocation = cloneGeo(e.Geolocation)
	return e
}

func cloneAlert(a models.SystemAlert) models.SystemAlert {
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		a.ResolvedAt = &t
	}
	return a
}

func cloneGeo(g *models.Geolocation) *models.Geolocation {
	if g == nil {
		return nil
	}
	c := *g
	return &c
}
