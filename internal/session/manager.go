// Package session owns the crisis session state machine: participants, message counting,
// risk-flag accumulation and the decision to escalate.
//
// State for one session is serialized by that session's mutex; different sessions never
// contend on a shared lock except for map lookups. Risk assessment and escalation dispatch
// run outside the session lock.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/events"
	"github.com/BTreeMap/CrisisRelay/internal/metrics"
	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/risk"
	"github.com/BTreeMap/CrisisRelay/internal/store"
	"github.com/BTreeMap/CrisisRelay/internal/util"
)

// SystemActor identifies operations started by the service itself rather than a participant.
const SystemActor = "system"

// Risk flags appended to sessions.
const (
	FlagHighRisk         = "high_risk_detected"
	FlagCriticalRisk     = "critical_risk_detected"
	FlagEmergencyPrefix  = "emergency_escalated:"
	EndReasonAllLeft     = "all_participants_left"
	EndReasonMaxDuration = "max_duration_exceeded"
	EndReasonIdle        = "idle_timeout"
)

const defaultAssessLanguage = "en"

// Escalator runs the escalation protocol. escalation.Engine implements it.
type Escalator interface {
	Escalate(ctx context.Context, req models.EscalationRequest) (models.EscalationResult, error)
}

// Opts holds configuration options for the Manager.
type Opts struct {
	MaxConcurrent           int
	AutoEscalationThreshold int
	MaxDuration             time.Duration
	IdleTimeout             time.Duration
	EndedGrace              time.Duration
	OriginSalt              string
	Assessor                risk.Assessor
	Escalator               Escalator
	Repo                    store.SessionRepo
	Bus                     *events.Bus
	Metrics                 *metrics.Collector
	Clock                   func() time.Time
}

// Option configures the Manager.
type Option func(*Opts)

// WithLimits sets the concurrency ceiling and the auto-escalation threshold.
func WithLimits(maxConcurrent, autoEscalationThreshold int) Option {
	return func(o *Opts) {
		o.MaxConcurrent = maxConcurrent
		o.AutoEscalationThreshold = autoEscalationThreshold
	}
}

// WithRetention sets the cleanup sweep windows.
func WithRetention(maxDuration, idleTimeout, endedGrace time.Duration) Option {
	return func(o *Opts) {
		o.MaxDuration = maxDuration
		o.IdleTimeout = idleTimeout
		o.EndedGrace = endedGrace
	}
}

// WithOriginSalt sets the salt used to hash origin addresses.
func WithOriginSalt(salt string) Option {
	return func(o *Opts) { o.OriginSalt = salt }
}

// WithAssessor sets the risk assessor. The keyword assessor is used when none is set.
func WithAssessor(a risk.Assessor) Option {
	return func(o *Opts) { o.Assessor = a }
}

// WithEscalator sets the escalation engine.
func WithEscalator(e Escalator) Option {
	return func(o *Opts) { o.Escalator = e }
}

// WithRepo persists session snapshots.
func WithRepo(r store.SessionRepo) Option {
	return func(o *Opts) { o.Repo = r }
}

// WithBus publishes lifecycle events.
func WithBus(b *events.Bus) Option {
	return func(o *Opts) { o.Bus = b }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

type tracked struct {
	mu      sync.Mutex
	session models.CrisisSession
}

// Manager tracks crisis sessions.
type Manager struct {
	cfg       Opts
	assessor  risk.Assessor
	escalator Escalator
	repo      store.SessionRepo
	bus       *events.Bus
	metrics   *metrics.Collector
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*tracked
	open     atomic.Int64
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	cfg := Opts{
		MaxConcurrent:           500,
		AutoEscalationThreshold: 3,
		MaxDuration:             4 * time.Hour,
		IdleTimeout:             30 * time.Minute,
		EndedGrace:              5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Assessor == nil {
		cfg.Assessor = risk.NewKeywordAssessor()
	}
	if cfg.AutoEscalationThreshold <= 0 {
		cfg.AutoEscalationThreshold = 3
	}
	return &Manager{
		cfg:       cfg,
		assessor:  cfg.Assessor,
		escalator: cfg.Escalator,
		repo:      cfg.Repo,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		now:       cfg.Clock,
		sessions:  make(map[string]*tracked),
	}
}

// Restore reloads persisted sessions. Call once at startup before serving traffic.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.repo == nil {
		return 0, nil
	}
	saved, err := m.repo.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range saved {
		if _, ok := m.sessions[s.ID]; ok {
			continue
		}
		m.sessions[s.ID] = &tracked{session: s}
		if s.Status != models.StatusEnded {
			m.open.Add(1)
		}
	}
	m.metrics.SetActiveSessions(int(m.open.Load()))
	slog.Info("Manager.Restore: sessions restored", "count", len(saved), "open", m.open.Load())
	return len(saved), nil
}

// CreateSession opens a session with initiatorID as its crisis seeker. An empty initiatorID
// is replaced by a generated one. Emergency sessions are escalated before returning.
func (m *Manager) CreateSession(ctx context.Context, initiatorID string, sessionType models.SessionType, meta models.SessionRequestMetadata) (models.CrisisSession, error) {
	if sessionType == "" {
		sessionType = models.SessionTypeAnonymous
	}
	if !sessionType.IsValid() {
		return models.CrisisSession{}, fmt.Errorf("%w: session type %q", models.ErrInvalidInput, sessionType)
	}
	if initiatorID == "" {
		initiatorID = util.GenerateParticipantID()
	}

	now := m.now()
	s := models.CrisisSession{
		ID:       util.GenerateSessionID(),
		Type:     sessionType,
		Status:   models.StatusActive,
		Severity: models.SeverityLow,
		Participants: []models.Participant{{
			ID:           initiatorID,
			Role:         models.RoleCrisisSeeker,
			Anonymous:    sessionType != models.SessionTypeAuthenticated,
			Encrypted:    true,
			JoinedAt:     now,
			LastActivity: now,
			Permissions:  models.PermissionsForRole(models.RoleCrisisSeeker),
		}},
		RiskFlags:    []string{},
		StartedAt:    now,
		LastActivity: now,
		Metadata: models.SessionMetadata{
			OriginHash:        util.HashOrigin(m.cfg.OriginSalt, meta.OriginAddress),
			DeviceFingerprint: meta.DeviceFingerprint,
			Geolocation:       meta.Geolocation,
			ReferralSource:    meta.ReferralSource,
		},
	}

	t := &tracked{session: s}
	m.mu.Lock()
	if int(m.open.Load()) >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		slog.Warn("Manager.CreateSession: capacity reached", "max", m.cfg.MaxConcurrent)
		return models.CrisisSession{}, fmt.Errorf("%w: %d active sessions", models.ErrCapacityExceeded, m.cfg.MaxConcurrent)
	}
	m.sessions[s.ID] = t
	open := m.open.Add(1)
	m.mu.Unlock()

	t.mu.Lock()
	m.persistLocked(t)
	snap := t.session.Clone()
	t.mu.Unlock()

	m.metrics.SessionCreated(string(sessionType))
	m.metrics.SetActiveSessions(int(open))
	slog.Info("Manager.CreateSession: session created", "sessionID", s.ID, "type", sessionType, "open", open)
	m.bus.Publish(events.Event{Kind: events.SessionCreated, SessionID: s.ID, ParticipantID: initiatorID, Session: &snap})

	if sessionType.IsEmergency() {
		if _, err := m.EscalateToEmergency(ctx, s.ID, models.ReasonSessionCreation, SystemActor); err != nil {
			slog.Error("Manager.CreateSession: emergency escalation failed", "sessionID", s.ID, "error", err)
		}
		t.mu.Lock()
		snap = t.session.Clone()
		t.mu.Unlock()
	}
	return snap, nil
}

// AddParticipant binds participantID to the session with role. Adding a participant that is
// already present returns true without changing anything.
func (m *Manager) AddParticipant(ctx context.Context, sessionID, participantID string, role models.Role) (bool, error) {
	if participantID == "" || !role.IsSessionRole() {
		return false, fmt.Errorf("%w: participant %q role %q", models.ErrInvalidInput, participantID, role)
	}
	t, err := m.lookup(sessionID)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	s := &t.session
	if s.Status == models.StatusEnded {
		t.mu.Unlock()
		return false, models.ErrSessionEnded
	}
	if _, ok := s.Participant(participantID); ok {
		t.mu.Unlock()
		return true, nil
	}
	if role == models.RoleCrisisSeeker && s.HasRole(models.RoleCrisisSeeker) {
		t.mu.Unlock()
		return false, models.ErrSeekerExists
	}
	now := m.now()
	s.Participants = append(s.Participants, models.Participant{
		ID:           participantID,
		Role:         role,
		Encrypted:    true,
		JoinedAt:     now,
		LastActivity: now,
		Permissions:  models.PermissionsForRole(role),
	})
	s.LastActivity = now
	m.persistLocked(t)
	snap := s.Clone()
	t.mu.Unlock()

	slog.Debug("Manager.AddParticipant: participant joined", "sessionID", sessionID, "participantID", participantID, "role", role)
	m.bus.Publish(events.Event{Kind: events.ParticipantJoined, SessionID: sessionID, ParticipantID: participantID, Session: &snap})
	return true, nil
}

// RemoveParticipant drops a participant. When the last participant leaves, the session ends.
func (m *Manager) RemoveParticipant(ctx context.Context, sessionID, participantID string) error {
	t, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	s := &t.session
	if s.Status == models.StatusEnded {
		t.mu.Unlock()
		return models.ErrSessionEnded
	}
	idx := -1
	for i, p := range s.Participants {
		if p.ID == participantID {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: participant %s", models.ErrNotFound, participantID)
	}
	s.Participants = append(s.Participants[:idx], s.Participants[idx+1:]...)
	s.LastActivity = m.now()
	ended := false
	if len(s.Participants) == 0 {
		m.endLocked(t, EndReasonAllLeft)
		ended = true
	}
	m.persistLocked(t)
	snap := s.Clone()
	t.mu.Unlock()

	m.bus.Publish(events.Event{Kind: events.ParticipantLeft, SessionID: sessionID, ParticipantID: participantID, Session: &snap})
	if ended {
		m.afterEnd(snap, EndReasonAllLeft)
	}
	return nil
}

// ProcessMessage records an inbound message, assesses its risk and escalates when needed.
func (m *Manager) ProcessMessage(ctx context.Context, sessionID, senderID, content string, msgType models.MessageType) (models.MessageOutcome, error) {
	t, err := m.lookup(sessionID)
	if err != nil {
		return models.MessageOutcome{}, err
	}

	// Phase 1: membership and counters.
	t.mu.Lock()
	s := &t.session
	if s.Status == models.StatusEnded {
		t.mu.Unlock()
		return models.MessageOutcome{}, models.ErrSessionEnded
	}
	sender, ok := s.Participant(senderID)
	if !ok {
		t.mu.Unlock()
		return models.MessageOutcome{}, fmt.Errorf("%w: %s is not a participant", models.ErrUnauthorized, senderID)
	}
	if !sender.Can(models.PermSendMessage) {
		t.mu.Unlock()
		return models.MessageOutcome{}, fmt.Errorf("%w: %s cannot send messages", models.ErrForbidden, senderID)
	}
	now := m.now()
	sender.LastActivity = now
	s.LastActivity = now
	s.MessageCount++
	t.mu.Unlock()

	outcome := models.MessageOutcome{SessionID: sessionID, RiskLevel: models.RiskLow}
	var assessment models.RiskAssessment
	if msgType != models.MessageTypeSystem && content != "" {
		assessment, err = m.assessor.Assess(ctx, content, defaultAssessLanguage)
		if err != nil {
			slog.Warn("Manager.ProcessMessage: risk assessment failed", "sessionID", sessionID, "error", err)
			assessment = models.RiskAssessment{}
		}
		assessment = risk.Normalize(assessment)
		outcome.RiskLevel = assessment.Level
		outcome.RiskScore = assessment.RiskScore
	}

	// Phase 2: fold the assessment back in and decide on escalation atomically.
	t.mu.Lock()
	s = &t.session
	var req *models.EscalationRequest
	if s.Status != models.StatusEnded {
		req = m.applyRiskLocked(t, assessment)
	}
	m.persistLocked(t)
	outcome.Severity = s.Severity
	snap := s.Clone()
	t.mu.Unlock()

	m.metrics.MessageProcessed(string(outcome.RiskLevel))
	slog.Debug("Manager.ProcessMessage: message processed", "sessionID", sessionID, "senderID", senderID,
		"riskLevel", outcome.RiskLevel, "length", len(content))
	m.bus.Publish(events.Event{Kind: events.MessageProcessed, SessionID: sessionID, ParticipantID: senderID,
		RiskLevel: outcome.RiskLevel, Session: &snap})

	if req != nil {
		outcome.Escalated = true
		outcome.EscalationCause = req.Reason
		m.runEscalation(ctx, *req, snap)
	}
	return outcome, nil
}

// applyRiskLocked updates flags and severity and returns the escalation to run, if any.
func (m *Manager) applyRiskLocked(t *tracked, a models.RiskAssessment) *models.EscalationRequest {
	s := &t.session
	switch a.Level {
	case models.RiskCritical:
		s.RiskFlags = append(s.RiskFlags, FlagCriticalRisk)
	case models.RiskHigh:
		s.RiskFlags = append(s.RiskFlags, FlagHighRisk)
	}
	s.Severity = models.MaxSeverity(s.Severity, a.Level.Severity())

	if a.Level == models.RiskCritical {
		return m.escalateLocked(t, models.LevelCritical, models.ReasonCriticalMessage, SystemActor)
	}
	if a.Level.IsElevated() && s.Status != models.StatusEscalated && countElevated(s.RiskFlags) >= m.cfg.AutoEscalationThreshold {
		return m.escalateLocked(t, models.LevelHigh, models.ReasonAutoEscalationThreshold, SystemActor)
	}
	return nil
}

func countElevated(flags []string) int {
	n := 0
	for _, f := range flags {
		if f == FlagHighRisk || f == FlagCriticalRisk {
			n++
		}
	}
	return n
}

// EscalateToEmergency escalates the session to critical and runs the escalation protocol.
// escalatedBy is SystemActor, or a participant allowed to escalate. The returned result is
// nil when no escalation engine is configured.
func (m *Manager) EscalateToEmergency(ctx context.Context, sessionID, reason, escalatedBy string) (*models.EscalationResult, error) {
	if reason == "" {
		reason = models.ReasonManual
	}
	t, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	s := &t.session
	if s.Status == models.StatusEnded {
		t.mu.Unlock()
		return nil, models.ErrSessionEnded
	}
	if escalatedBy != "" && escalatedBy != SystemActor {
		p, ok := s.Participant(escalatedBy)
		if !ok {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is not a participant", models.ErrUnauthorized, escalatedBy)
		}
		if !p.Can(models.PermEscalate) && p.Role != models.RoleCrisisSeeker {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: %s cannot escalate", models.ErrForbidden, escalatedBy)
		}
	}
	req := m.escalateLocked(t, models.LevelCritical, reason, escalatedBy)
	m.persistLocked(t)
	snap := s.Clone()
	t.mu.Unlock()

	return m.runEscalation(ctx, *req, snap), nil
}

// escalateLocked applies escalation state. Repeated calls keep counting but add the
// emergency contact only once.
func (m *Manager) escalateLocked(t *tracked, level models.EscalationLevel, reason, by string) *models.EscalationRequest {
	s := &t.session
	now := m.now()
	s.Status = models.StatusEscalated
	s.Severity = models.SeverityCritical
	s.EmergencyEscalations++
	s.RiskFlags = append(s.RiskFlags, FlagEmergencyPrefix+reason)
	s.LastActivity = now
	if !s.HasRole(models.RoleEmergencyContact) {
		s.Participants = append(s.Participants, models.Participant{
			ID:           util.GenerateRandomID("ec_", 16),
			Role:         models.RoleEmergencyContact,
			Encrypted:    true,
			JoinedAt:     now,
			LastActivity: now,
			Permissions:  models.PermissionsForRole(models.RoleEmergencyContact),
		})
	}
	slog.Warn("Manager.escalate: session escalated", "sessionID", s.ID, "level", int(level), "reason", reason, "by", by,
		"escalations", s.EmergencyEscalations)
	return &models.EscalationRequest{
		SessionID:   s.ID,
		Level:       level,
		Reason:      reason,
		RequestedBy: by,
		Geolocation: s.Metadata.Geolocation,
	}
}

// runEscalation calls the engine outside any session lock. Failures are logged; the
// session stays escalated either way.
func (m *Manager) runEscalation(ctx context.Context, req models.EscalationRequest, snap models.CrisisSession) *models.EscalationResult {
	var result *models.EscalationResult
	if m.escalator != nil {
		r, err := m.escalator.Escalate(ctx, req)
		if err != nil {
			slog.Error("Manager.runEscalation: escalation engine failed", "sessionID", req.SessionID, "reason", req.Reason, "error", err)
		} else {
			result = &r
		}
	}
	m.bus.Publish(events.Event{Kind: events.SessionEscalated, SessionID: req.SessionID, Reason: req.Reason,
		Escalation: result, Session: &snap})
	return result
}

// ResolveEscalation is the explicit action that moves an escalated session to resolved.
// The caller must be an admin or a participant allowed to resolve escalations.
func (m *Manager) ResolveEscalation(ctx context.Context, sessionID, resolvedBy string, role models.Role, notes string) (models.CrisisSession, error) {
	t, err := m.lookup(sessionID)
	if err != nil {
		return models.CrisisSession{}, err
	}
	t.mu.Lock()
	s := &t.session
	if err := authorize(s, resolvedBy, role, models.PermResolveEscalation); err != nil {
		t.mu.Unlock()
		return models.CrisisSession{}, err
	}
	if s.Status != models.StatusEscalated {
		t.mu.Unlock()
		return models.CrisisSession{}, fmt.Errorf("%w: %s is %s", models.ErrInvalidTransition, sessionID, s.Status)
	}
	s.Status = models.StatusResolved
	s.LastActivity = m.now()
	m.persistLocked(t)
	snap := s.Clone()
	t.mu.Unlock()

	slog.Info("Manager.ResolveEscalation: escalation resolved", "sessionID", sessionID, "by", resolvedBy, "notesLength", len(notes))
	m.bus.Publish(events.Event{Kind: events.EscalationResolved, SessionID: sessionID, ParticipantID: resolvedBy, Reason: notes, Session: &snap})
	return snap, nil
}

// TransferSession hands the session to another responder.
func (m *Manager) TransferSession(ctx context.Context, sessionID, transferredBy, toResponderID string) (models.CrisisSession, error) {
	if toResponderID == "" {
		return models.CrisisSession{}, fmt.Errorf("%w: target responder required", models.ErrInvalidInput)
	}
	t, err := m.lookup(sessionID)
	if err != nil {
		return models.CrisisSession{}, err
	}
	t.mu.Lock()
	s := &t.session
	if err := authorize(s, transferredBy, "", models.PermTransferSession); err != nil {
		t.mu.Unlock()
		return models.CrisisSession{}, err
	}
	if !s.Status.CanTransition(models.StatusTransferred) {
		t.mu.Unlock()
		return models.CrisisSession{}, fmt.Errorf("%w: %s is %s", models.ErrInvalidTransition, sessionID, s.Status)
	}
	now := m.now()
	s.Status = models.StatusTransferred
	s.LastActivity = now
	if _, ok := s.Participant(toResponderID); !ok {
		s.Participants = append(s.Participants, models.Participant{
			ID:           toResponderID,
			Role:         models.RoleCrisisResponder,
			Encrypted:    true,
			JoinedAt:     now,
			LastActivity: now,
			Permissions:  models.PermissionsForRole(models.RoleCrisisResponder),
		})
	}
	m.persistLocked(t)
	snap := s.Clone()
	t.mu.Unlock()

	slog.Info("Manager.TransferSession: session transferred", "sessionID", sessionID, "by", transferredBy, "to", toResponderID)
	m.bus.Publish(events.Event{Kind: events.SessionTransferred, SessionID: sessionID, ParticipantID: toResponderID, Session: &snap})
	return snap, nil
}

// PreserveEvidence flags the session for indefinite retention.
func (m *Manager) PreserveEvidence(ctx context.Context, sessionID, requestedBy string, role models.Role) error {
	t, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := authorize(&t.session, requestedBy, role, models.PermPreserveEvidence); err != nil {
		return err
	}
	t.session.Metadata.PreserveEvidence = true
	m.persistLocked(t)
	slog.Info("Manager.PreserveEvidence: session flagged for retention", "sessionID", sessionID, "by", requestedBy)
	return nil
}

// EndSession closes the session. The caller needs the end_session permission.
func (m *Manager) EndSession(ctx context.Context, sessionID, endedBy, reason string) (models.CrisisSession, error) {
	t, err := m.lookup(sessionID)
	if err != nil {
		return models.CrisisSession{}, err
	}
	t.mu.Lock()
	s := &t.session
	if s.Status == models.StatusEnded {
		t.mu.Unlock()
		return models.CrisisSession{}, models.ErrSessionEnded
	}
	if endedBy != SystemActor {
		p, ok := s.Participant(endedBy)
		if !ok || !p.Can(models.PermEndSession) {
			t.mu.Unlock()
			return models.CrisisSession{}, fmt.Errorf("%w: %s cannot end session", models.ErrForbidden, endedBy)
		}
	}
	m.endLocked(t, reason)
	m.persistLocked(t)
	snap := s.Clone()
	t.mu.Unlock()

	m.afterEnd(snap, reason)
	return snap, nil
}

func (m *Manager) endLocked(t *tracked, reason string) {
	s := &t.session
	now := m.now()
	s.Status = models.StatusEnded
	s.EndedAt = &now
	s.Duration = now.Sub(s.StartedAt)
	s.EndReason = reason
	s.LastActivity = now
	m.open.Add(-1)
}

func (m *Manager) afterEnd(snap models.CrisisSession, reason string) {
	m.metrics.SessionEnded(reason)
	m.metrics.SetActiveSessions(int(m.open.Load()))
	slog.Info("Manager.EndSession: session ended", "sessionID", snap.ID, "reason", reason, "duration", snap.Duration)
	m.bus.Publish(events.Event{Kind: events.SessionEnded, SessionID: snap.ID, Reason: reason, Session: &snap})
}

// GetSession returns the session for a participant or an admin. Anyone else gets nil, nil,
// whether or not the session exists.
func (m *Manager) GetSession(sessionID, requesterID string, requesterRole models.Role) (*models.CrisisSession, error) {
	m.mu.RLock()
	t, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		if requesterRole == models.RoleAdmin {
			return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
		}
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if requesterRole != models.RoleAdmin {
		if _, member := t.session.Participant(requesterID); !member {
			return nil, nil
		}
	}
	snap := t.session.Clone()
	return &snap, nil
}

// IsParticipant reports whether participantID belongs to the session.
func (m *Manager) IsParticipant(sessionID, participantID string) bool {
	s, _ := m.GetSession(sessionID, participantID, "")
	return s != nil
}

// Summary counts tracked sessions by status and severity.
func (m *Manager) Summary() models.SessionsSummary {
	sum := models.SessionsSummary{
		ByStatus:   make(map[models.SessionStatus]int),
		BySeverity: make(map[models.Severity]int),
	}
	for _, t := range m.snapshotEntries() {
		t.mu.Lock()
		s := t.session
		sum.Total++
		if s.Status != models.StatusEnded {
			sum.Open++
		}
		sum.ByStatus[s.Status]++
		sum.BySeverity[s.Severity]++
		for _, p := range s.Participants {
			if p.Role != models.RoleCrisisSeeker {
				continue
			}
			if p.Anonymous {
				sum.Anonymous++
			}
			if p.Encrypted {
				sum.Encrypted++
			}
		}
		t.mu.Unlock()
	}
	return sum
}

// Sweep removes sessions past their retention window. Escalated sessions and sessions
// flagged for evidence preservation are never removed. It returns the number removed.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()
	var ended []models.CrisisSession
	var removed []string

	for _, t := range m.snapshotEntries() {
		t.mu.Lock()
		s := &t.session
		if s.Metadata.PreserveEvidence || s.Status == models.StatusEscalated {
			t.mu.Unlock()
			continue
		}
		reason := ""
		switch {
		case now.Sub(s.StartedAt) > m.cfg.MaxDuration:
			reason = EndReasonMaxDuration
		case s.Status == models.StatusEnded && now.Sub(s.LastActivity) > m.cfg.EndedGrace:
			reason = s.EndReason
		case s.Status != models.StatusEnded && now.Sub(s.LastActivity) > m.cfg.IdleTimeout:
			reason = EndReasonIdle
		default:
			t.mu.Unlock()
			continue
		}
		if s.Status != models.StatusEnded {
			m.endLocked(t, reason)
			ended = append(ended, s.Clone())
		}
		removed = append(removed, s.ID)
		t.mu.Unlock()
	}

	if len(removed) == 0 {
		return 0
	}
	m.mu.Lock()
	for _, id := range removed {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, snap := range ended {
		m.afterEnd(snap, snap.EndReason)
	}
	for _, id := range removed {
		if m.repo != nil {
			if err := m.repo.DeleteSession(id); err != nil {
				slog.Error("Manager.Sweep: delete snapshot failed", "sessionID", id, "error", err)
			}
		}
		m.bus.Publish(events.Event{Kind: events.SessionRemoved, SessionID: id})
	}
	slog.Info("Manager.Sweep: sessions removed", "count", len(removed), "ended", len(ended))
	return len(removed)
}

func (m *Manager) snapshotEntries() []*tracked {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*tracked, 0, len(m.sessions))
	for _, t := range m.sessions {
		out = append(out, t)
	}
	return out
}

func (m *Manager) lookup(sessionID string) (*tracked, error) {
	m.mu.RLock()
	t, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}
	return t, nil
}

// persistLocked writes the snapshot while the session lock is held so writes for one
// session land in order.
func (m *Manager) persistLocked(t *tracked) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SaveSession(t.session.Clone()); err != nil {
		slog.Error("Manager.persist: save session failed", "sessionID", t.session.ID, "error", err)
	}
}

func authorize(s *models.CrisisSession, actor string, role models.Role, perm models.Permission) error {
	if role == models.RoleAdmin || actor == SystemActor {
		return nil
	}
	p, ok := s.Participant(actor)
	if !ok {
		return fmt.Errorf("%w: %s is not a participant", models.ErrUnauthorized, actor)
	}
	if !p.Can(perm) {
		return fmt.Errorf("%w: %s lacks %s", models.ErrForbidden, actor, perm)
	}
	return nil
}
