// Package escalation computes escalation levels from risk signals and executes the
// notification protocol for each level.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CrisisRelay/internal/metrics"
	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/notify"
	"github.com/BTreeMap/CrisisRelay/internal/risk"
)

// Recorder logs executed escalations. The escalation monitor implements it.
type Recorder interface {
	LogEscalation(ctx context.Context, sessionID string, result models.EscalationResult, trigger string, geo *models.Geolocation) (models.AuditEntry, error)
}

// Opts holds configuration options for the Engine.
type Opts struct {
	Targets  map[models.EscalationLevel]time.Duration
	Contacts Contacts
	Recorder Recorder
	Metrics  *metrics.Collector
	Clock    func() time.Time
	// MaxParallel caps concurrent notification dispatches per escalation.
	MaxParallel int
}

// Option configures the Engine.
type Option func(*Opts)

// WithTargets overrides the per-level response-time targets.
func WithTargets(t map[models.EscalationLevel]time.Duration) Option {
	return func(o *Opts) { o.Targets = t }
}

// WithContacts sets who gets notified.
func WithContacts(c Contacts) Option {
	return func(o *Opts) { o.Contacts = c }
}

// WithRecorder sets where executed escalations are logged.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithClock replaces time.Now for response-time measurement.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Engine executes escalation protocols.
type Engine struct {
	dispatcher notify.Dispatcher
	targets    map[models.EscalationLevel]time.Duration
	contacts   Contacts
	recorder   Recorder
	metrics    *metrics.Collector
	keywords   *risk.KeywordAssessor
	now        func() time.Time
	parallel   int
}

// NewEngine creates an Engine that sends notifications through dispatcher.
func NewEngine(dispatcher notify.Dispatcher, opts ...Option) *Engine {
	cfg := Opts{Targets: DefaultTargets, MaxParallel: 8}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	return &Engine{
		dispatcher: dispatcher,
		targets:    cfg.Targets,
		contacts:   cfg.Contacts,
		recorder:   cfg.Recorder,
		metrics:    cfg.Metrics,
		keywords:   risk.NewKeywordAssessor(),
		now:        cfg.Clock,
		parallel:   cfg.MaxParallel,
	}
}

// Protocol returns the protocol the engine runs for level.
func (e *Engine) Protocol(level models.EscalationLevel) Protocol {
	return ProtocolFor(level, e.targets)
}

// TriggerEscalation executes the protocol for level and returns the result. Notification
// failures are recorded in the result's actions and never returned as errors.
func (e *Engine) TriggerEscalation(ctx context.Context, sessionID string, level models.EscalationLevel, reason string, geo *models.Geolocation) (models.EscalationResult, error) {
	if sessionID == "" {
		return models.EscalationResult{}, fmt.Errorf("%w: session id required", models.ErrInvalidInput)
	}
	if !level.IsValid() {
		return models.EscalationResult{}, fmt.Errorf("%w: escalation level %d", models.ErrInvalidInput, level)
	}

	start := e.now()
	p := e.Protocol(level)
	routing := RoutingFor(geo)
	result := models.EscalationResult{
		ID:                    uuid.NewString(),
		SessionID:             sessionID,
		Level:                 level,
		Reason:                reason,
		Timestamp:             start,
		EstimatedResponseTime: p.Target,
		GeographicRouting:     routing,
		NextSteps:             nextSteps(p, routing),
	}
	slog.Info("Engine.TriggerEscalation: executing protocol", "escalationID", result.ID, "sessionID", sessionID, "level", int(level), "reason", reason)

	recipients := p.recipients(e.contacts)
	errs := make([]error, len(recipients))
	// The result is dispatched as it stands before delivery outcomes are known.
	snapshot := result.Clone()
	g := new(errgroup.Group)
	g.SetLimit(e.parallel)
	for i, r := range recipients {
		g.Go(func() error {
			errs[i] = e.dispatch(ctx, r, snapshot)
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range recipients {
		ok := errs[i] == nil
		e.metrics.Notification(r.kind, ok)
		if !ok {
			result.Actions = append(result.Actions, fmt.Sprintf("notification_failed:%s:%s: %v", r.kind, r.address, errs[i]))
			continue
		}
		result.Actions = append(result.Actions, actionFor(r.kind, r.address))
		switch r.kind {
		case KindVolunteer:
			result.VolunteerAssigned = true
		case KindHotline:
			result.HotlineContacted = true
		case KindEmergency:
			result.EmergencyServicesContacted = true
		}
	}

	result.ResponseTime = e.now().Sub(start)
	result.TargetMet = result.ResponseTime <= p.Target
	slog.Debug("Engine.TriggerEscalation: protocol executed", "escalationID", result.ID, "actions", len(result.Actions),
		"responseTime", result.ResponseTime, "targetMet", result.TargetMet)
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, r recipient, result models.EscalationResult) (err error) {
	if e.dispatcher == nil {
		return fmt.Errorf("%w: no dispatcher configured", models.ErrNotificationFailure)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: dispatcher panic: %v", models.ErrNotificationFailure, rec)
		}
	}()
	if err := e.dispatcher.Dispatch(ctx, r.address, result); err != nil {
		slog.Warn("Engine.dispatch: notification failed", "escalationID", result.ID, "kind", r.kind, "error", err)
		return err
	}
	return nil
}

// Escalate triggers the escalation for req and logs it with the recorder. A recorder failure
// is logged; the escalation itself has already happened and is still returned.
func (e *Engine) Escalate(ctx context.Context, req models.EscalationRequest) (models.EscalationResult, error) {
	result, err := e.TriggerEscalation(ctx, req.SessionID, req.Level, req.Reason, req.Geolocation)
	if err != nil {
		return result, err
	}
	outcome := ""
	if e.recorder != nil {
		entry, err := e.recorder.LogEscalation(ctx, req.SessionID, result, req.Reason, req.Geolocation)
		if err != nil {
			slog.Error("Engine.Escalate: failed to record escalation", "escalationID", result.ID, "error", err)
		}
		outcome = string(entry.Outcome)
	}
	e.metrics.Escalation(int(result.Level), outcome, result.ResponseTime)
	return result, nil
}

// EvaluateEscalationNeed scores signals on the 0-10 scale and escalates at CRITICAL for
// risk 8 and above or HIGH for 6 and above. Lower risk returns nil.
func (e *Engine) EvaluateEscalationNeed(ctx context.Context, signals models.RiskSignals) (*models.EscalationResult, error) {
	score := risk.EvaluateSignals(signals)
	level, ok := risk.EscalationLevelFor(score)
	slog.Debug("Engine.EvaluateEscalationNeed: evaluated", "sessionID", signals.SessionID, "risk", score, "escalate", ok)
	if !ok {
		return nil, nil
	}
	reason := signals.Reason
	if reason == "" {
		reason = models.ReasonRiskEvaluation
	}
	result, err := e.Escalate(ctx, models.EscalationRequest{
		SessionID:   signals.SessionID,
		Level:       level,
		Reason:      reason,
		Geolocation: signals.Geolocation,
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AssessSeverity is the keyword fallback classifier.
func (e *Engine) AssessSeverity(text string) models.SeverityAssessment {
	return e.keywords.AssessSeverity(text)
}
