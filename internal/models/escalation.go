package models

import (
	"fmt"
	"slices"
	"time"
)

// EscalationLevel ranks the urgency of the human response required, 1 (lowest) to 5.
type EscalationLevel int

const (
	LevelLow      EscalationLevel = 1
	LevelModerate EscalationLevel = 2
	LevelElevated EscalationLevel = 3
	LevelHigh     EscalationLevel = 4
	LevelCritical EscalationLevel = 5
)

// IsValid reports whether l is within 1..5.
func (l EscalationLevel) IsValid() bool {
	return l >= LevelLow && l <= LevelCritical
}

func (l EscalationLevel) String() string {
	switch l {
	case LevelLow:
		return "LOW"
	case LevelModerate:
		return "MODERATE"
	case LevelElevated:
		return "ELEVATED"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL_%d", int(l))
	}
}

// Escalation trigger reasons raised by the session manager.
const (
	ReasonSessionCreation         = "session_creation"
	ReasonCriticalMessage         = "critical_message"
	ReasonAutoEscalationThreshold = "auto_escalation_threshold"
	ReasonManual                  = "manual_escalation"
	ReasonRiskEvaluation          = "risk_evaluation"
)

// EscalationResult is the immutable record of one executed escalation protocol.
type EscalationResult struct {
	ID                         string          `json:"id"`
	SessionID                  string          `json:"session_id"`
	Level                      EscalationLevel `json:"level"`
	Reason                     string          `json:"reason"`
	Timestamp                  time.Time       `json:"timestamp"`
	ResponseTime               time.Duration   `json:"response_time"`
	EstimatedResponseTime      time.Duration   `json:"estimated_response_time"`
	TargetMet                  bool            `json:"target_met"`
	Actions                    []string        `json:"actions"`
	VolunteerAssigned          bool            `json:"volunteer_assigned"`
	HotlineContacted           bool            `json:"hotline_contacted"`
	EmergencyServicesContacted bool            `json:"emergency_services_contacted"`
	GeographicRouting          string          `json:"geographic_routing"`
	NextSteps                  []string        `json:"next_steps"`
}

// Clone returns a copy that shares no slices with r.
func (r EscalationResult) Clone() EscalationResult {
	r.Actions = slices.Clone(r.Actions)
	r.NextSteps = slices.Clone(r.NextSteps)
	return r
}

// EscalationRequest is what the session manager hands the escalation engine.
type EscalationRequest struct {
	SessionID   string          `json:"session_id"`
	Level       EscalationLevel `json:"level"`
	Reason      string          `json:"reason"`
	RequestedBy string          `json:"requested_by,omitempty"`
	Geolocation *Geolocation    `json:"geolocation,omitempty"`
}

// Outcome is the audit verdict on an escalation.
type Outcome string

const (
	OutcomeSuccess        Outcome = "SUCCESS"
	OutcomePartialSuccess Outcome = "PARTIAL_SUCCESS"
	OutcomeFailure        Outcome = "FAILURE"
)

// AuditEntry is the append-only compliance record of one escalation.
type AuditEntry struct {
	ID                         string          `json:"id"`
	SessionID                  string          `json:"session_id"`
	EscalationID               string          `json:"escalation_id"`
	Trigger                    string          `json:"trigger"`
	Level                      EscalationLevel `json:"level"`
	Reason                     string          `json:"reason"`
	Timestamp                  time.Time       `json:"timestamp"`
	ResponseTime               time.Duration   `json:"response_time"`
	EstimatedResponseTime      time.Duration   `json:"estimated_response_time"`
	TargetMet                  bool            `json:"target_met"`
	Actions                    []string        `json:"actions"`
	VolunteerAssigned          bool            `json:"volunteer_assigned"`
	HotlineContacted           bool            `json:"hotline_contacted"`
	EmergencyServicesContacted bool            `json:"emergency_services_contacted"`
	GeographicRouting          string          `json:"geographic_routing"`
	Geolocation                *Geolocation    `json:"geolocation,omitempty"`
	NextSteps                  []string        `json:"next_steps"`
	Outcome                    Outcome         `json:"outcome"`
	LoggedAt                   time.Time       `json:"logged_at"`
}

// AlertType groups system alerts by the concern they report on.
type AlertType string

const (
	AlertPerformance  AlertType = "PERFORMANCE"
	AlertAvailability AlertType = "AVAILABILITY"
	AlertError        AlertType = "ERROR"
	AlertThreshold    AlertType = "THRESHOLD"
	AlertSecurity     AlertType = "SECURITY"
)

// AlertSeverity ranks how badly an alert degrades system health.
type AlertSeverity string

const (
	AlertLow      AlertSeverity = "LOW"
	AlertMedium   AlertSeverity = "MEDIUM"
	AlertHigh     AlertSeverity = "HIGH"
	AlertCritical AlertSeverity = "CRITICAL"
)

// SystemAlert is raised when a threshold check fails and stays until an operator resolves it.
type SystemAlert struct {
	ID              string        `json:"id"`
	Type            AlertType     `json:"type"`
	Severity        AlertSeverity `json:"severity"`
	Message         string        `json:"message"`
	SessionID       string        `json:"session_id,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	Resolved        bool          `json:"resolved"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	ResolutionNotes string        `json:"resolution_notes,omitempty"`
}

// Timeframe bounds a query window. A zero bound is open.
type Timeframe struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls inside the window (From inclusive, To exclusive).
func (tf Timeframe) Contains(t time.Time) bool {
	if !tf.From.IsZero() && t.Before(tf.From) {
		return false
	}
	if !tf.To.IsZero() && !t.Before(tf.To) {
		return false
	}
	return true
}

// Since builds a window covering the last d before now.
func Since(now time.Time, d time.Duration) Timeframe {
	if d <= 0 {
		return Timeframe{}
	}
	return Timeframe{From: now.Add(-d)}
}
