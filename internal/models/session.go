package models

import (
	"slices"
	"time"
)

// SessionType classifies how a crisis session was opened.
type SessionType string

const (
	SessionTypeAnonymous     SessionType = "anonymous"
	SessionTypeAuthenticated SessionType = "authenticated"
	SessionTypeEmergency     SessionType = "emergency"
	// SessionTypeEmergencyEscalation is the legacy client spelling of SessionTypeEmergency.
	SessionTypeEmergencyEscalation SessionType = "emergency_escalation"
)

// IsEmergency reports whether the session must be escalated on creation.
func (t SessionType) IsEmergency() bool {
	return t == SessionTypeEmergency || t == SessionTypeEmergencyEscalation
}

// IsValid checks if the session type is supported.
func (t SessionType) IsValid() bool {
	switch t {
	case SessionTypeAnonymous, SessionTypeAuthenticated, SessionTypeEmergency, SessionTypeEmergencyEscalation:
		return true
	default:
		return false
	}
}

// SessionStatus is the lifecycle state of a crisis session.
type SessionStatus string

const (
	StatusActive      SessionStatus = "active"
	StatusEscalated   SessionStatus = "escalated"
	StatusResolved    SessionStatus = "resolved"
	StatusTransferred SessionStatus = "transferred"
	StatusEnded       SessionStatus = "ended"
)

// allowedTransitions lists the statuses reachable from each status. Escalation is sticky:
// nothing leads from escalated back to active.
var allowedTransitions = map[SessionStatus][]SessionStatus{
	StatusActive:      {StatusEscalated, StatusTransferred, StatusEnded},
	StatusEscalated:   {StatusEscalated, StatusResolved, StatusTransferred, StatusEnded},
	StatusResolved:    {StatusEscalated, StatusTransferred, StatusEnded},
	StatusTransferred: {StatusEscalated, StatusResolved, StatusEnded},
	StatusEnded:       {},
}

// CanTransition reports whether a session may move from s to next.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	return slices.Contains(allowedTransitions[s], next)
}

// Severity is the clinical urgency of a session. It only rises automatically.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so they can be compared.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// MaxSeverity returns the more urgent of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Role is a participant's function within a session.
type Role string

const (
	RoleCrisisSeeker     Role = "crisis_seeker"
	RoleCrisisResponder  Role = "crisis_responder"
	RoleSupervisor       Role = "supervisor"
	RoleEmergencyContact Role = "emergency_contact"
	// RoleAdmin is not a session role; it lets operators read any session.
	RoleAdmin Role = "admin"
)

// IsSessionRole reports whether r can be bound to a session participant.
func (r Role) IsSessionRole() bool {
	switch r {
	case RoleCrisisSeeker, RoleCrisisResponder, RoleSupervisor, RoleEmergencyContact:
		return true
	default:
		return false
	}
}

// IsResponder reports whether messages from r count as responder traffic.
func (r Role) IsResponder() bool {
	return r == RoleCrisisResponder || r == RoleSupervisor
}

// Permission is a single capability granted to a participant.
type Permission string

const (
	PermSendMessage        Permission = "send_message"
	PermViewMessages       Permission = "view_messages"
	PermEscalate           Permission = "escalate"
	PermRequestSupervisor  Permission = "request_supervisor"
	PermEndSession         Permission = "end_session"
	PermTransferSession    Permission = "transfer_session"
	PermResolveEscalation  Permission = "resolve_escalation"
	PermViewAll            Permission = "view_all"
	PermContactAuthorities Permission = "contact_authorities"
	PermPreserveEvidence   Permission = "preserve_evidence"
)

// PermissionsForRole returns the permission set granted when a participant joins with role r.
func PermissionsForRole(r Role) []Permission {
	switch r {
	case RoleCrisisSeeker:
		return []Permission{PermSendMessage, PermViewMessages, PermRequestSupervisor}
	case RoleCrisisResponder:
		return []Permission{PermSendMessage, PermViewMessages, PermEscalate, PermRequestSupervisor}
	case RoleSupervisor:
		return []Permission{PermSendMessage, PermViewMessages, PermEscalate, PermRequestSupervisor,
			PermEndSession, PermTransferSession, PermResolveEscalation}
	case RoleEmergencyContact:
		return []Permission{PermViewAll, PermContactAuthorities, PermPreserveEvidence}
	default:
		return nil
	}
}

// Participant is a member of a crisis session.
type Participant struct {
	ID           string       `json:"id"`
	Role         Role         `json:"role"`
	Anonymous    bool         `json:"anonymous"`
	Encrypted    bool         `json:"encrypted"`
	JoinedAt     time.Time    `json:"joined_at"`
	LastActivity time.Time    `json:"last_activity"`
	Permissions  []Permission `json:"permissions"`
}

// Can reports whether the participant holds permission p.
func (p Participant) Can(perm Permission) bool {
	return slices.Contains(p.Permissions, perm)
}

// Geolocation is a coarse location used only for escalation routing.
type Geolocation struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
}

// RoutingKey returns the most specific known region, or "" when nothing is known.
func (g *Geolocation) RoutingKey() string {
	if g == nil {
		return ""
	}
	switch {
	case g.Country != "" && g.Region != "":
		return g.Country + "/" + g.Region
	case g.Country != "":
		return g.Country
	default:
		return g.Region
	}
}

// SessionMetadata carries non-identifying context captured at session start.
// OriginHash is a salted one-way hash; raw addresses are never stored.
type SessionMetadata struct {
	OriginHash        string       `json:"origin_hash,omitempty"`
	DeviceFingerprint string       `json:"device_fingerprint,omitempty"`
	Geolocation       *Geolocation `json:"geolocation,omitempty"`
	ReferralSource    string       `json:"referral_source,omitempty"`
	PreserveEvidence  bool         `json:"preserve_evidence"`
}

// SessionRequestMetadata is what a caller supplies when opening a session.
type SessionRequestMetadata struct {
	OriginAddress     string       `json:"origin_address,omitempty"`
	DeviceFingerprint string       `json:"device_fingerprint,omitempty"`
	Geolocation       *Geolocation `json:"geolocation,omitempty"`
	ReferralSource    string       `json:"referral_source,omitempty"`
}

// CrisisSession is the full state of one crisis conversation.
type CrisisSession struct {
	ID                   string          `json:"id"`
	Type                 SessionType     `json:"type"`
	Status               SessionStatus   `json:"status"`
	Severity             Severity        `json:"severity"`
	Participants         []Participant   `json:"participants"`
	MessageCount         int             `json:"message_count"`
	EmergencyEscalations int             `json:"emergency_escalations"`
	RiskFlags            []string        `json:"risk_flags"`
	StartedAt            time.Time       `json:"started_at"`
	EndedAt              *time.Time      `json:"ended_at,omitempty"`
	LastActivity         time.Time       `json:"last_activity"`
	Duration             time.Duration   `json:"duration,omitempty"`
	EndReason            string          `json:"end_reason,omitempty"`
	Metadata             SessionMetadata `json:"metadata"`
}

// Participant returns the participant with the given id.
func (s *CrisisSession) Participant(id string) (*Participant, bool) {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			return &s.Participants[i], true
		}
	}
	return nil, false
}

// HasRole reports whether any participant holds role r.
func (s *CrisisSession) HasRole(r Role) bool {
	for _, p := range s.Participants {
		if p.Role == r {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *CrisisSession) Clone() CrisisSession {
	c := *s
	c.Participants = make([]Participant, len(s.Participants))
	for i, p := range s.Participants {
		p.Permissions = slices.Clone(p.Permissions)
		c.Participants[i] = p
	}
	c.RiskFlags = slices.Clone(s.RiskFlags)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Metadata.Geolocation != nil {
		g := *s.Metadata.Geolocation
		c.Metadata.Geolocation = &g
	}
	return c
}

// MessageType distinguishes participant chat from system notices.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeSystem MessageType = "system"
)

// MessageOutcome reports what processing an inbound message did to its session.
type MessageOutcome struct {
	SessionID       string    `json:"session_id"`
	RiskLevel       RiskLevel `json:"risk_level"`
	RiskScore       int       `json:"risk_score"`
	Severity        Severity  `json:"severity"`
	Escalated       bool      `json:"escalated"`
	EscalationCause string    `json:"escalation_cause,omitempty"`
}

// SessionsSummary is the read-only projection of all tracked sessions.
type SessionsSummary struct {
	Total      int                   `json:"total"`
	Open       int                   `json:"open"`
	ByStatus   map[SessionStatus]int `json:"by_status"`
	BySeverity map[Severity]int      `json:"by_severity"`
	Anonymous  int                   `json:"anonymous"`
	Encrypted  int                   `json:"encrypted"`
}
