package models

// RiskLevel is the discrete classification of a single message's risk.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// IsElevated reports whether the level contributes a risk flag to its session.
func (l RiskLevel) IsElevated() bool {
	return l == RiskHigh || l == RiskCritical
}

// Severity maps a risk level onto the session severity scale.
func (l RiskLevel) Severity() Severity {
	switch l {
	case RiskCritical:
		return SeverityCritical
	case RiskHigh:
		return SeverityHigh
	case RiskMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// RiskAssessment is the RiskAssessor contract: score and confidence are 0-100.
type RiskAssessment struct {
	RiskScore       int       `json:"risk_score"`
	Detected        bool      `json:"detected"`
	ConfidenceLevel int       `json:"confidence_level"`
	Level           RiskLevel `json:"level"`
	RiskFactors     []string  `json:"risk_factors,omitempty"`
	Source          string    `json:"source,omitempty"`
}

// SeverityAssessment is the keyword classifier's 0-10 reading of a text.
type SeverityAssessment struct {
	Level       int      `json:"level"`
	Confidence  float64  `json:"confidence"`
	RiskFactors []string `json:"risk_factors"`
}

// RiskSignals feeds the escalation engine's need evaluation.
type RiskSignals struct {
	SessionID            string       `json:"session_id"`
	BaseSeverity         int          `json:"base_severity"`
	SelfHarmIntent       bool         `json:"self_harm_intent"`
	ViolenceRisk         bool         `json:"violence_risk"`
	SubstanceInvolvement bool         `json:"substance_involvement"`
	MedicalEmergency     bool         `json:"medical_emergency"`
	Isolation            bool         `json:"isolation"`
	Reason               string       `json:"reason,omitempty"`
	Geolocation          *Geolocation `json:"geolocation,omitempty"`
}
