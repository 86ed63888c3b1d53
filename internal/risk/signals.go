package risk

import "github.com/BTreeMap/CrisisRelay/internal/models"

// Additive weights for risk indicators on the 0-10 scale.
const (
	WeightSelfHarm  = 3
	WeightViolence  = 2
	WeightSubstance = 1
	WeightMedical   = 3
	WeightIsolation = 1
)

// EvaluateSignals computes the 0-10 risk from base severity plus indicator weights.
func EvaluateSignals(s models.RiskSignals) int {
	total := s.BaseSeverity
	if s.SelfHarmIntent {
		total += WeightSelfHarm
	}
	if s.ViolenceRisk {
		total += WeightViolence
	}
	if s.SubstanceInvolvement {
		total += WeightSubstance
	}
	if s.MedicalEmergency {
		total += WeightMedical
	}
	if s.Isolation {
		total += WeightIsolation
	}
	return clamp(total, 0, 10)
}

// EscalationLevelFor maps a 0-10 risk to an escalation level. Risk below 6 is left to the
// session's own auto-escalation counter and reports false.
func EscalationLevelFor(risk int) (models.EscalationLevel, bool) {
	switch {
	case risk >= 8:
		return models.LevelCritical, true
	case risk >= 6:
		return models.LevelHigh, true
	default:
		return 0, false
	}
}
