// Package risk defines the RiskAssessor contract and the assessors that satisfy it.
package risk

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// Assessor scores a single message. Scores and confidence are 0-100.
type Assessor interface {
	Assess(ctx context.Context, text, language string) (models.RiskAssessment, error)
}

// Score thresholds for the discrete risk levels.
const (
	CriticalScore = 85
	HighScore     = 65
	MediumScore   = 40
)

// LevelForScore converts a 0-100 score to a discrete risk level.
func LevelForScore(score int) models.RiskLevel {
	switch {
	case score >= CriticalScore:
		return models.RiskCritical
	case score >= HighScore:
		return models.RiskHigh
	case score >= MediumScore:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// Normalize clamps score and confidence into range and fills Level from the score when unset.
func Normalize(a models.RiskAssessment) models.RiskAssessment {
	a.RiskScore = clamp(a.RiskScore, 0, 100)
	a.ConfidenceLevel = clamp(a.ConfidenceLevel, 0, 100)
	if a.Level == "" {
		a.Level = LevelForScore(a.RiskScore)
	}
	return a
}

type fallbackAssessor struct {
	primary  Assessor
	fallback Assessor
}

// WithFallback returns an Assessor that uses primary and falls back when it is nil or fails.
func WithFallback(primary, fallback Assessor) Assessor {
	if primary == nil {
		return fallback
	}
	return &fallbackAssessor{primary: primary, fallback: fallback}
}

func (f *fallbackAssessor) Assess(ctx context.Context, text, language string) (models.RiskAssessment, error) {
	a, err := f.primary.Assess(ctx, text, language)
	if err == nil {
		return Normalize(a), nil
	}
	slog.Warn("fallbackAssessor.Assess: primary assessor failed, using fallback", "error", err, "textLength", len(text))
	return f.fallback.Assess(ctx, text, language)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
