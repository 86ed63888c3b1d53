package risk

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

func TestAssessSeverityTiers(t *testing.T) {
	k := NewKeywordAssessor()
	tests := []struct {
		name     string
		text     string
		minLevel int
		maxLevel int
		factors  bool
	}{
		{name: "critical phrase", text: "I am going to kill myself tonight", minLevel: 9, maxLevel: 9, factors: true},
		{name: "high phrase", text: "I keep cutting and feel hopeless", minLevel: 7, maxLevel: 7, factors: true},
		{name: "medium phrase", text: "I've been so anxious and lonely", minLevel: 4, maxLevel: 4, factors: true},
		{name: "mixed tiers keep highest floor", text: "lonely and I want to die", minLevel: 9, maxLevel: 9, factors: true},
		{name: "case insensitive", text: "SUICIDAL thoughts again", minLevel: 9, maxLevel: 9, factors: true},
		{name: "benign", text: "thanks, that helped a lot", minLevel: 0, maxLevel: 0, factors: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := k.AssessSeverity(tt.text)
			if got.Level < tt.minLevel || got.Level > tt.maxLevel {
				t.Errorf("level = %d, want in [%d,%d]", got.Level, tt.minLevel, tt.maxLevel)
			}
			if (len(got.RiskFactors) > 0) != tt.factors {
				t.Errorf("risk factors = %v, want non-empty=%v", got.RiskFactors, tt.factors)
			}
			if got.Confidence <= 0 || got.Confidence > 0.95 {
				t.Errorf("confidence %v out of range", got.Confidence)
			}
		})
	}
}

func TestAssessSeverityKillMyselfTonight(t *testing.T) {
	got := NewKeywordAssessor().AssessSeverity("kill myself tonight")
	if got.Level < 5 {
		t.Errorf("level = %d, want >= 5", got.Level)
	}
	if len(got.RiskFactors) == 0 || !strings.HasPrefix(got.RiskFactors[0], CategorySelfHarm+":") {
		t.Errorf("expected a self_harm factor, got %v", got.RiskFactors)
	}
}

func TestKeywordAssessMapsToContract(t *testing.T) {
	a, err := NewKeywordAssessor().Assess(context.Background(), "I want to end my life", "en")
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if a.Level != models.RiskCritical || a.RiskScore != 90 || !a.Detected {
		t.Errorf("unexpected assessment %+v", a)
	}
	if a.Source != "keyword" {
		t.Errorf("source = %q, want keyword", a.Source)
	}
}

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score int
		want  models.RiskLevel
	}{
		{0, models.RiskLow}, {39, models.RiskLow}, {40, models.RiskMedium},
		{64, models.RiskMedium}, {65, models.RiskHigh}, {84, models.RiskHigh},
		{85, models.RiskCritical}, {100, models.RiskCritical},
	}
	for _, tt := range tests {
		if got := LevelForScore(tt.score); got != tt.want {
			t.Errorf("LevelForScore(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

type failingAssessor struct{ calls int }

func (f *failingAssessor) Assess(context.Context, string, string) (models.RiskAssessment, error) {
	f.calls++
	return models.RiskAssessment{}, errors.New("model unavailable")
}

type fixedAssessor struct{ a models.RiskAssessment }

func (f fixedAssessor) Assess(context.Context, string, string) (models.RiskAssessment, error) {
	return f.a, nil
}

func TestWithFallback(t *testing.T) {
	primary := &failingAssessor{}
	a := WithFallback(primary, NewKeywordAssessor())
	got, err := a.Assess(context.Background(), "I feel hopeless", "en")
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("primary calls = %d, want 1", primary.calls)
	}
	if got.Level != models.RiskHigh || got.Source != "keyword" {
		t.Errorf("expected keyword high assessment, got %+v", got)
	}

	ok := WithFallback(fixedAssessor{models.RiskAssessment{RiskScore: 130, ConfidenceLevel: 80}}, NewKeywordAssessor())
	got, _ = ok.Assess(context.Background(), "anything", "en")
	if got.RiskScore != 100 || got.Level != models.RiskCritical {
		t.Errorf("primary result should be normalized, got %+v", got)
	}

	if WithFallback(nil, NewKeywordAssessor()) == nil {
		t.Error("nil primary should yield the fallback")
	}
}

func TestEvaluateSignals(t *testing.T) {
	tests := []struct {
		name      string
		signals   models.RiskSignals
		wantRisk  int
		wantLevel models.EscalationLevel
		wantOK    bool
	}{
		{name: "base only", signals: models.RiskSignals{BaseSeverity: 4}, wantRisk: 4},
		{name: "high tier", signals: models.RiskSignals{BaseSeverity: 4, ViolenceRisk: true}, wantRisk: 6, wantLevel: models.LevelHigh, wantOK: true},
		{name: "critical tier", signals: models.RiskSignals{BaseSeverity: 4, SelfHarmIntent: true, Isolation: true}, wantRisk: 8, wantLevel: models.LevelCritical, wantOK: true},
		{name: "clamped", signals: models.RiskSignals{BaseSeverity: 8, SelfHarmIntent: true, MedicalEmergency: true, SubstanceInvolvement: true}, wantRisk: 10, wantLevel: models.LevelCritical, wantOK: true},
		{name: "just below", signals: models.RiskSignals{BaseSeverity: 4, SubstanceInvolvement: true}, wantRisk: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			risk := EvaluateSignals(tt.signals)
			if risk != tt.wantRisk {
				t.Errorf("risk = %d, want %d", risk, tt.wantRisk)
			}
			level, ok := EscalationLevelFor(risk)
			if ok != tt.wantOK || level != tt.wantLevel {
				t.Errorf("EscalationLevelFor(%d) = %v,%v want %v,%v", risk, level, ok, tt.wantLevel, tt.wantOK)
			}
		})
	}
}
