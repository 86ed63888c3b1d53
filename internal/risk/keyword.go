package risk

import (
	"context"
	"regexp"
	"strings"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// Risk factor categories, used as the prefix of every reported factor ("self_harm:kill myself").
const (
	CategorySelfHarm  = "self_harm"
	CategoryViolence  = "violence"
	CategorySubstance = "substance"
	CategoryMedical   = "medical"
	CategoryIsolation = "isolation"
	CategoryDistress  = "distress"
)

type pattern struct {
	re       *regexp.Regexp
	category string
}

type tier struct {
	floor    int
	patterns []pattern
}

func p(expr, category string) pattern {
	return pattern{re: regexp.MustCompile(`(?i)` + expr), category: category}
}

// Tiers are checked from most to least severe; each match raises the level to at least the tier floor.
var tiers = []tier{
	{floor: 9, patterns: []pattern{
		p(`\bkill(ing)? my ?self\b`, CategorySelfHarm),
		p(`\bsuicid(e|al)\b`, CategorySelfHarm),
		p(`\bend(ing)? (my life|it all)\b`, CategorySelfHarm),
		p(`\bwant(s|ed)? to die\b`, CategorySelfHarm),
		p(`\boverdos(e|ed|ing)\b`, CategorySubstance),
		p(`\btook (all )?(the|my) pills\b`, CategoryMedical),
		p(`\bnot breathing\b`, CategoryMedical),
		p(`\b(kill|shoot|stab)(ing)? (him|her|them|someone|somebody|everyone)\b`, CategoryViolence),
	}},
	{floor: 7, patterns: []pattern{
		p(`\b(hurt|harm)(ing)? my ?self\b`, CategorySelfHarm),
		p(`\bself[- ]?harm`, CategorySelfHarm),
		p(`\bcutting\b`, CategorySelfHarm),
		p(`\bno reason to live\b`, CategorySelfHarm),
		p(`\bbetter off without me\b`, CategorySelfHarm),
		p(`\bhopeless\b`, CategoryDistress),
		p(`\bcan'?t go on\b`, CategoryDistress),
		p(`\bhurt(ing)? (someone|somebody|them|him|her)\b`, CategoryViolence),
		p(`\b(drunk|wasted|high on)\b`, CategorySubstance),
		p(`\bbleeding\b`, CategoryMedical),
	}},
	{floor: 4, patterns: []pattern{
		p(`\bdepress(ed|ion)\b`, CategoryDistress),
		p(`\banxi(ous|ety)\b`, CategoryDistress),
		p(`\bpanic`, CategoryDistress),
		p(`\bworthless\b`, CategoryDistress),
		p(`\bcan'?t sleep\b`, CategoryDistress),
		p(`\b(alone|lonely)\b`, CategoryIsolation),
		p(`\bnobody cares\b`, CategoryIsolation),
		p(`\bno one to talk to\b`, CategoryIsolation),
	}},
}

// KeywordAssessor is the last-resort keyword classifier. It favors recall over precision.
type KeywordAssessor struct{}

// NewKeywordAssessor creates the keyword fallback assessor.
func NewKeywordAssessor() *KeywordAssessor {
	return &KeywordAssessor{}
}

var _ Assessor = (*KeywordAssessor)(nil)

// AssessSeverity returns a 0-10 level, a confidence in [0,1] and every matched risk factor.
func (k *KeywordAssessor) AssessSeverity(text string) models.SeverityAssessment {
	level := 0
	factors := []string{}
	for _, t := range tiers {
		for _, pt := range t.patterns {
			m := pt.re.FindString(text)
			if m == "" {
				continue
			}
			factors = append(factors, pt.category+":"+strings.ToLower(m))
			if t.floor > level {
				level = t.floor
			}
		}
	}

	confidence := 0.3
	if len(factors) > 0 {
		confidence = 0.5 + 0.1*float64(len(factors))
		if confidence > 0.95 {
			confidence = 0.95
		}
	}
	return models.SeverityAssessment{Level: level, Confidence: confidence, RiskFactors: factors}
}

// Assess adapts AssessSeverity to the Assessor contract. It never fails.
func (k *KeywordAssessor) Assess(_ context.Context, text, _ string) (models.RiskAssessment, error) {
	sev := k.AssessSeverity(text)
	score := sev.Level * 10
	return models.RiskAssessment{
		RiskScore:       score,
		Detected:        len(sev.RiskFactors) > 0,
		ConfidenceLevel: int(sev.Confidence * 100),
		Level:           LevelForScore(score),
		RiskFactors:     sev.RiskFactors,
		Source:          "keyword",
	}, nil
}
