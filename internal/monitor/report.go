package monitor

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// Health labels, worst first.
const (
	HealthCritical  = "CRITICAL"
	HealthWarning   = "WARNING"
	HealthGood      = "GOOD"
	HealthExcellent = "EXCELLENT"
)

// Metrics summarises a set of audit entries.
type Metrics struct {
	TotalEscalations       int                                      `json:"total_escalations"`
	ByLevel                map[models.EscalationLevel]int           `json:"by_level"`
	AverageResponseTime    time.Duration                            `json:"average_response_time"`
	AverageResponseByLevel map[models.EscalationLevel]time.Duration `json:"average_response_by_level"`
	SuccessRate            float64                                  `json:"success_rate"`
	VolunteerRate          float64                                  `json:"volunteer_assignment_rate"`
	HotlineRate            float64                                  `json:"hotline_contact_rate"`
	EmergencyRate          float64                                  `json:"emergency_contact_rate"`
	ByRegion               map[string]int                           `json:"by_region"`
	ByHour                 [24]int                                  `json:"by_hour"`
}

// tally accumulates entries so rolling metrics stay O(1) per log.
type tally struct {
	total, successes            int
	byLevel                     map[models.EscalationLevel]int
	responseSum                 time.Duration
	responseByLevel             map[models.EscalationLevel]time.Duration
	volunteers                  int
	hotlineDue, hotlineMade     int
	emergencyDue, emergencyMade int
	byRegion                    map[string]int
	byHour                      [24]int
}

func newTally() *tally {
	return &tally{
		byLevel:         make(map[models.EscalationLevel]int),
		responseByLevel: make(map[models.EscalationLevel]time.Duration),
		byRegion:        make(map[string]int),
	}
}

func (t *tally) add(e models.AuditEntry) {
	t.total++
	if e.Outcome == models.OutcomeSuccess {
		t.successes++
	}
	t.byLevel[e.Level]++
	t.responseSum += e.ResponseTime
	t.responseByLevel[e.Level] += e.ResponseTime
	if e.VolunteerAssigned {
		t.volunteers++
	}
	if e.Level >= models.LevelHigh {
		t.hotlineDue++
		if e.HotlineContacted {
			t.hotlineMade++
		}
	}
	if e.Level == models.LevelCritical {
		t.emergencyDue++
		if e.EmergencyServicesContacted {
			t.emergencyMade++
		}
	}
	region := e.Geolocation.RoutingKey()
	if region == "" {
		region = "unknown"
	}
	t.byRegion[region]++
	t.byHour[e.Timestamp.UTC().Hour()]++
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 1
	}
	return float64(n) / float64(d)
}

func (t *tally) snapshot() Metrics {
	m := Metrics{
		TotalEscalations:       t.total,
		ByLevel:                make(map[models.EscalationLevel]int, len(t.byLevel)),
		AverageResponseByLevel: make(map[models.EscalationLevel]time.Duration, len(t.responseByLevel)),
		SuccessRate:            ratio(t.successes, t.total),
		VolunteerRate:          ratio(t.volunteers, t.total),
		HotlineRate:            ratio(t.hotlineMade, t.hotlineDue),
		EmergencyRate:          ratio(t.emergencyMade, t.emergencyDue),
		ByRegion:               make(map[string]int, len(t.byRegion)),
		ByHour:                 t.byHour,
	}
	if t.total > 0 {
		m.AverageResponseTime = t.responseSum / time.Duration(t.total)
	}
	for l, n := range t.byLevel {
		m.ByLevel[l] = n
		m.AverageResponseByLevel[l] = t.responseByLevel[l] / time.Duration(n)
	}
	for k, v := range t.byRegion {
		m.ByRegion[k] = v
	}
	return m
}

// Report is the performance report for a timeframe.
type Report struct {
	Timeframe          models.Timeframe `json:"timeframe"`
	GeneratedAt        time.Time        `json:"generated_at"`
	Metrics            Metrics          `json:"metrics"`
	Health             string           `json:"health"`
	UnresolvedCritical int              `json:"unresolved_critical_alerts"`
	UnresolvedHigh     int              `json:"unresolved_high_alerts"`
	Recommendations    []string         `json:"recommendations"`
}

// HealthFor derives the overall health label.
func HealthFor(successRate float64, unresolvedCritical, unresolvedHigh int) string {
	switch {
	case unresolvedCritical > 0:
		return HealthCritical
	case successRate < 0.90 || unresolvedHigh > 3:
		return HealthWarning
	case successRate < 0.95 || unresolvedHigh > 1:
		return HealthGood
	default:
		return HealthExcellent
	}
}

// GetPerformanceReport recomputes metrics over the audit entries inside tf.
func (m *Monitor) GetPerformanceReport(tf models.Timeframe) Report {
	m.mu.Lock()
	t := newTally()
	for _, e := range m.entries {
		if tf.Contains(e.Timestamp) {
			t.add(e)
		}
	}
	var crit, high int
	for _, a := range m.alerts {
		if a.Resolved {
			continue
		}
		switch a.Severity {
		case models.AlertCritical:
			crit++
		case models.AlertHigh:
			high++
		}
	}
	m.mu.Unlock()

	metrics := t.snapshot()
	r := Report{
		Timeframe:          tf,
		GeneratedAt:        m.now(),
		Metrics:            metrics,
		Health:             HealthFor(metrics.SuccessRate, crit, high),
		UnresolvedCritical: crit,
		UnresolvedHigh:     high,
	}
	r.Recommendations = m.recommendations(metrics, crit)
	return r
}

func (m *Monitor) recommendations(metrics Metrics, unresolvedCritical int) []string {
	var recs []string
	if metrics.SuccessRate < m.threshold {
		recs = append(recs, fmt.Sprintf("Scale volunteer capacity: success rate %.1f%% is below the %.1f%% target",
			metrics.SuccessRate*100, m.threshold*100))
	}
	levels := make([]models.EscalationLevel, 0, len(metrics.AverageResponseByLevel))
	for l := range metrics.AverageResponseByLevel {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] > levels[j] })
	for _, l := range levels {
		target := m.targets[l]
		if avg := metrics.AverageResponseByLevel[l]; target > 0 && avg > target {
			recs = append(recs, fmt.Sprintf("Reduce level %d response time: average %s exceeds target %s", l, avg, target))
		}
	}
	if metrics.HotlineRate < 1 {
		recs = append(recs, "Review crisis hotline integration: not every level 4+ escalation reached the hotline")
	}
	if metrics.EmergencyRate < 1 {
		recs = append(recs, "Verify the emergency services contact path: a level 5 escalation did not reach it")
	}
	if metrics.VolunteerRate < 1 {
		recs = append(recs, "Expand the volunteer on-call roster")
	}
	if unresolvedCritical > 0 {
		recs = append(recs, fmt.Sprintf("Resolve %d unresolved critical alert(s)", unresolvedCritical))
	}
	if len(recs) == 0 {
		recs = append(recs, "Escalation handling is within targets")
	}
	return recs
}

// LogHealth writes a one-line health summary for the trailing window. It runs on a schedule.
func (m *Monitor) LogHealth(window time.Duration) {
	r := m.GetPerformanceReport(models.Since(m.now(), window))
	slog.Info("Monitor.LogHealth: escalation health",
		"health", r.Health,
		"escalations", r.Metrics.TotalEscalations,
		"successRate", r.Metrics.SuccessRate,
		"avgResponse", r.Metrics.AverageResponseTime,
		"unresolvedCritical", r.UnresolvedCritical,
		"unresolvedHigh", r.UnresolvedHigh)
}
