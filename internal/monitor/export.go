package monitor

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var csvHeader = []string{
	"id", "session_id", "escalation_id", "trigger", "level", "reason", "timestamp",
	"response_time_ms", "estimated_response_time_ms", "target_met", "volunteer_assigned",
	"hotline_contacted", "emergency_services_contacted", "geographic_routing", "outcome",
	"actions", "next_steps", "logged_at",
}

// ExportAuditTrail serializes the audit entries inside tf in append order. It never
// modifies stored entries.
func (m *Monitor) ExportAuditTrail(format string, tf models.Timeframe) ([]byte, error) {
	entries := m.GetAuditTrail(tf)
	switch strings.ToLower(format) {
	case "", FormatJSON:
		return json.MarshalIndent(entries, "", "  ")
	case FormatCSV:
		return encodeCSV(entries)
	default:
		return nil, fmt.Errorf("%w: unsupported export format %q", models.ErrInvalidInput, format)
	}
}

func encodeCSV(entries []models.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		row := []string{
			e.ID, e.SessionID, e.EscalationID, e.Trigger, strconv.Itoa(int(e.Level)), e.Reason,
			e.Timestamp.Format(time.RFC3339Nano),
			strconv.FormatInt(e.ResponseTime.Milliseconds(), 10),
			strconv.FormatInt(e.EstimatedResponseTime.Milliseconds(), 10),
			strconv.FormatBool(e.TargetMet),
			strconv.FormatBool(e.VolunteerAssigned),
			strconv.FormatBool(e.HotlineContacted),
			strconv.FormatBool(e.EmergencyServicesContacted),
			e.GeographicRouting, string(e.Outcome),
			strings.Join(e.Actions, "|"), strings.Join(e.NextSteps, "|"),
			e.LoggedAt.Format(time.RFC3339Nano),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}
