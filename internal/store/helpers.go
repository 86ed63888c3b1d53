package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// scanNotifications reads notificationColumns rows and closes rows.
func scanNotifications(rows *sql.Rows) ([]Notification, error) {
	defer rows.Close()
	out := []Notification{}
	for rows.Next() {
		var n Notification
		var level int
		var payload string
		var lastError sql.NullString
		var nextAttemptAt, claimedAt, sentAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.EscalationID, &n.SessionID, &level, &n.Recipient, &payload, &n.Status,
			&n.Attempts, &nextAttemptAt, &claimedAt, &lastError, &n.CreatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("scan notification failed: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &n.Result); err != nil {
			return nil, fmt.Errorf("decode notification %s failed: %w", n.ID, err)
		}
		n.Level = models.EscalationLevel(level)
		n.LastError = lastError.String
		n.NextAttemptAt = timePtr(nextAttemptAt)
		n.ClaimedAt = timePtr(claimedAt)
		n.SentAt = timePtr(sentAt)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications failed: %w", err)
	}
	return out, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// sortByUrgency orders notifications highest level first, then oldest first.
func sortByUrgency(ns []Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].Level != ns[j].Level {
			return ns[i].Level > ns[j].Level
		}
		return ns[i].CreatedAt.Before(ns[j].CreatedAt)
	})
}

// scanAuditEntries decodes entry_json rows and keeps those inside tf.
func scanAuditEntries(rows *sql.Rows, tf models.Timeframe) ([]models.AuditEntry, error) {
	defer rows.Close()
	entries := []models.AuditEntry{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan audit entry failed: %w", err)
		}
		var e models.AuditEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry failed: %w", err)
		}
		if tf.Contains(e.Timestamp) {
			entries = append(entries, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries failed: %w", err)
	}
	return entries, nil
}

func scanAlerts(rows *sql.Rows) ([]models.SystemAlert, error) {
	defer rows.Close()
	alerts := []models.SystemAlert{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan alert failed: %w", err)
		}
		var a models.SystemAlert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode alert failed: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts failed: %w", err)
	}
	return alerts, nil
}

func scanSessions(rows *sql.Rows) ([]models.CrisisSession, error) {
	defer rows.Close()
	sessions := []models.CrisisSession{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan session failed: %w", err)
		}
		var s models.CrisisSession
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode session failed: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions failed: %w", err)
	}
	return sessions, nil
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
