package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

var _ NotificationRepo = (*SQLiteStore)(nil)

const notificationColumns = `id, escalation_id, session_id, level, recipient, result_json, status, attempts,
	next_attempt_at, claimed_at, last_error, created_at, sent_at`

func (s *SQLiteStore) EnqueueNotification(result models.EscalationResult, recipient string) (string, bool, error) {
	payload, err := marshalJSON(result)
	if err != nil {
		return "", false, fmt.Errorf("encode escalation %s: %w", result.ID, err)
	}
	id := newNotificationID()
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO escalation_notifications
		 (id, escalation_id, session_id, level, recipient, result_json, status, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'queued', 0, ?)`,
		id, result.ID, result.SessionID, int(result.Level), recipient, payload, time.Now().UTC(),
	)
	if err != nil {
		return "", false, fmt.Errorf("enqueue notification failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		slog.Debug("SQLiteStore.EnqueueNotification", "id", id, "escalationID", result.ID, "level", int(result.Level))
		return id, true, nil
	}

	var existing string
	err = s.db.QueryRow(
		`SELECT id FROM escalation_notifications WHERE escalation_id = ? AND recipient = ?`,
		result.ID, recipient,
	).Scan(&existing)
	if err != nil {
		return "", false, fmt.Errorf("lookup queued notification failed: %w", err)
	}
	return existing, false, nil
}

func (s *SQLiteStore) ClaimDueNotifications(now time.Time, limit int) ([]Notification, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT `+notificationColumns+` FROM escalation_notifications
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY level DESC, created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due notifications failed: %w", err)
	}
	due, err := scanNotifications(rows)
	if err != nil {
		return nil, err
	}

	claimed := due[:0]
	for _, n := range due {
		res, err := tx.Exec(
			`UPDATE escalation_notifications SET status = 'sending', claimed_at = ? WHERE id = ? AND status = 'queued'`,
			now, n.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim notification %s failed: %w", n.ID, err)
		}
		if c, _ := res.RowsAffected(); c == 1 {
			claimedAt := now
			n.Status = NotificationSending
			n.ClaimedAt = &claimedAt
			claimed = append(claimed, n)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim failed: %w", err)
	}
	return claimed, nil
}

func (s *SQLiteStore) MarkNotificationSent(id string, sentAt time.Time) error {
	return s.updateNotification(
		`UPDATE escalation_notifications SET status = 'sent', sent_at = ?, claimed_at = NULL WHERE id = ?`,
		id, sentAt, id)
}

func (s *SQLiteStore) RetryNotification(id, errMsg string, nextAttemptAt time.Time) error {
	return s.updateNotification(
		`UPDATE escalation_notifications SET status = 'queued', attempts = attempts + 1, last_error = ?,
		 next_attempt_at = ?, claimed_at = NULL WHERE id = ?`,
		id, errMsg, nextAttemptAt, id)
}

func (s *SQLiteStore) AbandonNotification(id, errMsg string) error {
	if err := s.updateNotification(
		`UPDATE escalation_notifications SET status = 'abandoned', attempts = attempts + 1, last_error = ?,
		 claimed_at = NULL WHERE id = ?`,
		id, errMsg, id); err != nil {
		return err
	}
	slog.Warn("SQLiteStore.AbandonNotification", "id", id, "lastError", errMsg)
	return nil
}

func (s *SQLiteStore) RequeueStaleNotifications(claimedBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE escalation_notifications SET status = 'queued', claimed_at = NULL
		 WHERE status = 'sending' AND claimed_at < ?`,
		claimedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale notifications failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) NotificationsForEscalation(escalationID string) ([]Notification, error) {
	rows, err := s.db.Query(
		`SELECT `+notificationColumns+` FROM escalation_notifications WHERE escalation_id = ? ORDER BY created_at ASC, id ASC`,
		escalationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications failed: %w", err)
	}
	return scanNotifications(rows)
}

// updateNotification runs a single-row update and reports ErrNotFound when id matched nothing.
func (s *SQLiteStore) updateNotification(query, id string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update notification %s failed: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
	}
	return nil
}
