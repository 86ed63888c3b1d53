package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

var _ NotificationRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueNotification(result models.EscalationResult, recipient string) (string, bool, error) {
	payload, err := marshalJSON(result)
	if err != nil {
		return "", false, fmt.Errorf("encode escalation %s: %w", result.ID, err)
	}
	// The no-op update makes RETURNING yield the existing row on conflict.
	var id string
	var inserted bool
	err = s.db.QueryRow(
		`INSERT INTO escalation_notifications
		 (id, escalation_id, session_id, level, recipient, result_json, status, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'queued', 0, $7)
		 ON CONFLICT (escalation_id, recipient) DO UPDATE SET escalation_id = EXCLUDED.escalation_id
		 RETURNING id, (xmax = 0)`,
		newNotificationID(), result.ID, result.SessionID, int(result.Level), recipient, payload, time.Now().UTC(),
	).Scan(&id, &inserted)
	if err != nil {
		return "", false, fmt.Errorf("enqueue notification failed: %w", err)
	}
	if inserted {
		slog.Debug("PostgresStore.EnqueueNotification", "id", id, "escalationID", result.ID, "level", int(result.Level))
	}
	return id, inserted, nil
}

func (s *PostgresStore) ClaimDueNotifications(now time.Time, limit int) ([]Notification, error) {
	rows, err := s.db.Query(
		`WITH due AS (
		   SELECT id FROM escalation_notifications
		   WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY level DESC, created_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE escalation_notifications n SET status = 'sending', claimed_at = $1
		 FROM due WHERE n.id = due.id
		 RETURNING n.id, n.escalation_id, n.session_id, n.level, n.recipient, n.result_json, n.status, n.attempts,
		   n.next_attempt_at, n.claimed_at, n.last_error, n.created_at, n.sent_at`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications failed: %w", err)
	}
	claimed, err := scanNotifications(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sortByUrgency(claimed)
	return claimed, nil
}

func (s *PostgresStore) MarkNotificationSent(id string, sentAt time.Time) error {
	return s.updateNotification(
		`UPDATE escalation_notifications SET status = 'sent', sent_at = $1, claimed_at = NULL WHERE id = $2`,
		id, sentAt, id)
}

func (s *PostgresStore) RetryNotification(id, errMsg string, nextAttemptAt time.Time) error {
	return s.updateNotification(
		`UPDATE escalation_notifications SET status = 'queued', attempts = attempts + 1, last_error = $1,
		 next_attempt_at = $2, claimed_at = NULL WHERE id = $3`,
		id, errMsg, nextAttemptAt, id)
}

func (s *PostgresStore) AbandonNotification(id, errMsg string) error {
	if err := s.updateNotification(
		`UPDATE escalation_notifications SET status = 'abandoned', attempts = attempts + 1, last_error = $1,
		 claimed_at = NULL WHERE id = $2`,
		id, errMsg, id); err != nil {
		return err
	}
	slog.Warn("PostgresStore.AbandonNotification", "id", id, "lastError", errMsg)
	return nil
}

func (s *PostgresStore) RequeueStaleNotifications(claimedBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE escalation_notifications SET status = 'queued', claimed_at = NULL
		 WHERE status = 'sending' AND claimed_at < $1`,
		claimedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale notifications failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) NotificationsForEscalation(escalationID string) ([]Notification, error) {
	rows, err := s.db.Query(
		`SELECT `+notificationColumns+` FROM escalation_notifications WHERE escalation_id = $1 ORDER BY created_at ASC, id ASC`,
		escalationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications failed: %w", err)
	}
	return scanNotifications(rows)
}

func (s *PostgresStore) updateNotification(query, id string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update notification %s failed: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
	}
	return nil
}
