package store

import (
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/util"
)

// NotificationStatus is the delivery state of a queued escalation notification.
type NotificationStatus string

const (
	NotificationQueued    NotificationStatus = "queued"
	NotificationSending   NotificationStatus = "sending"
	NotificationSent      NotificationStatus = "sent"
	NotificationAbandoned NotificationStatus = "abandoned"
)

// Notification is one escalation result addressed to one recipient. At most one exists per
// (escalation, recipient) pair.
type Notification struct {
	ID            string                  `json:"id"`
	EscalationID  string                  `json:"escalation_id"`
	SessionID     string                  `json:"session_id"`
	Level         models.EscalationLevel  `json:"level"`
	Recipient     string                  `json:"recipient"`
	Result        models.EscalationResult `json:"-"`
	Status        NotificationStatus      `json:"status"`
	Attempts      int                     `json:"attempts"`
	NextAttemptAt *time.Time              `json:"next_attempt_at,omitempty"`
	ClaimedAt     *time.Time              `json:"claimed_at,omitempty"`
	LastError     string                  `json:"last_error,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	SentAt        *time.Time              `json:"sent_at,omitempty"`
}

// NotificationRepo is the durable queue between the escalation engine and the notification
// channels. Claims hand out the most urgent escalation level first.
type NotificationRepo interface {
	// EnqueueNotification queues result for recipient. If that pair is already queued the
	// existing id is returned with queued=false.
	EnqueueNotification(result models.EscalationResult, recipient string) (id string, queued bool, err error)

	// ClaimDueNotifications moves up to limit due notifications to sending, highest level
	// first and oldest first within a level.
	ClaimDueNotifications(now time.Time, limit int) ([]Notification, error)

	MarkNotificationSent(id string, sentAt time.Time) error

	// RetryNotification records a failed attempt and schedules the next one.
	RetryNotification(id, errMsg string, nextAttemptAt time.Time) error

	// AbandonNotification records a final failure; the notification is never retried.
	AbandonNotification(id, errMsg string) error

	// RequeueStaleNotifications returns notifications claimed before claimedBefore to the
	// queue. A claim that old belongs to a process that died mid-send.
	RequeueStaleNotifications(claimedBefore time.Time) (int, error)

	// NotificationsForEscalation lists every recipient's delivery state in enqueue order.
	NotificationsForEscalation(escalationID string) ([]Notification, error)
}

func newNotificationID() string {
	return util.GenerateRandomID("ntf_", 24)
}
