package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// DeliverFunc performs the actual send of one claimed notification.
type DeliverFunc func(ctx context.Context, n Notification) error

// NotificationSender drains the notification queue, retrying failures with exponential backoff.
// Critical-level notifications are never abandoned; they keep retrying at the backoff ceiling.
type NotificationSender struct {
	repo           NotificationRepo
	deliver        DeliverFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	onResult       func(n Notification, err error)
	now            func() time.Time
}

// SenderOption configures a NotificationSender.
type SenderOption func(*NotificationSender)

// WithMaxAttempts abandons a non-critical notification after n failed sends. Zero retries forever.
func WithMaxAttempts(n int) SenderOption {
	return func(s *NotificationSender) { s.maxAttempts = n }
}

// WithBackoff sets the first retry delay and the ceiling that doubling stops at.
func WithBackoff(base, ceiling time.Duration) SenderOption {
	return func(s *NotificationSender) {
		s.baseBackoff = base
		if ceiling >= base {
			s.maxBackoff = ceiling
		}
	}
}

// WithResultHook is called after every delivery attempt, with a nil error on success.
func WithResultHook(fn func(n Notification, err error)) SenderOption {
	return func(s *NotificationSender) { s.onResult = fn }
}

// NewNotificationSender creates a sender polling repo every pollInterval.
func NewNotificationSender(repo NotificationRepo, deliver DeliverFunc, pollInterval time.Duration, opts ...SenderOption) *NotificationSender {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	s := &NotificationSender{
		repo:           repo,
		deliver:        deliver,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     25,
		baseBackoff:    5 * time.Second,
		maxBackoff:     5 * time.Minute,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStale requeues notifications a crashed process left in sending. Call once at startup.
func (s *NotificationSender) RecoverStale() error {
	n, err := s.repo.RequeueStaleNotifications(s.now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("NotificationSender.RecoverStale: requeued notifications", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *NotificationSender) Run(ctx context.Context) {
	slog.Info("NotificationSender.Run: starting", "pollInterval", s.pollInterval, "maxAttempts", s.maxAttempts)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("NotificationSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims one batch of due notifications and attempts each, most urgent first.
func (s *NotificationSender) Poll(ctx context.Context) {
	now := s.now()
	batch, err := s.repo.ClaimDueNotifications(now, s.claimLimit)
	if err != nil {
		slog.Error("NotificationSender.Poll: claim failed", "error", err)
		return
	}
	for _, n := range batch {
		err := s.deliver(ctx, n)
		if s.onResult != nil {
			s.onResult(n, err)
		}
		if err == nil {
			if err := s.repo.MarkNotificationSent(n.ID, s.now()); err != nil {
				slog.Error("NotificationSender.Poll: mark sent failed", "id", n.ID, "error", err)
			}
			continue
		}

		slog.Warn("NotificationSender.Poll: delivery failed", "id", n.ID, "escalationID", n.EscalationID,
			"level", int(n.Level), "attempts", n.Attempts+1, "error", err)
		if s.maxAttempts > 0 && n.Attempts+1 >= s.maxAttempts && n.Level < models.LevelCritical {
			if err := s.repo.AbandonNotification(n.ID, err.Error()); err != nil {
				slog.Error("NotificationSender.Poll: abandon failed", "id", n.ID, "error", err)
			}
			continue
		}
		if err := s.repo.RetryNotification(n.ID, err.Error(), now.Add(s.backoff(n.Attempts))); err != nil {
			slog.Error("NotificationSender.Poll: retry scheduling failed", "id", n.ID, "error", err)
		}
	}
}

// backoff returns base * 2^attempts, capped at the ceiling.
func (s *NotificationSender) backoff(attempts int) time.Duration {
	d := s.baseBackoff
	for i := 0; i < attempts && d < s.maxBackoff; i++ {
		d *= 2
	}
	return min(d, s.maxBackoff)
}
