package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

func escalation(id string, level models.EscalationLevel) models.EscalationResult {
	return models.EscalationResult{ID: id, SessionID: "cs_" + id, Level: level, Reason: "critical_message"}
}

func TestNotificationRepo_EnqueueDedupeAndClaimOrder(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			low, queued, err := s.EnqueueNotification(escalation("esc-1", models.LevelModerate), "sms:+15550100")
			if err != nil || !queued {
				t.Fatalf("Enqueue = %v, %v", queued, err)
			}
			again, queued, err := s.EnqueueNotification(escalation("esc-1", models.LevelModerate), "sms:+15550100")
			if err != nil || queued || again != low {
				t.Errorf("duplicate enqueue = %q queued=%v err=%v, want existing %q", again, queued, err, low)
			}
			if _, _, err := s.EnqueueNotification(escalation("esc-2", models.LevelCritical), "sms:+15550100"); err != nil {
				t.Fatal(err)
			}

			batch, err := s.ClaimDueNotifications(time.Now().UTC().Add(time.Second), 10)
			if err != nil {
				t.Fatalf("Claim: %v", err)
			}
			if len(batch) != 2 {
				t.Fatalf("claimed %d, want 2", len(batch))
			}
			if batch[0].EscalationID != "esc-2" || batch[0].Status != NotificationSending {
				t.Errorf("critical escalation should be claimed first, got %+v", batch[0])
			}
			if batch[1].Result.Reason != "critical_message" || batch[1].Result.SessionID != "cs_esc-1" {
				t.Errorf("escalation result not carried: %+v", batch[1].Result)
			}

			if more, _ := s.ClaimDueNotifications(time.Now().UTC().Add(time.Second), 10); len(more) != 0 {
				t.Errorf("claimed notifications handed out twice: %d", len(more))
			}

			if err := s.MarkNotificationSent(batch[0].ID, time.Now().UTC()); err != nil {
				t.Fatalf("MarkNotificationSent: %v", err)
			}
			got, err := s.NotificationsForEscalation("esc-2")
			if err != nil || len(got) != 1 || got[0].Status != NotificationSent || got[0].SentAt == nil {
				t.Errorf("NotificationsForEscalation = %+v, %v", got, err)
			}
			if err := s.MarkNotificationSent("ntf_missing", time.Now()); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("missing id err = %v, want ErrNotFound", err)
			}
		})
	}
}

type countingDeliver struct {
	calls []string
	err   error
}

func (c *countingDeliver) deliver(_ context.Context, n Notification) error {
	c.calls = append(c.calls, n.EscalationID)
	return c.err
}

func TestNotificationSender_SendsAndMarks(t *testing.T) {
	s := NewInMemoryStore()
	if _, _, err := s.EnqueueNotification(escalation("esc-1", models.LevelHigh), "log:oncall"); err != nil {
		t.Fatal(err)
	}
	d := &countingDeliver{}
	var hooked int
	sender := NewNotificationSender(s, d.deliver, time.Second, WithResultHook(func(Notification, error) { hooked++ }))
	sender.Poll(context.Background())

	if len(d.calls) != 1 || hooked != 1 {
		t.Fatalf("deliver calls = %d, hook calls = %d", len(d.calls), hooked)
	}
	if got := s.Notifications()[0].Status; got != NotificationSent {
		t.Errorf("status = %s, want sent", got)
	}
}

func TestNotificationSender_BackoffThenAbandon(t *testing.T) {
	s := NewInMemoryStore()
	if _, _, err := s.EnqueueNotification(escalation("esc-1", models.LevelElevated), "sms:+15550100"); err != nil {
		t.Fatal(err)
	}
	d := &countingDeliver{err: errors.New("carrier unavailable")}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sender := NewNotificationSender(s, d.deliver, time.Second, WithMaxAttempts(2), WithBackoff(10*time.Second, time.Minute))
	sender.now = func() time.Time { return clock }

	sender.Poll(context.Background())
	n := s.Notifications()[0]
	if n.Status != NotificationQueued || n.Attempts != 1 {
		t.Fatalf("after first failure: status=%s attempts=%d", n.Status, n.Attempts)
	}
	if n.NextAttemptAt == nil || !n.NextAttemptAt.Equal(clock.Add(10*time.Second)) {
		t.Errorf("next attempt = %v, want +10s", n.NextAttemptAt)
	}

	sender.Poll(context.Background())
	if len(d.calls) != 1 {
		t.Errorf("notification retried before backoff elapsed")
	}

	clock = clock.Add(11 * time.Second)
	sender.Poll(context.Background())
	n = s.Notifications()[0]
	if n.Status != NotificationAbandoned || n.LastError != "carrier unavailable" {
		t.Errorf("after max attempts: status=%s lastError=%q", n.Status, n.LastError)
	}
}

func TestNotificationSender_CriticalNeverAbandoned(t *testing.T) {
	s := NewInMemoryStore()
	if _, _, err := s.EnqueueNotification(escalation("esc-9", models.LevelCritical), "sms:+15550911"); err != nil {
		t.Fatal(err)
	}
	d := &countingDeliver{err: errors.New("carrier unavailable")}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sender := NewNotificationSender(s, d.deliver, time.Second, WithMaxAttempts(1), WithBackoff(time.Second, 4*time.Second))
	sender.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		sender.Poll(context.Background())
		clock = clock.Add(time.Minute)
	}
	n := s.Notifications()[0]
	if n.Status != NotificationQueued || n.Attempts != 5 {
		t.Errorf("critical notification: status=%s attempts=%d, want queued after 5 attempts", n.Status, n.Attempts)
	}
}

func TestNotificationSender_Backoff(t *testing.T) {
	sender := NewNotificationSender(NewInMemoryStore(), nil, time.Second, WithBackoff(time.Second, 10*time.Second))
	tests := map[int]time.Duration{0: time.Second, 1: 2 * time.Second, 3: 8 * time.Second, 4: 10 * time.Second, 40: 10 * time.Second}
	for attempts, want := range tests {
		if got := sender.backoff(attempts); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
}

func TestNotificationSender_RecoverStale(t *testing.T) {
	s := newTestSQLiteStore(t)
	if _, _, err := s.EnqueueNotification(escalation("esc-1", models.LevelHigh), "log:oncall"); err != nil {
		t.Fatal(err)
	}
	// Claim with a clock an hour behind so the claim looks abandoned by a crashed process.
	old := time.Now().UTC().Add(-time.Hour)
	batch, err := s.ClaimDueNotifications(old, 10)
	if err != nil || len(batch) != 1 {
		t.Fatalf("Claim = %d, %v", len(batch), err)
	}
	d := &countingDeliver{}
	sender := NewNotificationSender(s, d.deliver, time.Second)
	if err := sender.RecoverStale(); err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	sender.Poll(context.Background())
	if len(d.calls) != 1 {
		t.Errorf("expected recovered notification to be delivered once, got %d", len(d.calls))
	}
}
