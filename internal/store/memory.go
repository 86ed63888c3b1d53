package store

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// InMemoryStore is a process-local Store used in tests and when no database is configured.
type InMemoryStore struct {
	mu        sync.Mutex
	audit     []models.AuditEntry
	auditSeen map[string]bool
	alerts    []models.SystemAlert
	sessions  map[string]models.CrisisSession

	notifications []*Notification
	receipts      map[receiptKey]MessageReceipt
}

type receiptKey struct{ sessionID, clientMessageID string }

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		auditSeen: make(map[string]bool),
		sessions:  make(map[string]models.CrisisSession),
		receipts:  make(map[receiptKey]MessageReceipt),
	}
}

func (s *InMemoryStore) SaveAuditEntry(e models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditSeen[e.EscalationID] {
		return nil
	}
	s.auditSeen[e.EscalationID] = true
	e.Actions = slices.Clone(e.Actions)
	e.NextSteps = slices.Clone(e.NextSteps)
	s.audit = append(s.audit, e)
	return nil
}

func (s *InMemoryStore) ListAuditEntries(tf models.Timeframe) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.AuditEntry{}
	for _, e := range s.audit {
		if tf.Contains(e.Timestamp) {
			e.Actions = slices.Clone(e.Actions)
			e.NextSteps = slices.Clone(e.NextSteps)
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveAlert(a models.SystemAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == a.ID {
			s.alerts[i] = a
			return nil
		}
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *InMemoryStore) ListAlerts() ([]models.SystemAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.alerts), nil
}

func (s *InMemoryStore) SaveSession(cs models.CrisisSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[cs.ID] = cs.Clone()
	return nil
}

func (s *InMemoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) ListSessions() ([]models.CrisisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CrisisSession, 0, len(s.sessions))
	for _, cs := range s.sessions {
		out = append(out, cs.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *InMemoryStore) EnqueueNotification(result models.EscalationResult, recipient string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.EscalationID == result.ID && n.Recipient == recipient {
			return n.ID, false, nil
		}
	}
	n := &Notification{
		ID:           newNotificationID(),
		EscalationID: result.ID,
		SessionID:    result.SessionID,
		Level:        result.Level,
		Recipient:    recipient,
		Result:       result,
		Status:       NotificationQueued,
		CreatedAt:    time.Now().UTC(),
	}
	s.notifications = append(s.notifications, n)
	return n.ID, true, nil
}

func (s *InMemoryStore) ClaimDueNotifications(now time.Time, limit int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := []*Notification{}
	for _, n := range s.notifications {
		if n.Status == NotificationQueued && (n.NextAttemptAt == nil || !n.NextAttemptAt.After(now)) {
			due = append(due, n)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].Level > due[j].Level })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]Notification, 0, len(due))
	for _, n := range due {
		claimedAt := now
		n.Status = NotificationSending
		n.ClaimedAt = &claimedAt
		out = append(out, *n)
	}
	return out, nil
}

func (s *InMemoryStore) MarkNotificationSent(id string, sentAt time.Time) error {
	return s.updateNotification(id, func(n *Notification) {
		n.Status = NotificationSent
		n.SentAt = &sentAt
		n.ClaimedAt = nil
	})
}

func (s *InMemoryStore) RetryNotification(id, errMsg string, nextAttemptAt time.Time) error {
	return s.updateNotification(id, func(n *Notification) {
		n.Status = NotificationQueued
		n.Attempts++
		n.LastError = errMsg
		n.NextAttemptAt = &nextAttemptAt
		n.ClaimedAt = nil
	})
}

func (s *InMemoryStore) AbandonNotification(id, errMsg string) error {
	return s.updateNotification(id, func(n *Notification) {
		n.Status = NotificationAbandoned
		n.Attempts++
		n.LastError = errMsg
		n.ClaimedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleNotifications(claimedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.notifications {
		if n.Status == NotificationSending && n.ClaimedAt != nil && n.ClaimedAt.Before(claimedBefore) {
			n.Status = NotificationQueued
			n.ClaimedAt = nil
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) NotificationsForEscalation(escalationID string) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Notification{}
	for _, n := range s.notifications {
		if n.EscalationID == escalationID {
			out = append(out, *n)
		}
	}
	return out, nil
}

// Notifications returns every queued notification in enqueue order.
func (s *InMemoryStore) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, *n)
	}
	return out
}

func (s *InMemoryStore) updateNotification(id string, fn func(*Notification)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.ID == id {
			fn(n)
			return nil
		}
	}
	return fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
}

func (s *InMemoryStore) LookupReceipt(sessionID, clientMessageID string) (MessageReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[receiptKey{sessionID, clientMessageID}]
	if !ok {
		return MessageReceipt{}, fmt.Errorf("receipt %s/%s: %w", sessionID, clientMessageID, models.ErrNotFound)
	}
	return r, nil
}

func (s *InMemoryStore) SaveReceipt(r MessageReceipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := receiptKey{r.SessionID, r.ClientMessageID}
	if _, ok := s.receipts[k]; ok {
		return false, nil
	}
	s.receipts[k] = r
	return true, nil
}

func (s *InMemoryStore) DeleteSessionReceipts(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.receipts {
		if k.sessionID == sessionID {
			delete(s.receipts, k)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }
