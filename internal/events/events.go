// Package events provides a typed in-process event bus for session lifecycle notifications.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// Kind identifies the type of a session event.
type Kind string

const (
	SessionCreated     Kind = "session_created"
	ParticipantJoined  Kind = "participant_joined"
	ParticipantLeft    Kind = "participant_left"
	MessageProcessed   Kind = "message_processed"
	SessionEscalated   Kind = "session_escalated"
	EscalationResolved Kind = "escalation_resolved"
	SessionTransferred Kind = "session_transferred"
	SessionEnded       Kind = "session_ended"
	SessionRemoved     Kind = "session_removed"
)

// Event is a single published notification. Session is a snapshot taken when the event was raised.
type Event struct {
	Kind          Kind
	SessionID     string
	ParticipantID string
	Reason        string
	RiskLevel     models.RiskLevel
	Escalation    *models.EscalationResult
	Session       *models.CrisisSession
	At            time.Time
}

// Handler receives published events.
type Handler func(Event)

// Bus dispatches events to subscribers. The zero value is not usable; call NewBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers h for events of kind k.
func (b *Bus) Subscribe(k Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[k] = append(b.handlers[k], h)
	slog.Debug("Bus.Subscribe: handler registered", "kind", k, "count", len(b.handlers[k]))
}

// Publish delivers e synchronously to every handler of its kind. A nil bus drops the event.
// A panicking handler is logged and does not stop the remaining handlers.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[e.Kind]...)
	b.mu.RUnlock()

	for _, h := range hs {
		b.call(h, e)
	}
}

func (b *Bus) call(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bus.Publish: handler panicked", "kind", e.Kind, "sessionID", e.SessionID, "panic", r)
		}
	}()
	h(e)
}
