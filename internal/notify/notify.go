// Package notify delivers escalation notifications to on-call staff and services.
//
// Recipients are addressed as "<scheme>:<target>": "sms:+15550100", "whatsapp:+15550100"
// (Twilio), "wa:+15550100" (linked WhatsApp device), "ntfy:https://ntfy.sh/topic" and
// "log:name". The escalation engine hands recipients to a Dispatcher; QueueDispatcher
// queues them durably and Router performs the actual send.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/store"
)

// Dispatcher hands one escalation notification to a recipient. A nil error means the
// notification was durably queued or delivered, not necessarily read.
type Dispatcher interface {
	Dispatch(ctx context.Context, recipient string, result models.EscalationResult) error
}

// Channel sends a notification over one transport.
type Channel interface {
	Notify(ctx context.Context, target string, result models.EscalationResult) error
}

// ParseAddress splits "scheme:target". An address without a known scheme is treated as a log sink.
func ParseAddress(addr string) (scheme, target string) {
	scheme, target, ok := strings.Cut(addr, ":")
	if !ok {
		return "log", addr
	}
	scheme = strings.ToLower(scheme)
	switch scheme {
	case "sms", "whatsapp", "wa", "ntfy", "log":
		return scheme, target
	default:
		return "log", addr
	}
}

// FormatEscalation renders the plain-text body sent to humans.
func FormatEscalation(r models.EscalationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[CrisisRelay] Level %d (%s) escalation for session %s\n", r.Level, r.Level, r.SessionID)
	fmt.Fprintf(&b, "Reason: %s\n", r.Reason)
	if r.EstimatedResponseTime > 0 {
		fmt.Fprintf(&b, "Respond within: %s\n", r.EstimatedResponseTime.Round(time.Second))
	}
	if r.GeographicRouting != "" {
		fmt.Fprintf(&b, "Routing: %s\n", r.GeographicRouting)
	}
	for _, step := range r.NextSteps {
		fmt.Fprintf(&b, "- %s\n", step)
	}
	fmt.Fprintf(&b, "Escalation id: %s", r.ID)
	return b.String()
}

// QueueDispatcher queues notifications in the store. A store.NotificationSender drains the
// queue through Router.Deliver.
type QueueDispatcher struct {
	repo   store.NotificationRepo
	routes *Router
}

// NewQueueDispatcher creates a dispatcher backed by repo. When routes is non-nil,
// recipients it has no channel for are refused instead of queued, since a critical
// notification would otherwise retry forever.
func NewQueueDispatcher(repo store.NotificationRepo, routes *Router) *QueueDispatcher {
	return &QueueDispatcher{repo: repo, routes: routes}
}

var _ Dispatcher = (*QueueDispatcher)(nil)

// Dispatch enqueues the notification. Re-dispatching the same escalation to the same
// recipient is a no-op.
func (d *QueueDispatcher) Dispatch(ctx context.Context, recipient string, result models.EscalationResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.routes != nil {
		if err := d.routes.Supports(recipient); err != nil {
			return err
		}
	}
	id, queued, err := d.repo.EnqueueNotification(result, recipient)
	if err != nil {
		return fmt.Errorf("queue notification for %s: %w", recipient, err)
	}
	if !queued {
		slog.Debug("QueueDispatcher.Dispatch: already queued", "id", id, "escalationID", result.ID)
	}
	return nil
}
