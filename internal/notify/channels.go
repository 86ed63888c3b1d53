package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// MessageSender is satisfied by twiliosms.Client and whatsapp.Client.
type MessageSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// SMSChannel sends through Twilio. Set WhatsApp to prefix targets with "whatsapp:".
type SMSChannel struct {
	Sender   MessageSender
	WhatsApp bool
}

func (c SMSChannel) Notify(ctx context.Context, target string, result models.EscalationResult) error {
	if c.Sender == nil {
		return fmt.Errorf("twilio sender not configured")
	}
	to := target
	if c.WhatsApp {
		to = "whatsapp:" + target
	}
	return c.Sender.SendMessage(ctx, to, FormatEscalation(result))
}

// WhatsAppChannel sends through a linked WhatsApp device.
type WhatsAppChannel struct {
	Sender MessageSender
}

func (c WhatsAppChannel) Notify(ctx context.Context, target string, result models.EscalationResult) error {
	if c.Sender == nil {
		return fmt.Errorf("whatsapp sender not configured")
	}
	return c.Sender.SendMessage(ctx, target, FormatEscalation(result))
}

// NtfyChannel publishes to an ntfy topic URL.
type NtfyChannel struct {
	client *http.Client
}

// NewNtfyChannel creates an ntfy channel with a bounded request timeout.
func NewNtfyChannel() *NtfyChannel {
	return &NtfyChannel{client: &http.Client{Timeout: 15 * time.Second}}
}

// NtfyPriority maps an escalation level onto ntfy's 1-5 priority names.
func NtfyPriority(level models.EscalationLevel) string {
	switch {
	case level >= models.LevelCritical:
		return "urgent"
	case level == models.LevelHigh:
		return "high"
	case level == models.LevelElevated:
		return "default"
	default:
		return "low"
	}
}

func ntfyTags(level models.EscalationLevel) string {
	if level >= models.LevelHigh {
		return "rotating_light,sos"
	}
	return "warning"
}

func (c *NtfyChannel) Notify(ctx context.Context, target string, result models.EscalationResult) error {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return fmt.Errorf("ntfy target must be a URL, got %q", target)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(FormatEscalation(result)))
	if err != nil {
		return fmt.Errorf("creating ntfy request: %w", err)
	}
	req.Header.Set("Title", fmt.Sprintf("Level %d escalation: %s", result.Level, result.SessionID))
	req.Header.Set("Priority", NtfyPriority(result.Level))
	req.Header.Set("Tags", ntfyTags(result.Level))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}
	return nil
}

// LogChannel writes the notification to the structured log. It is the default sink when no
// transport is configured for a contact.
type LogChannel struct{}

func (LogChannel) Notify(_ context.Context, target string, result models.EscalationResult) error {
	slog.Warn("LogChannel.Notify: escalation notification",
		"recipient", target,
		"escalationID", result.ID,
		"sessionID", result.SessionID,
		"level", int(result.Level),
		"reason", result.Reason,
		"routing", result.GeographicRouting)
	return nil
}
