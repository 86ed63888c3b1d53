package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/store"
)

// Router picks a Channel by address scheme and smooths bursts to each recipient.
type Router struct {
	channels map[string]Channel
	limit    rate.Limit
	burst    int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithChannel registers ch for addresses with the given scheme.
func WithChannel(scheme string, ch Channel) RouterOption {
	return func(r *Router) { r.channels[scheme] = ch }
}

// WithRateLimit allows perMinute notifications per recipient with the given burst.
// A non-positive perMinute disables limiting.
func WithRateLimit(perMinute, burst int) RouterOption {
	return func(r *Router) {
		if perMinute <= 0 {
			r.limit = rate.Inf
			return
		}
		r.limit = rate.Limit(float64(perMinute) / 60)
		if burst < 1 {
			burst = 1
		}
		r.burst = burst
	}
}

// NewRouter creates a Router. The log channel is always registered.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		channels: map[string]Channel{"log": LogChannel{}},
		limit:    rate.Inf,
		burst:    1,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Dispatcher = (*Router)(nil)

// Supports reports whether recipient's scheme has a registered channel.
func (r *Router) Supports(recipient string) error {
	scheme, _ := ParseAddress(recipient)
	if _, ok := r.channels[scheme]; !ok {
		return fmt.Errorf("%w: no channel for scheme %q", models.ErrNotificationFailure, scheme)
	}
	return nil
}

// Dispatch sends directly, bypassing the queue.
func (r *Router) Dispatch(ctx context.Context, recipient string, result models.EscalationResult) error {
	if err := r.Supports(recipient); err != nil {
		return err
	}
	scheme, target := ParseAddress(recipient)
	ch := r.channels[scheme]
	if err := r.limiter(recipient).Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait for %s: %v", models.ErrNotificationFailure, recipient, err)
	}
	if err := ch.Notify(ctx, target, result); err != nil {
		slog.Warn("Router.Dispatch: channel failed", "scheme", scheme, "escalationID", result.ID, "error", err)
		return fmt.Errorf("%w: %s: %v", models.ErrNotificationFailure, scheme, err)
	}
	slog.Debug("Router.Dispatch: notification sent", "scheme", scheme, "escalationID", result.ID, "level", result.Level)
	return nil
}

// Deliver is a store.DeliverFunc that sends a claimed notification.
func (r *Router) Deliver(ctx context.Context, n store.Notification) error {
	if n.Result.ID == "" {
		return fmt.Errorf("%w: notification %s carries no escalation", models.ErrNotificationFailure, n.ID)
	}
	return r.Dispatch(ctx, n.Recipient, n.Result)
}

func (r *Router) limiter(recipient string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[recipient]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[recipient] = l
	}
	return l
}
