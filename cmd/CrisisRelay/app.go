package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CrisisRelay/internal/api"
	"github.com/BTreeMap/CrisisRelay/internal/config"
	"github.com/BTreeMap/CrisisRelay/internal/escalation"
	"github.com/BTreeMap/CrisisRelay/internal/events"
	"github.com/BTreeMap/CrisisRelay/internal/genai"
	"github.com/BTreeMap/CrisisRelay/internal/metrics"
	"github.com/BTreeMap/CrisisRelay/internal/monitor"
	"github.com/BTreeMap/CrisisRelay/internal/notify"
	"github.com/BTreeMap/CrisisRelay/internal/risk"
	"github.com/BTreeMap/CrisisRelay/internal/router"
	"github.com/BTreeMap/CrisisRelay/internal/scheduler"
	"github.com/BTreeMap/CrisisRelay/internal/session"
	"github.com/BTreeMap/CrisisRelay/internal/store"
	"github.com/BTreeMap/CrisisRelay/internal/transport"
	"github.com/BTreeMap/CrisisRelay/internal/twiliosms"
	"github.com/BTreeMap/CrisisRelay/internal/whatsapp"
)

// Notices broadcast to participants on session lifecycle changes.
const (
	noticeEscalated   = "A crisis supervisor has been alerted and is joining this conversation."
	noticeTransferred = "You are being connected with another responder."
	noticeEnded       = "This session has ended."
)

// run wires the services together and blocks until ctx ends or the HTTP server fails.
func run(ctx context.Context, cfg *config.Config, flags Flags) error {
	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("run: store close failed", "error", err)
		}
	}()

	collector := metrics.NewCollector()
	bus := events.NewBus()

	notifier, closeNotifiers := buildNotifyRouter(ctx, cfg, flags)
	defer closeNotifiers()
	sender := store.NewNotificationSender(st, notifier.Deliver, cfg.Notify.PollInterval.Duration,
		store.WithMaxAttempts(cfg.Notify.MaxAttempts),
		store.WithBackoff(cfg.Notify.RetryBase.Duration, cfg.Notify.RetryCeiling.Duration),
		store.WithResultHook(func(n store.Notification, err error) {
			scheme, _ := notify.ParseAddress(n.Recipient)
			collector.NotificationSend(scheme, err == nil)
		}),
	)
	if err := sender.RecoverStale(); err != nil {
		slog.Warn("run: notification recovery failed", "error", err)
	}

	mon := monitor.New(
		monitor.WithRepo(st),
		monitor.WithMetrics(collector),
		monitor.WithTargets(cfg.EscalationTargets()),
		monitor.WithSuccessRateThreshold(cfg.Monitor.SuccessRateThreshold),
	)
	if err := mon.Load(ctx); err != nil {
		slog.Warn("run: monitor history not loaded", "error", err)
	}

	engine := escalation.NewEngine(notify.NewQueueDispatcher(st, notifier),
		escalation.WithTargets(cfg.EscalationTargets()),
		escalation.WithContacts(contactsFrom(cfg)),
		escalation.WithRecorder(mon),
		escalation.WithMetrics(collector),
	)

	manager := session.NewManager(
		session.WithLimits(cfg.Session.MaxConcurrent, cfg.Session.AutoEscalationThreshold),
		session.WithRetention(cfg.Session.MaxDuration.Duration, cfg.Session.IdleTimeout.Duration, cfg.Session.EndedGrace.Duration),
		session.WithOriginSalt(*flags.originSalt),
		session.WithAssessor(buildAssessor(flags)),
		session.WithEscalator(engine),
		session.WithRepo(st),
		session.WithBus(bus),
		session.WithMetrics(collector),
	)
	restored, err := manager.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	slog.Info("run: sessions restored", "count", restored)

	var pool *router.Pool
	socketOpts := []transport.Option{
		transport.WithInbound(func(connID string, _ []byte) {
			if err := pool.Touch(connID); err != nil {
				slog.Debug("run: inbound frame for unknown connection", "connID", connID)
			}
		}),
		transport.WithOnClose(func(connID string) {
			if err := pool.Release(connID); err != nil {
				slog.Debug("run: closed socket had no pooled connection", "connID", connID)
			}
		}),
	}
	if *flags.allowedOrigins != "" {
		socketOpts = append(socketOpts, transport.WithCheckOrigin(originPolicy(*flags.allowedOrigins)))
	}
	sockets := transport.NewWebSocket(socketOpts...)
	pool = router.NewPool(
		router.WithCapacity(cfg.Pool.CriticalCapacity, cfg.Pool.NormalCapacity),
		router.WithTargets(cfg.Pool.IdleCeiling.Duration, cfg.Pool.LatencyTarget.Duration, cfg.Pool.ConnectTarget.Duration),
		router.WithQueueSize(cfg.Pool.QueueSize),
		router.WithIntervals(cfg.Pool.HeartbeatInterval.Duration, cfg.Pool.CleanupInterval.Duration),
		router.WithTransport(sockets),
		router.WithDetacher(sockets),
		router.WithAlerter(mon),
		router.WithPoolMetrics(collector),
	)
	rt := router.New(pool, sockets,
		router.WithLatencyTarget(cfg.Pool.MessageLatencyTarget.Duration),
		router.WithMaxParallel(cfg.Pool.MaxParallelSends),
		router.WithRouterAlerter(mon),
		router.WithRouterMetrics(collector),
	)
	subscribeLifecycle(ctx, bus, rt, st)

	deps := api.Deps{
		Sessions:      manager,
		Router:        rt,
		Monitor:       mon,
		Receipts:      st,
		Notifications: st,
		Metrics:       collector,
	}
	if !*flags.disableSocket {
		deps.Sockets = sockets
	}
	srv, err := api.NewServer(deps, buildAPIOptions(flags, cfg)...)
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := registerJobs(ctx, sched, cfg, manager, pool, sockets, mon); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sender.Run(gctx)
		return nil
	})
	g.Go(func() error {
		flushLoop(gctx, rt, cfg.Pool.BatchInterval.Duration)
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	err = g.Wait()
	mon.Flush()
	return err
}

// buildAssessor prefers the model-backed assessor and falls back to keywords.
func buildAssessor(flags Flags) risk.Assessor {
	keywords := risk.NewKeywordAssessor()
	if *flags.openaiKey == "" {
		slog.Info("buildAssessor: no OpenAI key, using keyword risk assessment")
		return keywords
	}
	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		slog.Warn("buildAssessor: GenAI client unavailable, using keyword risk assessment", "error", err)
		return keywords
	}
	return risk.WithFallback(client, keywords)
}

// buildNotifyRouter registers a channel for every configured transport. Log and ntfy are
// always available; Twilio needs TWILIO_* credentials and WhatsApp a linked device.
func buildNotifyRouter(ctx context.Context, cfg *config.Config, flags Flags) (*notify.Router, func()) {
	opts := []notify.RouterOption{
		notify.WithChannel("ntfy", notify.NewNtfyChannel()),
		notify.WithRateLimit(cfg.Notify.RatePerMinute, cfg.Notify.Burst),
	}
	closers := []func(){}

	if tw, err := twiliosms.NewClient(); err != nil {
		slog.Info("buildNotifyRouter: Twilio disabled", "reason", err)
	} else {
		opts = append(opts,
			notify.WithChannel("sms", notify.SMSChannel{Sender: tw}),
			notify.WithChannel("whatsapp", notify.SMSChannel{Sender: tw, WhatsApp: true}),
		)
	}

	if *flags.whatsapp {
		wa, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			slog.Error("buildNotifyRouter: WhatsApp device unavailable", "error", err)
		} else {
			opts = append(opts, notify.WithChannel("wa", notify.WhatsAppChannel{Sender: wa}))
			closers = append(closers, wa.Close)
		}
	}

	return notify.NewRouter(opts...), func() {
		for _, c := range closers {
			c()
		}
	}
}

func contactsFrom(cfg *config.Config) escalation.Contacts {
	c := cfg.Escalation.Contacts
	return escalation.Contacts{
		Volunteers:        c.Volunteers,
		Supervisors:       c.Supervisors,
		Hotline:           c.Hotline,
		EmergencyServices: c.EmergencyServices,
		Directors:         c.Directors,
	}
}

// originPolicy admits websocket upgrades from the listed browser origins. "*" admits any
// origin; requests without an Origin header come from non-browser clients and are admitted.
func originPolicy(list string) func(r *http.Request) bool {
	allowed := make(map[string]bool)
	for _, o := range strings.Split(list, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed["*"] {
			return true
		}
		if allowed[strings.ToLower(origin)] {
			return true
		}
		slog.Warn("originPolicy: websocket origin refused", "origin", origin)
		return false
	}
}

// subscribeLifecycle tells connected participants about escalations, transfers and endings,
// and returns a session's connections to the pool once it ends. Message receipts are kept
// until the session is removed so late client retries are still recognised.
func subscribeLifecycle(ctx context.Context, bus *events.Bus, rt *router.Router, receipts store.ReceiptRepo) {
	broadcast := func(sessionID, notice string, priority int) {
		if _, err := rt.Broadcast(ctx, sessionID, notice, priority); err != nil {
			slog.Warn("subscribeLifecycle: broadcast failed", "sessionID", sessionID, "error", err)
		}
	}
	bus.Subscribe(events.SessionEscalated, func(e events.Event) {
		go broadcast(e.SessionID, noticeEscalated, router.PriorityCritical)
	})
	bus.Subscribe(events.SessionTransferred, func(e events.Event) {
		go broadcast(e.SessionID, noticeTransferred, router.PriorityHigh)
	})
	bus.Subscribe(events.SessionEnded, func(e events.Event) {
		go func() {
			broadcast(e.SessionID, noticeEnded, router.PriorityHigh)
			n := rt.Pool().ReleaseSession(e.SessionID)
			slog.Debug("subscribeLifecycle: connections released", "sessionID", e.SessionID, "count", n)
		}()
	})
	bus.Subscribe(events.SessionRemoved, func(e events.Event) {
		rt.Pool().ReleaseSession(e.SessionID)
		n, err := receipts.DeleteSessionReceipts(e.SessionID)
		if err != nil {
			slog.Warn("subscribeLifecycle: failed to drop message receipts", "sessionID", e.SessionID, "error", err)
			return
		}
		slog.Debug("subscribeLifecycle: message receipts dropped", "sessionID", e.SessionID, "count", n)
	})
}

// registerJobs schedules the periodic maintenance sweeps.
func registerJobs(ctx context.Context, sched *scheduler.Scheduler, cfg *config.Config, manager *session.Manager,
	pool *router.Pool, sockets *transport.WebSocket, mon *monitor.Monitor) error {
	closeAll := func(ids []string) {
		for _, id := range ids {
			if err := sockets.Close(id); err != nil {
				slog.Debug("registerJobs: socket close failed", "connID", id, "error", err)
			}
		}
	}
	jobs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"session-sweep", cfg.Session.CleanupInterval.Duration, func() { manager.Sweep(ctx) }},
		{"pool-heartbeat", cfg.Pool.HeartbeatInterval.Duration, func() { pool.Heartbeat() }},
		{"pool-cleanup", cfg.Pool.CleanupInterval.Duration, func() { closeAll(pool.Cleanup()) }},
		{"pool-optimize", cfg.Pool.OptimizeInterval.Duration, func() { closeAll(pool.OptimizePool()) }},
		{"monitor-health", cfg.Monitor.ReportInterval.Duration, func() {
			mon.Flush()
			mon.LogHealth(cfg.Monitor.ReportWindow.Duration)
		}},
	}
	for _, j := range jobs {
		if err := sched.Every(j.name, j.interval, j.task); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

// flushLoop delivers queued normal-priority messages. The batch interval is sub-second, below
// what the cron scheduler can express.
func flushLoop(ctx context.Context, rt *router.Router, interval time.Duration) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rt.FlushQueues(context.Background())
			return
		case <-ticker.C:
			rt.FlushQueues(ctx)
		}
	}
}
