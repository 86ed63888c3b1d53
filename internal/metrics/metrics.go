// Package metrics exposes Prometheus metrics for sessions, escalations, alerts and message delivery.
//
// Every method is safe to call on a nil *Collector, so services can be built without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry and the CrisisRelay metric families.
type Collector struct {
	registry *prometheus.Registry

	sessionsCreated  *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionsEnded    *prometheus.CounterVec
	messages         *prometheus.CounterVec
	escalations      *prometheus.CounterVec
	escalationTime   *prometheus.HistogramVec
	notifications    *prometheus.CounterVec
	channelSends     *prometheus.CounterVec
	alerts           *prometheus.CounterVec
	alertsUnresolved prometheus.Gauge
	connections      *prometheus.GaugeVec
	connectLatency   *prometheus.HistogramVec
	deliveries       *prometheus.CounterVec
	deliveryLatency  *prometheus.HistogramVec
	queueEvictions   prometheus.Counter
}

// NewCollector registers all metrics on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		sessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crisisrelay_sessions_created_total",
			Help: "Crisis sessions created, by session type",
		}, []string{"type"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "crisisrelay_sessions_active",
			Help: "Sessions currently tracked and not ended",
		}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crisisrelay_sessions_ended_total",
			Help: "Sessions ended, by reason",
		}, []string{"reason"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crisisrelay_messages_processed_total",
			Help: "Inbound messages processed, by assessed risk level",
		}, []string{"risk_level"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crisisrelay_escalations_total",
			Help: "Escalations triggered, by level and outcome",
		}, []string{"level", "outcome"}),
		escalationTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crisisrelay_escalation_response_seconds",
			Help:    "Time to execute an escalation protocol",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"level"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crisisrelay_notifications_total",
			Help: "Escalation notifications dispatched, by contact kind and result",
		}, []string{"kind", "result"}),
		channelSends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crisisrelay_notification_sends_total",
			Help: "Queued notification send attempts, by channel scheme and result",
		}, []string{"channel", "result"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crisisrelay_alerts_total",
			Help: "System alerts raised, by type and severity",
		}, []string{"type", "severity"}),
		alertsUnresolved: f.NewGauge(prometheus.GaugeOpts{
			Name: "crisisrelay_alerts_unresolved",
			Help: "System alerts awaiting operator resolution",
		}),
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crisisrelay_pool_connections",
			Help: "Pooled connections, by pool and state",
		}, []string{"pool", "state"}),
		connectLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crisisrelay_connect_seconds",
			Help:    "Connection establishment latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"pool", "pooled"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crisisrelay_deliveries_total",
			Help: "Per-connection message deliveries, by priority and result",
		}, []string{"priority", "result"}),
		deliveryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crisisrelay_delivery_seconds",
			Help:    "Message fan-out latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"priority"}),
		queueEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "crisisrelay_queue_evictions_total",
			Help: "Queued messages evicted to admit more urgent ones",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) SessionCreated(sessionType string) {
	if c == nil {
		return
	}
	c.sessionsCreated.WithLabelValues(sessionType).Inc()
}

func (c *Collector) SetActiveSessions(n int) {
	if c == nil {
		return
	}
	c.sessionsActive.Set(float64(n))
}

func (c *Collector) SessionEnded(reason string) {
	if c == nil {
		return
	}
	c.sessionsEnded.WithLabelValues(reason).Inc()
}

func (c *Collector) MessageProcessed(riskLevel string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(riskLevel).Inc()
}

func (c *Collector) Escalation(level int, outcome string, responseTime time.Duration) {
	if c == nil {
		return
	}
	l := levelLabel(level)
	c.escalations.WithLabelValues(l, outcome).Inc()
	c.escalationTime.WithLabelValues(l).Observe(responseTime.Seconds())
}

func (c *Collector) Notification(kind string, ok bool) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(kind, resultLabel(ok)).Inc()
}

// NotificationSend counts one attempt by the notification sender to deliver over channel.
func (c *Collector) NotificationSend(channel string, ok bool) {
	if c == nil {
		return
	}
	c.channelSends.WithLabelValues(channel, resultLabel(ok)).Inc()
}

func (c *Collector) Alert(alertType, severity string) {
	if c == nil {
		return
	}
	c.alerts.WithLabelValues(alertType, severity).Inc()
}

func (c *Collector) SetUnresolvedAlerts(n int) {
	if c == nil {
		return
	}
	c.alertsUnresolved.Set(float64(n))
}

// SetPoolConnections records live, stale and idle connection counts for a pool.
func (c *Collector) SetPoolConnections(pool string, live, stale, idle int) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(pool, "live").Set(float64(live))
	c.connections.WithLabelValues(pool, "stale").Set(float64(stale))
	c.connections.WithLabelValues(pool, "idle").Set(float64(idle))
}

func (c *Collector) Connect(pool string, pooled bool, latency time.Duration) {
	if c == nil {
		return
	}
	p := "false"
	if pooled {
		p = "true"
	}
	c.connectLatency.WithLabelValues(pool, p).Observe(latency.Seconds())
}

func (c *Collector) Delivery(priority int, ok bool) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(levelLabel(priority), resultLabel(ok)).Inc()
}

func (c *Collector) DeliveryLatency(priority int, d time.Duration) {
	if c == nil {
		return
	}
	c.deliveryLatency.WithLabelValues(levelLabel(priority)).Observe(d.Seconds())
}

func (c *Collector) QueueEviction() {
	if c == nil {
		return
	}
	c.queueEvictions.Inc()
}

func levelLabel(n int) string {
	const digits = "0123456789"
	if n >= 0 && n < 10 {
		return digits[n : n+1]
	}
	return "other"
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
