package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notification_pipeline"

// Dead-letter reasons.
const (
	ReasonPermanentError = "permanent_error"
	ReasonRetryExhausted = "retry_exhausted"
	ReasonLeaseExpired   = "lease_expired"
)

// Scheduler requeue reasons.
const (
	RequeueRetryDue     = "retry_due"
	RequeueStalePending = "stale_pending"
	RequeueStaleClaim   = "stale_claim"
	RequeueStaleQueued  = "stale_queued"
)

// Metrics holds the Prometheus collectors shared by the api and worker binaries.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	submittedTotal         *prometheus.CounterVec
	publishFailuresTotal   *prometheus.CounterVec
	sentTotal              *prometheus.CounterVec
	deadLetteredTotal      *prometheus.CounterVec
	retryScheduledTotal    *prometheus.CounterVec
	casConflictsTotal      *prometheus.CounterVec
	sendDuration           *prometheus.HistogramVec
	workerInflight         *prometheus.GaugeVec
	schedulerRequeuedTotal *prometheus.CounterVec
	schedulerSweepDuration prometheus.Histogram
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests by method, path and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		submittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_submitted_total",
				Help:      "Notifications accepted at intake.",
			},
			[]string{"channel"},
		),
		publishFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_failures_total",
				Help:      "Delivery messages that could not be handed to the queue, by publishing component.",
			},
			[]string{"source"},
		),
		sentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Notifications delivered successfully.",
			},
			[]string{"channel"},
		),
		deadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dead_lettered_total",
				Help:      "Notifications moved to dead_lettered.",
			},
			[]string{"channel", "reason"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_scheduled_total",
				Help:      "Failed attempts scheduled for another try.",
			},
			[]string{"channel"},
		),
		casConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cas_conflicts_total",
				Help:      "Compare-and-swap writes that lost to a concurrent writer, by stage.",
			},
			[]string{"stage"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Channel send duration in seconds by channel and outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel", "outcome"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_inflight",
				Help:      "Deliveries currently being dispatched, by channel.",
			},
			[]string{"channel"},
		),
		schedulerRequeuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_requeued_total",
				Help:      "Records recovered by the scheduler sweep, by reason.",
			},
			[]string{"reason"},
		),
		schedulerSweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_sweep_duration_seconds",
				Help:      "Duration of one full scheduler sweep.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.submittedTotal,
		m.publishFailuresTotal,
		m.sentTotal,
		m.deadLetteredTotal,
		m.retryScheduledTotal,
		m.casConflictsTotal,
		m.sendDuration,
		m.workerInflight,
		m.schedulerRequeuedTotal,
		m.schedulerSweepDuration,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FiberHandler serves the registry on a fiber route.
func (m *Metrics) FiberHandler() fiber.Handler {
	return adaptor.HTTPHandler(m.Handler())
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncSubmitted(channel string) {
	if m == nil {
		return
	}
	m.submittedTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncPublishFailure(source string) {
	if m == nil {
		return
	}
	m.publishFailuresTotal.WithLabelValues(normalizeLabel(source)).Inc()
}

func (m *Metrics) IncSent(channel string) {
	if m == nil {
		return
	}
	m.sentTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncDeadLettered(channel string, reason string) {
	if m == nil {
		return
	}
	m.deadLetteredTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncRetryScheduled(channel string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncCASConflict(stage string) {
	if m == nil {
		return
	}
	m.casConflictsTotal.WithLabelValues(normalizeLabel(stage)).Inc()
}

func (m *Metrics) ObserveSendDuration(channel string, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(channel), normalizeLabel(outcome)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight(channel string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) DecWorkerInFlight(channel string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(channel)).Dec()
}

func (m *Metrics) AddSchedulerRequeued(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.schedulerRequeuedTotal.WithLabelValues(normalizeLabel(reason)).Add(float64(n))
}

func (m *Metrics) ObserveSchedulerSweep(duration time.Duration) {
	if m == nil {
		return
	}
	m.schedulerSweepDuration.Observe(duration.Seconds())
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(v string) string {
	normalized := strings.ToLower(strings.TrimSpace(v))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
