package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tenantlink"

type moduleMetrics struct {
	queueDepth    *prometheus.GaugeVec
	enqueueTotal  *prometheus.CounterVec
	rejectedTotal *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	sessionsActive     prometheus.Gauge
	sessionTransitions *prometheus.CounterVec
	sessionRemoteState *prometheus.GaugeVec
	lifecycleEvents    *prometheus.CounterVec

	webhookDeliveries *prometheus.CounterVec
	webhookDuration   prometheus.Histogram

	recoveryTotal *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_depth",
					Help:      "Pending tasks per delivery lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_enqueue_total",
					Help:      "Total tasks accepted by lane.",
				},
				[]string{"lane"},
			),
			rejectedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_rejected_total",
					Help:      "Total tasks rejected because the lane was full or closed.",
				},
				[]string{"reason"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "queue_task_duration_seconds",
					Help:      "Task execution duration in seconds by status.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			sessionsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "sessions_active",
					Help:      "Sessions currently held in the registry.",
				},
			),
			sessionTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_transitions_total",
					Help:      "Session state transitions by target state.",
				},
				[]string{"state"},
			),
			sessionRemoteState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "session_remote_state",
					Help:      "Sessions per remote state reported by the last probe.",
				},
				[]string{"state"},
			),
			lifecycleEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lifecycle_events_total",
					Help:      "Lifecycle events routed to tenant rooms.",
				},
				[]string{"event", "delivered"},
			),
			webhookDeliveries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "webhook_deliveries_total",
					Help:      "Webhook delivery attempts by outcome.",
				},
				[]string{"status"},
			),
			webhookDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "webhook_delivery_duration_seconds",
					Help:      "Webhook POST duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			recoveryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "recovery_total",
					Help:      "Sessions recovered at startup by outcome.",
				},
				[]string{"status"},
			),
			httpRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "http_requests_total",
					Help:      "HTTP API requests by route and status code.",
				},
				[]string{"route", "code"},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.rejectedTotal,
			m.taskDuration,
			m.sessionsActive,
			m.sessionTransitions,
			m.sessionRemoteState,
			m.lifecycleEvents,
			m.webhookDeliveries,
			m.webhookDuration,
			m.recoveryTotal,
			m.httpRequests,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordQueueRejected(reason string) {
	getMetrics().rejectedTotal.WithLabelValues(reason).Inc()
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, depth int) {
	m := getMetrics()
	m.taskDuration.WithLabelValues(outcome(success)).Observe(duration.Seconds())
	m.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// ForgetQueueLane drops the depth series of an idle lane.
func ForgetQueueLane(lane string) {
	getMetrics().queueDepth.DeleteLabelValues(lane)
}

func SetActiveSessions(count int) {
	getMetrics().sessionsActive.Set(float64(count))
}

func RecordSessionTransition(state string) {
	getMetrics().sessionTransitions.WithLabelValues(state).Inc()
}

// SetRemoteStates replaces the probe gauge with the given per-state counts.
func SetRemoteStates(counts map[string]int) {
	m := getMetrics()
	m.sessionRemoteState.Reset()
	for state, n := range counts {
		m.sessionRemoteState.WithLabelValues(state).Set(float64(n))
	}
}

func RecordLifecycleEvent(event string, delivered bool) {
	getMetrics().lifecycleEvents.WithLabelValues(event, strconv.FormatBool(delivered)).Inc()
}

// RecordWebhookDelivery counts a delivery. status is "ok", "http_error" or "error".
func RecordWebhookDelivery(status string, duration time.Duration) {
	m := getMetrics()
	m.webhookDeliveries.WithLabelValues(status).Inc()
	if duration > 0 {
		m.webhookDuration.Observe(duration.Seconds())
	}
}

func RecordRecovery(success bool) {
	getMetrics().recoveryTotal.WithLabelValues(outcome(success)).Inc()
}

func RecordHTTPRequest(route string, code int) {
	getMetrics().httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
