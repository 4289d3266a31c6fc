package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type vaultMetrics struct {
	toolsLoaded      prometheus.Gauge
	toolLoadErrors   prometheus.Gauge
	reloadTotal      *prometheus.CounterVec
	descriptorEvents *prometheus.CounterVec

	authTotal      *prometheus.CounterVec
	activeSessions prometheus.Gauge
	lockoutTotal   prometheus.Counter

	keyUsageTotal   *prometheus.CounterVec
	accessDenied    *prometheus.CounterVec
	persistDuration prometheus.Histogram

	toolInvocationTotal    *prometheus.CounterVec
	toolInvocationDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *vaultMetrics
)

func getMetrics() *vaultMetrics {
	metricsOnce.Do(func() {
		m := &vaultMetrics{
			toolsLoaded: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tools_loaded",
					Help: "Current number of registered tools.",
				},
			),
			toolLoadErrors: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tool_load_errors",
					Help: "Current number of descriptors in a failed state.",
				},
			),
			reloadTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_reload_total",
					Help: "Total tool load/reload operations by outcome.",
				},
				[]string{"outcome"},
			),
			descriptorEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "descriptor_events_total",
					Help: "Descriptor monitor events by kind (new, changed, deleted).",
				},
				[]string{"kind"},
			),
			authTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "auth_attempts_total",
					Help: "Authentication attempts by scheme and outcome.",
				},
				[]string{"scheme", "outcome"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			lockoutTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "login_lockouts_total",
					Help: "Total login attempts rejected by the lockout policy.",
				},
			),
			keyUsageTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "api_key_usage_total",
					Help: "Total metered API key requests by key name.",
				},
				[]string{"key"},
			),
			accessDenied: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_access_denied_total",
					Help: "Tool access denials by credential kind.",
				},
				[]string{"kind"},
			),
			persistDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "record_persist_duration_seconds",
					Help:    "Durable record collection write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			toolInvocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_invocation_total",
					Help: "Total tool invocations by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolInvocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_invocation_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
		}

		prometheus.MustRegister(
			m.toolsLoaded,
			m.toolLoadErrors,
			m.reloadTotal,
			m.descriptorEvents,
			m.authTotal,
			m.activeSessions,
			m.lockoutTotal,
			m.keyUsageTotal,
			m.accessDenied,
			m.persistDuration,
			m.toolInvocationTotal,
			m.toolInvocationDuration,
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

func SetToolsLoaded(count, failed int) {
	m := getMetrics()
	m.toolsLoaded.Set(float64(count))
	m.toolLoadErrors.Set(float64(failed))
}

func RecordToolReload(success bool) {
	m := getMetrics()
	outcome := "error"
	if success {
		outcome = "success"
	}
	m.reloadTotal.WithLabelValues(outcome).Inc()
}

func RecordDescriptorEvent(kind string) {
	getMetrics().descriptorEvents.WithLabelValues(kind).Inc()
}

func RecordAuthAttempt(scheme, outcome string) {
	getMetrics().authTotal.WithLabelValues(scheme, outcome).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordLockout() {
	getMetrics().lockoutTotal.Inc()
}

func RecordKeyUsage(keyName string) {
	getMetrics().keyUsageTotal.WithLabelValues(keyName).Inc()
}

func RecordAccessDenied(kind string) {
	getMetrics().accessDenied.WithLabelValues(kind).Inc()
}

func RecordPersist(duration time.Duration) {
	getMetrics().persistDuration.Observe(duration.Seconds())
}

func RecordToolInvocation(toolName string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolInvocationTotal.WithLabelValues(toolName, status).Inc()
	m.toolInvocationDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}
