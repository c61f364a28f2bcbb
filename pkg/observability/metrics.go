package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session store metrics
	sessionSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballast_session_saves_total",
			Help: "Total number of session save attempts",
		},
		[]string{"status"},
	)

	sessionSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ballast_session_save_duration_seconds",
			Help:    "Session save duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	sessionGetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballast_session_gets_total",
			Help: "Total number of session reads",
		},
		[]string{"status"},
	)

	sessionGetDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ballast_session_get_duration_seconds",
			Help:    "Session read duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ballast_sessions_expired_total",
			Help: "Total number of sessions transitioned out by the expiry sweep",
		},
	)

	trimmedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ballast_session_trimmed_bytes_total",
			Help: "Total bytes removed from sessions by budget trimming",
		},
	)

	// Event log metrics
	eventAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballast_event_appends_total",
			Help: "Total number of events appended to the log",
		},
		[]string{"type", "priority"},
	)

	eventAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ballast_event_append_duration_seconds",
			Help:    "Event append duration in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		},
	)

	eventReplayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ballast_event_replay_duration_seconds",
			Help:    "Event replay duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	eventReplaySize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ballast_event_replay_events",
			Help:    "Number of events returned per replay",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
	)

	eventsCompactedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ballast_events_compacted_total",
			Help: "Total number of events dropped by retention compaction",
		},
	)

	// Health monitor metrics
	agentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ballast_agents",
			Help: "Number of monitored agents per liveness state",
		},
		[]string{"state"},
	)

	recoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballast_recovery_attempts_total",
			Help: "Total number of agent recovery attempts",
		},
		[]string{"status"},
	)

	// System metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ballast_active_sessions",
			Help: "Number of sessions currently in the active state",
		},
	)

	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ballast_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ballast_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers Prometheus metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			sessionSavesTotal,
			sessionSaveDuration,
			sessionGetsTotal,
			sessionGetDuration,
			sessionsExpiredTotal,
			trimmedBytesTotal,
			eventAppendsTotal,
			eventAppendDuration,
			eventReplayDuration,
			eventReplaySize,
			eventsCompactedTotal,
			agentStates,
			recoveryAttemptsTotal,
			activeSessions,
			memoryUsage,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionSave records a session save attempt.
func RecordSessionSave(status string, duration time.Duration) {
	sessionSavesTotal.WithLabelValues(status).Inc()
	sessionSaveDuration.Observe(duration.Seconds())
}

// RecordSessionGet records a session read.
func RecordSessionGet(status string, duration time.Duration) {
	sessionGetsTotal.WithLabelValues(status).Inc()
	sessionGetDuration.Observe(duration.Seconds())
}

// RecordSessionsExpired records sessions handled by an expiry sweep.
func RecordSessionsExpired(count int) {
	sessionsExpiredTotal.Add(float64(count))
}

// RecordTrimmedBytes records bytes removed by budget trimming.
func RecordTrimmedBytes(bytes int) {
	trimmedBytesTotal.Add(float64(bytes))
}

// RecordEventAppend records one event append.
func RecordEventAppend(eventType, priority string, duration time.Duration) {
	eventAppendsTotal.WithLabelValues(eventType, priority).Inc()
	eventAppendDuration.Observe(duration.Seconds())
}

// RecordEventReplay records one replay call.
func RecordEventReplay(duration time.Duration, count int) {
	eventReplayDuration.Observe(duration.Seconds())
	eventReplaySize.Observe(float64(count))
}

// RecordEventsCompacted records events dropped by a retention sweep.
func RecordEventsCompacted(count int) {
	eventsCompactedTotal.Add(float64(count))
}

// SetAgentStateCount sets the gauge for one agent liveness state.
func SetAgentStateCount(state string, count int) {
	agentStates.WithLabelValues(state).Set(float64(count))
}

// RecordRecoveryAttempt records one agent recovery attempt outcome.
func RecordRecoveryAttempt(status string) {
	recoveryAttemptsTotal.WithLabelValues(status).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// SetMemoryUsage sets the memory usage gauge.
func SetMemoryUsage(bytes uint64) {
	memoryUsage.Set(float64(bytes))
}

// SetGoroutines sets the goroutines gauge.
func SetGoroutines(count int) {
	goroutines.Set(float64(count))
}
