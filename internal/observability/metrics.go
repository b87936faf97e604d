package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	sessionTransitionsTotal *prometheus.CounterVec
	sessionsActive          prometheus.Gauge
	violationsTotal         *prometheus.CounterVec
	sessionLocksTotal       prometheus.Counter
	answersGradedTotal      *prometheus.CounterVec
	gradingQueueDepth       prometheus.Gauge
	gradingLatencySeconds   prometheus.Histogram
	analyticsCacheTotal     *prometheus.CounterVec
	proctorFlagsTotal       *prometheus.CounterVec
	evidenceUploadSeconds   prometheus.Histogram
	evidenceRejectedTotal   *prometheus.CounterVec

	notificationsPublishedTotal *prometheus.CounterVec
	sseClientsActive            prometheus.Gauge
	monitorClientsActive        prometheus.Gauge
	rateLimitedTotal            *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the exam engine.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_api_requests_total",
			Help: "Total number of exam engine API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exam_api_latency_seconds",
			Help:    "Latency distribution for exam engine API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_api_errors_total",
			Help: "Total number of error responses returned by exam engine endpoints.",
		}, []string{"method", "route", "status"})

		sessionTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_session_transitions_total",
			Help: "Session state machine operations by outcome.",
		}, []string{"operation", "outcome"})

		sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exam_sessions_active",
			Help: "Sessions started and not yet finished by this process.",
		})

		violationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_violations_total",
			Help: "Anti-cheat violations reported by type.",
		}, []string{"type"})

		sessionLocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exam_session_locks_total",
			Help: "Sessions locked after exceeding the tab switch allowance.",
		})

		answersGradedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_answers_graded_total",
			Help: "Answers graded by question type and grading mode.",
		}, []string{"type", "mode"})

		gradingQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exam_grading_queue_depth",
			Help: "Sessions waiting on the grading queue at the last poll.",
		})

		gradingLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exam_grading_session_seconds",
			Help:    "Time spent auto-grading one session.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		})

		analyticsCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_analytics_cache_total",
			Help: "Analytics cache lookups by result.",
		}, []string{"result"})

		proctorFlagsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_proctor_flags_total",
			Help: "Proctor flags raised by type.",
		}, []string{"type"})

		evidenceUploadSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exam_evidence_upload_seconds",
			Help:    "Latency of proctor evidence uploads.",
			Buckets: prometheus.DefBuckets,
		})

		evidenceRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_evidence_rejected_total",
			Help: "Proctor evidence uploads rejected by reason.",
		}, []string{"reason"})

		notificationsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_notifications_published_total",
			Help: "Notifications published by type.",
		}, []string{"type"})

		sseClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exam_notification_sse_clients",
			Help: "Connected notification stream clients.",
		})

		monitorClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exam_monitor_clients",
			Help: "Connected live proctor monitor clients.",
		})

		rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_rate_limited_total",
			Help: "Requests rejected by a rate limiter, by limiter name.",
		}, []string{"limiter"})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			sessionTransitionsTotal, sessionsActive, violationsTotal, sessionLocksTotal,
			answersGradedTotal, gradingQueueDepth, gradingLatencySeconds, analyticsCacheTotal,
			proctorFlagsTotal, evidenceUploadSeconds, evidenceRejectedTotal,
			notificationsPublishedTotal, sseClientsActive, monitorClientsActive, rateLimitedTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// SessionTransitions counts state machine operations.
func SessionTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return sessionTransitionsTotal
}

// SessionsActive tracks running sessions.
func SessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return sessionsActive
}

// Violations counts reported violations.
func Violations() *prometheus.CounterVec {
	RegisterMetrics()
	return violationsTotal
}

// SessionLocks counts lock transitions.
func SessionLocks() prometheus.Counter {
	RegisterMetrics()
	return sessionLocksTotal
}

// AnswersGraded counts graded answers.
func AnswersGraded() *prometheus.CounterVec {
	RegisterMetrics()
	return answersGradedTotal
}

// GradingQueueDepth reports the grading backlog.
func GradingQueueDepth() prometheus.Gauge {
	RegisterMetrics()
	return gradingQueueDepth
}

// GradingLatency observes per-session grading time.
func GradingLatency() prometheus.Histogram {
	RegisterMetrics()
	return gradingLatencySeconds
}

// AnalyticsCache counts cache hits and misses.
func AnalyticsCache() *prometheus.CounterVec {
	RegisterMetrics()
	return analyticsCacheTotal
}

// ProctorFlags counts raised flags.
func ProctorFlags() *prometheus.CounterVec {
	RegisterMetrics()
	return proctorFlagsTotal
}

// EvidenceUploadLatency observes evidence uploads.
func EvidenceUploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return evidenceUploadSeconds
}

// EvidenceRejected counts rejected evidence uploads.
func EvidenceRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return evidenceRejectedTotal
}

// NotificationsPublishedTotal counts published notifications.
func NotificationsPublishedTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsPublishedTotal
}

// SSEClientsActive tracks notification stream clients.
func SSEClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return sseClientsActive
}

// MonitorClientsActive tracks live monitor websocket clients.
func MonitorClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return monitorClientsActive
}

// RateLimited counts requests rejected by a named limiter.
func RateLimited() *prometheus.CounterVec {
	RegisterMetrics()
	return rateLimitedTotal
}
