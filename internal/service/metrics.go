package service

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	requestsCreated   *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	escalations       *prometheus.CounterVec
	commitRetries     *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	notifyFailures    prometheus.Counter
	armedDeadlines    prometheus.Gauge
	completionTimes   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hr_approvals",
			Name:      "requests_created_total",
			Help:      "Approval requests created, by category and initial status.",
		}, []string{"category", "status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hr_approvals",
			Name:      "transitions_total",
			Help:      "Committed request transitions, by action and lane.",
		}, []string{"action", "lane"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hr_approvals",
			Name:      "escalations_total",
			Help:      "Escalations, by outcome (reassigned, no_target, stale).",
		}, []string{"outcome"}),
		commitRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hr_approvals",
			Name:      "transient_retries_total",
			Help:      "Retries of transient store or scheduler failures.",
		}, []string{"operation"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hr_approvals",
			Name:      "notifications_routed_total",
			Help:      "Notifications handed to the sink, by event type.",
		}, []string{"event_type"}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hr_approvals",
			Name:      "notification_failures_total",
			Help:      "Notification deliveries the sink rejected.",
		}),
		armedDeadlines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hr_approvals",
			Name:      "armed_deadlines",
			Help:      "Escalation timers currently armed in this process.",
		}),
		completionTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hr_approvals",
			Name:      "request_completion_seconds",
			Help:      "Time from submission to a terminal status.",
			Buckets:   []float64{60, 600, 3600, 4 * 3600, 24 * 3600, 72 * 3600, 168 * 3600},
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.requestsCreated,
			m.transitions,
			m.escalations,
			m.commitRetries,
			m.notifications,
			m.notifyFailures,
			m.armedDeadlines,
			m.completionTimes,
		)
	}
	return m
}
