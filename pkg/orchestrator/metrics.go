package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shotdiff",
		Name:      "sessions_started_total",
		Help:      "Remote browser sessions that reached ACTIVE.",
	})
	metricSessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shotdiff",
		Name:      "sessions_ended_total",
		Help:      "Remote browser sessions quit by the orchestrator.",
	})
	metricSessionsKilled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shotdiff",
		Name:      "sessions_force_killed_total",
		Help:      "Remote browser sessions ended through the grid's force-kill API.",
	})
	metricSessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shotdiff",
		Name:      "session_start_rejections_total",
		Help:      "Session starts the grid rejected and that were retried.",
	})
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shotdiff",
		Name:      "active_sessions",
		Help:      "Remote browser sessions currently ACTIVE.",
	})
	metricCaptureAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shotdiff",
		Name:      "capture_attempts_total",
		Help:      "Screenshots captured and diffed, retries included.",
	})
	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shotdiff",
		Name:      "capture_retries_total",
		Help:      "Captures repeated because the diff looked flaky.",
	})
	metricItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shotdiff",
		Name:      "items_total",
		Help:      "Finished work items by classification.",
	}, []string{"classification"})
	metricCapacityWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shotdiff",
		Name:      "capacity_waits_total",
		Help:      "Scheduling rounds that waited for grid capacity.",
	})
)

func recordSessionStarted() {
	metricSessionsStarted.Inc()
	metricActiveSessions.Inc()
}

func recordSessionEnded() {
	metricSessionsEnded.Inc()
	metricActiveSessions.Dec()
}

func recordSessionKilled() {
	metricSessionsKilled.Inc()
	metricActiveSessions.Dec()
}

func recordSessionRejected() {
	metricSessionsRejected.Inc()
}

func recordCaptureAttempt() {
	metricCaptureAttempts.Inc()
}

func recordRetry() {
	metricRetries.Inc()
}

func recordItem(item *WorkItem) {
	label := string(item.Classification)
	if item.Err != nil {
		label = "failed"
	}
	if label == "" {
		label = "unknown"
	}
	metricItems.WithLabelValues(label).Inc()
}

func recordCapacityWait() {
	metricCapacityWaits.Inc()
}
