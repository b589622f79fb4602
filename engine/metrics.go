// ABOUTME: Prometheus instrumentation for runs, tasks, retries, cache lookups, checkpoints, and dropped events.
// ABOUTME: A nil *Metrics is valid and records nothing.
package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	tasks            *prometheus.CounterVec
	attempts         prometheus.Counter
	retries          prometheus.Counter
	cacheLookups     *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	runs             *prometheus.CounterVec
	checkpointErrors prometheus.Counter
	droppedEvents    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipewright",
				Subsystem: "engine",
				Name:      "tasks_total",
				Help:      "Tasks reaching a terminal status",
			}, []string{"status"}),
		attempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pipewright",
				Subsystem: "engine",
				Name:      "task_attempts_total",
				Help:      "Executor invocations",
			}),
		retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pipewright",
				Subsystem: "engine",
				Name:      "task_retries_total",
				Help:      "Attempts scheduled for retry",
			}),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipewright",
				Subsystem: "engine",
				Name:      "cache_lookups_total",
				Help:      "Result cache lookups by result",
			}, []string{"result"}),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pipewright",
				Subsystem: "engine",
				Name:      "task_duration_seconds",
				Help:      "Executor attempt duration",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16),
			}, []string{"type"}),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipewright",
				Subsystem: "engine",
				Name:      "runs_total",
				Help:      "Runs reaching a terminal status",
			}, []string{"status"}),
		checkpointErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pipewright",
				Subsystem: "engine",
				Name:      "checkpoint_errors_total",
				Help:      "Failed checkpoint saves",
			}),
		droppedEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pipewright",
				Subsystem: "engine",
				Name:      "dropped_events_total",
				Help:      "Progress events discarded by slow subscribers",
			}),
	}
	if reg != nil {
		reg.MustRegister(
			m.tasks, m.attempts, m.retries, m.cacheLookups,
			m.taskDuration, m.runs, m.checkpointErrors, m.droppedEvents,
		)
	}
	return m
}

func (m *Metrics) taskFinished(status TaskStatus) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) attemptStarted() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

func (m *Metrics) retryScheduled() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) cacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) observeAttempt(nodeType string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(nodeType).Observe(d.Seconds())
}

func (m *Metrics) runFinished(status RunStatus) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) checkpointFailed() {
	if m == nil {
		return
	}
	m.checkpointErrors.Inc()
}

func (m *Metrics) eventDropped() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}
