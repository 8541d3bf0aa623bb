// Package metrics exposes Prometheus collectors for the analysis service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                 *prometheus.CounterVec
	tasksTotal                *prometheus.CounterVec
	taskRetriesTotal          *prometheus.CounterVec
	duplicateCompletionsTotal *prometheus.CounterVec
	taskDurationSeconds       *prometheus.HistogramVec
	activeWorkers             prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagelens_jobs_total",
				Help: "Total number of jobs reaching a terminal state, labeled by state.",
			},
			[]string{"state"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagelens_tasks_total",
				Help: "Total number of task attempts reaching a terminal state, labeled by stage and state.",
			},
			[]string{"stage", "state"},
		)

		taskRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagelens_task_retries_total",
				Help: "Total number of task retries, labeled by stage.",
			},
			[]string{"stage"},
		)

		duplicateCompletionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagelens_duplicate_completions_total",
				Help: "Redelivered completion reports ignored as no-ops, labeled by stage.",
			},
			[]string{"stage"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagelens_task_duration_seconds",
				Help:    "Histogram of task execution latencies, labeled by stage.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stage"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagelens_active_workers",
				Help: "Number of workers currently executing a task.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob counts a job terminal transition.
func ObserveJob(state string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(state).Inc()
}

// ObserveTask counts a task attempt outcome.
func ObserveTask(stage, state string) {
	if tasksTotal == nil {
		return
	}
	tasksTotal.WithLabelValues(stage, state).Inc()
}

// ObserveRetry counts a task requeue.
func ObserveRetry(stage string) {
	if taskRetriesTotal == nil {
		return
	}
	taskRetriesTotal.WithLabelValues(stage).Inc()
}

// ObserveDuplicateCompletion counts an ignored duplicate completion report.
func ObserveDuplicateCompletion(stage string) {
	if duplicateCompletionsTotal == nil {
		return
	}
	duplicateCompletionsTotal.WithLabelValues(stage).Inc()
}

// ObserveTaskDuration records the execution latency for one task attempt.
func ObserveTaskDuration(stage string, d time.Duration) {
	if taskDurationSeconds == nil {
		return
	}
	taskDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// WorkerStarted increments the in-flight worker gauge.
func WorkerStarted() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// WorkerFinished decrements the in-flight worker gauge.
func WorkerFinished() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}
