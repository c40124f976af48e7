package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattvault_lifecycle_task_runs_total",
			Help: "Total scheduled task executions by outcome",
		},
		[]string{"task", "status"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wattvault_lifecycle_task_duration_seconds",
			Help:    "Duration of scheduled task executions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	taskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattvault_lifecycle_task_retries_total",
			Help: "In-tick retries of failed task executions",
		},
		[]string{"task"},
	)
)
