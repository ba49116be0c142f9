package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapeq_tasks_claimed_total",
		Help: "Total number of tasks claimed by this worker",
	}, []string{"type"})

	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapeq_tasks_completed_total",
		Help: "Total number of task outcomes reported",
	}, []string{"type", "status"})

	tasksReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrapeq_tasks_reclaimed_total",
		Help: "Total number of expired leases returned to the queue",
	})

	claimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrapeq_claim_duration_seconds",
		Help:    "Time taken to claim a task from the store",
		Buckets: prometheus.DefBuckets,
	})

	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scrapeq_handler_duration_seconds",
		Help:    "Time taken by handler execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	queueWaitTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrapeq_queue_wait_duration_seconds",
		Help:    "Time a task spent queued before completion",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)
