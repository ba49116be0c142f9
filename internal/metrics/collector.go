// Package metrics samples queue-level gauges from the store on a fixed
// cadence for the /metrics endpoint.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"scrapeq/internal/queue"
)

const (
	defaultInterval = 5 * time.Second
	queryTimeout    = 2 * time.Second
)

var (
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrapeq_queue_depth",
		Help: "Number of queued tasks.",
	})
	tasksProcessingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrapeq_tasks_processing",
		Help: "Number of tasks currently claimed.",
	})
	tasksFailedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrapeq_tasks_failed",
		Help: "Number of tasks with exhausted attempts.",
	})
	workerCountGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrapeq_workers",
		Help: "Number of registered workers.",
	})
)

// StartCollector samples the store until ctx is cancelled.
func StartCollector(ctx context.Context, store *queue.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := collect(ctx, store); err != nil && logger != nil {
				logger.Warn("Queue metrics collection failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func collect(ctx context.Context, store *queue.Store) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	counts, err := store.StatusCounts(queryCtx)
	if err != nil {
		return err
	}
	queueDepthGauge.Set(float64(counts[queue.StatusQueued]))
	tasksProcessingGauge.Set(float64(counts[queue.StatusProcessing]))
	tasksFailedGauge.Set(float64(counts[queue.StatusFailed]))

	workers, err := store.ListWorkers(queryCtx)
	if err != nil {
		return err
	}
	workerCountGauge.Set(float64(len(workers)))
	return nil
}
