package settler

import (
	"context"
	"time"

	"github.com/speedrun-hq/speedrun-settler/pkg/intents"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/metrics"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/pool"
	"github.com/speedrun-hq/speedrun-settler/pkg/quote"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
)

const metricsInterval = 30 * time.Second

var allStatuses = []models.Status{
	models.StatusPending,
	models.StatusFilled,
	models.StatusSettling,
	models.StatusSettled,
	models.StatusExpired,
	models.StatusFailed,
}

// MetricsManager refreshes the gauges that are sampled rather than counted
type MetricsManager struct {
	book     *intents.Book
	pools    *pool.Registry
	reserves quote.ReserveReader
	logger   logger.Logger
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(book *intents.Book, pools *pool.Registry, reserves quote.ReserveReader, log logger.Logger) *MetricsManager {
	return &MetricsManager{
		book:     book,
		pools:    pools,
		reserves: reserves,
		logger:   log,
	}
}

// UpdateMetrics samples intent counts and pool reserves
func (mm *MetricsManager) UpdateMetrics(ctx context.Context) {
	mm.logger.Debug("Updating metrics...")

	all, err := mm.book.List(ctx, storage.ListFilter{})
	if err != nil {
		mm.logger.Error("Failed to list intents for metrics: %v", err)
	} else {
		counts := make(map[models.Status]int, len(allStatuses))
		queued := 0
		for _, intent := range all {
			counts[intent.Status]++
			if intent.NeedsReconciliation {
				queued++
			}
		}
		for _, status := range allStatuses {
			metrics.IntentsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
		metrics.ReconciliationQueueSize.Set(float64(queued))
	}

	// reading reserves publishes the pool gauges
	for _, p := range mm.pools.Pools() {
		if _, err := mm.reserves.Reserves(ctx, p); err != nil {
			mm.logger.Debug("Failed to read reserves of pool %s: %v", p.ID, err)
		}
	}

	mm.logger.Debug("Metrics update completed")
}

// StartMetricsUpdater updates metrics until ctx is done
func (mm *MetricsManager) StartMetricsUpdater(ctx context.Context) {
	mm.logger.Info("Starting metrics updater")
	mm.UpdateMetrics(ctx)

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mm.logger.Info("Metrics updater shutting down")
			return
		case <-ticker.C:
			mm.UpdateMetrics(ctx)
		}
	}
}
