package geoprice

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically removes expired store entries, finished executor
// bookkeeping and idle rate limiters.
type Janitor struct {
	store    Store
	executor *PoolExecutor
	limiter  *SubmitLimiter
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewJanitor creates a janitor running every interval. executor and limiter
// may be nil. maxAge bounds how long finished jobs stay visible to the
// executor and how long idle limiters are kept.
func NewJanitor(store Store, executor *PoolExecutor, limiter *SubmitLimiter, interval, maxAge time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:    store,
		executor: executor,
		limiter:  limiter,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs a first cleanup and starts the background loop.
func (j *Janitor) Start(ctx context.Context) {
	go j.cleanupLoop(ctx)
}

// Stop stops the loop and waits for it to exit.
func (j *Janitor) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

// cleanupLoop periodically cleans up expired entries
func (j *Janitor) cleanupLoop(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	j.Cleanup(ctx)

	for {
		select {
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Cleanup(ctx)
		}
	}
}

// Cleanup performs one cleanup pass.
func (j *Janitor) Cleanup(ctx context.Context) {
	if expirer, ok := j.store.(Expirer); ok {
		removed, err := expirer.CleanupExpired(ctx)
		if err != nil {
			j.logger.Warn("failed to cleanup expired records", "error", err)
		} else {
			j.logger.Debug("Cleanup: expired records removed", "count", removed)
		}
	}
	if j.executor != nil {
		pruned := j.executor.PruneFinished(j.maxAge)
		j.logger.Debug("Cleanup: finished jobs pruned", "count", pruned)
	}
	if j.limiter != nil {
		forgotten := j.limiter.Forget(j.maxAge)
		j.logger.Debug("Cleanup: idle limiters dropped", "count", forgotten)
	}
}
