// Package queue drains the durable command queue. Workers poll their pool,
// claim one item at a time and hand it to the executor; retry scheduling and
// deadlettering happen here.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"oms/internal/config"
	"oms/internal/core"
	"oms/internal/executor"
	"oms/internal/store"
	"oms/pkg/telemetry"
)

// Runner executes one claimed command to a terminal or retryable state.
type Runner interface {
	Execute(ctx context.Context, commandID int64) error
}

// Workers runs the polling loops for a set of pools.
type Workers struct {
	store  *store.Store
	runner Runner
	pools  []string
	cfg    config.QueueConfig
	logger core.ILogger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires the queue workers. pools lists the pool ids to drain, typically
// one per engine family.
func New(st *store.Store, runner Runner, pools []string, cfg config.QueueConfig, logger core.ILogger) *Workers {
	return &Workers{
		store:  st,
		runner: runner,
		pools:  pools,
		cfg:    cfg,
		logger: logger.WithField("component", "queue"),
	}
}

// Start launches cfg.Workers goroutines per pool.
func (w *Workers) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for _, pool := range w.pools {
		for i := 0; i < w.cfg.Workers; i++ {
			w.wg.Add(1)
			go w.run(ctx, pool, fmt.Sprintf("%s-%d", pool, i))
		}
	}
	w.logger.Info("Queue workers started", "pools", w.pools, "workers_per_pool", w.cfg.Workers)
}

// Stop cancels the loops and waits for in-flight commands to finish.
func (w *Workers) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Workers) run(ctx context.Context, poolID, workerID string) {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Duration(w.cfg.PollIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx, poolID, workerID)
		}
	}
}

// drain claims and executes items until the pool is momentarily empty.
func (w *Workers) drain(ctx context.Context, poolID, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := w.store.ClaimNextQueueItem(ctx, w.store.DB(), poolID, workerID)
		if err != nil {
			w.logger.Error("Queue claim failed", "pool", poolID, "error", err)
			return
		}
		if item == nil {
			break
		}
		telemetry.GetGlobalMetrics().IncQueueClaims(ctx, poolID)
		w.process(ctx, poolID, item)
	}

	if depth, err := w.store.QueueDepth(ctx, w.store.DB(), poolID); err == nil {
		telemetry.GetGlobalMetrics().SetQueueDepth(poolID, depth)
	}
}

// ProcessOne claims and processes a single item, reporting whether one was
// found. The dispatcher uses it for synchronous command draining in tests
// and reconcile-now paths.
func (w *Workers) ProcessOne(ctx context.Context, poolID, workerID string) (bool, error) {
	item, err := w.store.ClaimNextQueueItem(ctx, w.store.DB(), poolID, workerID)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	telemetry.GetGlobalMetrics().IncQueueClaims(ctx, poolID)
	w.process(ctx, poolID, item)
	return true, nil
}

func (w *Workers) process(ctx context.Context, poolID string, item *store.ClaimedItem) {
	err := w.runner.Execute(ctx, item.CommandID)
	switch {
	case err == nil:
		if err := w.store.MarkQueueDone(ctx, w.store.DB(), item.QueueID); err != nil {
			w.logger.Error("Failed to mark queue item done", "queue_id", item.QueueID, "error", err)
		}
	case executor.IsPermanent(err) || item.Attempts >= w.cfg.MaxAttempts:
		w.logger.Warn("Deadlettering command",
			"queue_id", item.QueueID, "command_id", item.CommandID,
			"attempts", item.Attempts, "error", err)
		if err := w.store.MarkQueueDead(ctx, w.store.DB(), item.QueueID); err != nil {
			w.logger.Error("Failed to deadletter queue item", "queue_id", item.QueueID, "error", err)
		}
	default:
		w.logger.Warn("Command failed, scheduling retry",
			"queue_id", item.QueueID, "command_id", item.CommandID,
			"attempts", item.Attempts, "error", err)
		if err := w.store.MarkQueueFailed(ctx, w.store.DB(), item.QueueID, w.cfg.RetryDelaySeconds); err != nil {
			w.logger.Error("Failed to reschedule queue item", "queue_id", item.QueueID, "error", err)
		}
	}
}
