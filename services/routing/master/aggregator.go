// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package master

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	pollCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "windward_aggregator_poll_cycles_total",
			Help: "Polling sweeps the aggregator has run",
		},
	)

	batchesDrainedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "windward_aggregator_batches_drained_total",
			Help: "Worker buffers drained for integration",
		},
	)

	drainSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "windward_aggregator_drain_size_updates",
			Help:    "Updates per drained worker batch",
			Buckets: []float64{1, 8, 32, 128, 512, 2048, 8192},
		},
	)

	quarantinedBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "windward_aggregator_quarantined_batches_total",
			Help: "Batches partially dropped after an integration fault",
		},
	)

	journalErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "windward_aggregator_journal_errors_total",
			Help: "Batches integrated without durable journaling",
		},
	)

	aggregatorStallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "windward_aggregator_stalls_total",
			Help: "Aggregation runs abandoned for lack of worker progress",
		},
	)
)

// -----------------------------------------------------------------------------
// WorkerHandle
// -----------------------------------------------------------------------------

// WorkerHandle is the master-side registration of one search worker: its
// update buffer plus the ready and finished signals the aggregator polls.
// The worker owns the producer side, the aggregator the consumer side;
// neither ever blocks the other.
//
// Thread Safety: safe for concurrent use.
type WorkerHandle struct {
	id       int
	buffer   *UpdateBuffer
	ready    atomic.Bool
	finished atomic.Bool
}

// NewWorkerHandle registers a worker under the given id.
func NewWorkerHandle(id int) *WorkerHandle {
	return &WorkerHandle{id: id, buffer: NewUpdateBuffer()}
}

// ID returns the worker's id.
func (w *WorkerHandle) ID() int {
	return w.id
}

// Buffer returns the worker's update buffer.
func (w *WorkerHandle) Buffer() *UpdateBuffer {
	return w.buffer
}

// Publish appends a batch of updates and signals the aggregator that the
// buffer is worth draining.
func (w *WorkerHandle) Publish(updates []RewardUpdate) {
	if len(updates) == 0 {
		return
	}
	w.buffer.AppendBatch(updates)
	w.ready.Store(true)
}

// SignalReady marks the buffer as worth draining. Workers that append
// through Buffer() directly call this once a batch is complete.
func (w *WorkerHandle) SignalReady() {
	w.ready.Store(true)
}

// Ready reports whether the worker has signalled since the last drain.
func (w *WorkerHandle) Ready() bool {
	return w.ready.Load()
}

// Finish marks the worker's search as complete. Any updates still buffered
// are drained by the aggregator's final sweep.
func (w *WorkerHandle) Finish() {
	w.finished.Store(true)
}

// Finished reports whether the worker has completed its search.
func (w *WorkerHandle) Finished() bool {
	return w.finished.Load()
}

func (w *WorkerHandle) clearReady() {
	w.ready.Store(false)
}

// -----------------------------------------------------------------------------
// Aggregator
// -----------------------------------------------------------------------------

// Aggregator is the single writer of a MasterTree. It polls worker handles
// on a fixed interval, drains ready buffers with an atomic copy-and-clear,
// journals each drained batch when a journal is attached, and integrates the
// batch into the tree. Workers never touch the tree; the aggregator never
// blocks a worker.
//
// Thread Safety: Run must be called from a single goroutine. The handle
// methods workers use are safe concurrently.
type Aggregator struct {
	tree    *MasterTree
	workers []*WorkerHandle
	cfg     AggregatorConfig
	journal UpdateJournal
	logger  *slog.Logger

	cycles     atomic.Uint64
	integrated atomic.Uint64
}

// NewAggregator wires an aggregator to a tree and a fixed set of worker
// handles.
//
// Inputs:
//   - tree: the shared tree. Must be non-nil.
//   - workers: registered workers. Must be non-empty.
//   - cfg: polling cadence and stall deadline. Validated before use.
//   - logger: structured logger. If nil, slog.Default() is used.
//
// Outputs:
//   - *Aggregator: ready to Run.
//   - error: ErrInvalidConfig on bad inputs.
func NewAggregator(tree *MasterTree, workers []*WorkerHandle, cfg AggregatorConfig, logger *slog.Logger) (*Aggregator, error) {
	if tree == nil {
		return nil, fmt.Errorf("tree cannot be nil: %w", ErrInvalidConfig)
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("at least one worker handle is required: %w", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		tree:    tree,
		workers: workers,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "aggregator")),
	}, nil
}

// SetJournal attaches an update journal. Drained batches are appended to the
// journal before integration; journal failures degrade durability but never
// stop aggregation.
func (a *Aggregator) SetJournal(journal UpdateJournal) {
	a.journal = journal
}

// Cycles returns the number of polling sweeps run so far.
func (a *Aggregator) Cycles() uint64 {
	return a.cycles.Load()
}

// Integrated returns the number of updates applied to the tree so far.
func (a *Aggregator) Integrated() uint64 {
	return a.integrated.Load()
}

// Run polls the worker handles until every worker has finished and its
// buffer is drained, the context is cancelled, or the stall deadline passes
// with no progress.
//
// Description:
//
//	Each sweep visits every worker: a ready buffer is drained, journaled,
//	and integrated in arrival order. A worker finishing counts as progress;
//	so does any drain. When all workers have finished, one final sweep
//	drains every buffer regardless of ready flags, so updates published
//	between a worker's last signal and its Finish are never lost.
//
// Inputs:
//   - ctx: cancellation. Required.
//
// Outputs:
//   - error: nil on normal completion, ctx.Err() on cancellation, or
//     ErrStalled when no worker made progress within the stall deadline.
//
// Example:
//
//	if err := agg.Run(ctx); errors.Is(err, master.ErrStalled) {
//	    log.Error("workers stopped reporting")
//	}
func (a *Aggregator) Run(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	_, span := a.tree.tracer.StartAggregation(ctx, len(a.workers))
	a.logger.Info("aggregation started",
		slog.Int("workers", len(a.workers)),
		slog.Duration("poll_interval", a.cfg.pollInterval()),
		slog.Duration("stall_timeout", a.cfg.stallTimeout()))

	ticker := time.NewTicker(a.cfg.pollInterval())
	defer ticker.Stop()

	lastProgress := time.Now()
	prevFinished := 0
	for {
		select {
		case <-ctx.Done():
			a.tree.tracer.EndAggregation(span, a.cycles.Load(), a.integrated.Load(), ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
		a.cycles.Add(1)
		pollCyclesTotal.Inc()

		progress := a.sweep(ctx, false)
		if finished := a.finishedCount(); finished > prevFinished {
			prevFinished = finished
			progress = true
		}
		if progress {
			lastProgress = time.Now()
		}

		if prevFinished == len(a.workers) {
			a.sweep(ctx, true)
			a.logger.Info("aggregation complete",
				slog.Uint64("cycles", a.cycles.Load()),
				slog.Uint64("updates_integrated", a.integrated.Load()),
				slog.Int("tree_nodes", a.tree.NodeCount()))
			a.tree.tracer.EndAggregation(span, a.cycles.Load(), a.integrated.Load(), nil)
			return nil
		}

		if stall := a.cfg.stallTimeout(); stall > 0 && time.Since(lastProgress) > stall {
			aggregatorStallsTotal.Inc()
			err := fmt.Errorf("%d of %d workers finished, none progressed in %s: %w",
				prevFinished, len(a.workers), stall, ErrStalled)
			a.logger.Error("aggregation stalled", slog.Any("error", err))
			a.tree.tracer.EndAggregation(span, a.cycles.Load(), a.integrated.Load(), err)
			return err
		}
	}
}

// sweep visits every worker once. When force is set, buffers are drained
// regardless of ready flags; this is the final sweep after all workers
// finish. Returns whether any buffer was drained.
func (a *Aggregator) sweep(ctx context.Context, force bool) bool {
	progress := false
	for _, w := range a.workers {
		if !force && !w.Ready() {
			continue
		}
		w.clearReady()
		batch := w.Buffer().Drain()
		if !force {
			progress = true
		}
		if len(batch) == 0 {
			continue
		}
		batchesDrainedTotal.Inc()
		drainSize.Observe(float64(len(batch)))

		if a.journal != nil {
			if err := a.journal.AppendBatch(ctx, w.ID(), batch); err != nil {
				journalErrorsTotal.Inc()
				a.logger.Warn("journal append failed, integrating without durability",
					slog.Int("worker_id", w.ID()),
					slog.Int("batch_size", len(batch)),
					slog.Any("error", err))
			}
		}

		if err := a.tree.IntegrateBuffer(ctx, batch); err != nil {
			quarantinedBatchesTotal.Inc()
			a.logger.Error("batch quarantined after integration fault",
				slog.Int("worker_id", w.ID()),
				slog.Int("batch_size", len(batch)),
				slog.Any("error", err))
			continue
		}
		a.integrated.Add(uint64(len(batch)))
	}
	return progress
}

func (a *Aggregator) finishedCount() int {
	finished := 0
	for _, w := range a.workers {
		if w.Finished() {
			finished++
		}
	}
	return finished
}
