// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/WindwardFOSS/services/routing"
	"github.com/AleutianAI/WindwardFOSS/services/routing/master"
	"github.com/AleutianAI/WindwardFOSS/services/routing/master/persist"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	searchWorkers    int     // Worker count; 0 runs one per scenario
	searchDuration   string  // How long workers publish (e.g. 10s, 1m)
	searchRate       float64 // Updates per second per worker
	searchBatch      int     // Updates per published batch
	searchMaxDepth   int     // Deepest action sequence workers explore
	searchSeed       int64   // RNG seed; 0 derives one from the clock
	searchSessionID  string  // Session identity; empty generates a fresh UUID
	searchDataDir    string  // Root directory for journal and snapshot storage
	searchNoSnapshot bool    // Skip the snapshot save at the end of the run
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// searchCmd drives a demo workload through the aggregation pipeline.
//
// # Description
//
// Stands in for the real per-scenario search processes: demo workers expand
// random action sequences and publish rate-limited reward updates through
// worker buffers while the aggregator polls, journals, and integrates them
// into a fresh master tree. The run ends with a snapshot save and a JSON
// summary on stdout.
//
// # Examples
//
//	windward search                             # One worker per scenario, 10s
//	windward search --duration 1m --rate 1000   # Heavier load
//	windward search --workers 8 --batch 64      # More workers per scenario
//	windward search --seed 42                   # Reproducible load
//
// # Limitations
//
//   - Rewards are synthetic: headings near a per-scenario bearing score
//     higher, so the reported policy reflects that bias, not real weather.
//
// # Assumptions
//
//   - The data directory is writable.
var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Drive a demo search workload through the aggregation pipeline",
	Long: `Runs a self-contained aggregation demo.

Demo workers play the role of per-scenario route searches: each one expands
random action sequences and publishes reward updates through its worker
buffer at a fixed rate. The aggregator polls the buffers, journals every
drained batch, and folds the updates into a fresh master tree. When the
duration elapses the tree is snapshotted, the journal checkpointed, and a
summary with the extracted best policy is printed as JSON.

Examples:
  windward search
  windward search --duration 1m --rate 1000 --batch 64
  windward search --workers 8 --max-depth 10 --seed 42`,
	Run: runSearchCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	searchCmd.Flags().IntVar(&searchWorkers, "workers", 0,
		"Number of demo workers (0 runs one per scenario)")
	searchCmd.Flags().StringVar(&searchDuration, "duration", "10s",
		"How long workers publish updates (e.g. 10s, 1m)")
	searchCmd.Flags().Float64Var(&searchRate, "rate", 500,
		"Updates per second per worker")
	searchCmd.Flags().IntVar(&searchBatch, "batch", 32,
		"Updates per published batch")
	searchCmd.Flags().IntVar(&searchMaxDepth, "max-depth", 6,
		"Deepest action sequence workers explore")
	searchCmd.Flags().Int64Var(&searchSeed, "seed", 0,
		"RNG seed (0 derives one from the clock)")
	searchCmd.Flags().StringVar(&searchSessionID, "session", "",
		"Session ID (default: a fresh UUID)")
	searchCmd.Flags().StringVar(&searchDataDir, "data-dir", "data",
		"Directory for journal and snapshot storage")
	searchCmd.Flags().BoolVar(&searchNoSnapshot, "no-snapshot", false,
		"Skip the snapshot save at the end of the run")
	rootCmd.AddCommand(searchCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runSearchCommand wires workers, aggregator, journal, and tree together,
// runs the load, and prints a JSON summary.
//
// # Description
//
// Builds a fresh tree and one worker handle per demo worker, starts the
// aggregator and the workers under an errgroup, and waits for the workers
// to finish (deadline) or the run to be interrupted. Reporting and the
// final snapshot run on a fresh context so Ctrl+C still yields a summary
// of whatever was integrated.
//
// # Inputs
//
//   - cmd: Cobra command (unused)
//   - args: Command arguments (unused)
//
// # Outputs
//
// Prints a searchSummary to stdout. Exits with code 1 on failure.
func runSearchCommand(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	duration, err := time.ParseDuration(searchDuration)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid duration %q: %v\n", searchDuration, err)
		os.Exit(1)
	}
	if searchRate <= 0 || searchBatch < 1 || searchMaxDepth < 1 {
		fmt.Fprintf(os.Stderr, "Flags --rate, --batch, and --max-depth must be positive\n")
		os.Exit(1)
	}
	workers := searchWorkers
	if workers <= 0 {
		workers = config.Tree.NumScenarios
	}
	seed := searchSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sessionID := searchSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := slog.Default().With(slog.String("session_id", sessionID))

	tree, err := master.NewMasterTree(config, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Tree construction failed: %v\n", err)
		os.Exit(1)
	}
	snapshots, err := openSnapshots(searchDataDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Snapshot manager failed: %v\n", err)
		os.Exit(1)
	}
	journal, err := openJournal(searchDataDir, sessionID, false, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Journal open failed: %v\n", err)
		os.Exit(1)
	}
	defer journal.Close()

	svc, err := routing.NewService(tree, routing.ServiceConfig{
		SessionID: sessionID,
		Snapshots: snapshots,
		Journal:   journal,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service construction failed: %v\n", err)
		os.Exit(1)
	}

	handles := make([]*master.WorkerHandle, workers)
	for i := range handles {
		handles[i] = master.NewWorkerHandle(i)
	}
	agg, err := master.NewAggregator(tree, handles, config.Aggregator, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Aggregator construction failed: %v\n", err)
		os.Exit(1)
	}
	agg.SetJournal(journal)

	logger.Info("search load starting",
		slog.Int("workers", workers),
		slog.Duration("duration", duration),
		slog.Float64("rate_per_worker", searchRate),
		slog.Int64("seed", seed))

	deadline := time.Now().Add(duration)
	var published atomic.Uint64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return agg.Run(gctx)
	})
	for i, handle := range handles {
		worker := newDemoWorker(handle, demoWorkerConfig{
			scenario:  i % config.Tree.NumScenarios,
			preferred: (i % config.Tree.NumScenarios) * 360 / config.Tree.NumScenarios,
			actions:   config.Tree.Actions,
			seed:      seed + int64(i),
			perSecond: searchRate,
			batchSize: searchBatch,
			maxDepth:  searchMaxDepth,
		})
		g.Go(func() error {
			published.Add(worker.run(gctx, deadline))
			return nil
		})
	}

	err = g.Wait()
	interrupted := errors.Is(err, context.Canceled)
	if err != nil && !interrupted {
		fmt.Fprintf(os.Stderr, "Search run failed: %v\n", err)
		os.Exit(1)
	}

	// The signal context may already be cancelled; report and snapshot on a
	// fresh one.
	finCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary := searchSummary{
		SessionID:   sessionID,
		Workers:     workers,
		Scenarios:   config.Tree.NumScenarios,
		Duration:    duration.String(),
		Interrupted: interrupted,
		Published:   published.Load(),
		Integrated:  agg.Integrated(),
		PollCycles:  agg.Cycles(),
		Nodes:       tree.NodeCount(),
	}

	policy, err := svc.Policy(finCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Policy extraction failed: %v\n", err)
		os.Exit(1)
	}
	summary.Policy = &policy
	if depth, ok := tree.MaxDepth(); ok {
		summary.MaxDepth = depth
	}

	if !searchNoSnapshot {
		metadata, err := svc.SaveSnapshot(finCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Snapshot save failed: %v\n", err)
			os.Exit(1)
		}
		summary.Snapshot = metadata
	}
	summary.Journal = journal.Stats()

	printJSON(summary)
}

// =============================================================================
// DEMO WORKERS
// =============================================================================

// demoWorkerConfig sizes one demo worker's load.
type demoWorkerConfig struct {
	scenario  int
	preferred int // heading this scenario's rewards favor
	actions   []int
	seed      int64
	perSecond float64
	batchSize int
	maxDepth  int
}

// demoWorker stands in for one scenario's search process. It expands random
// action sequences top-down and publishes each expansion as a reward update,
// always naming a parent it has already published (or the root), so
// integration never sees an orphan.
type demoWorker struct {
	cfg     demoWorkerConfig
	handle  *master.WorkerHandle
	rng     *rand.Rand
	limiter *rate.Limiter

	// known holds every action sequence published so far, the empty root
	// sequence first. Repeats are fine; a revisit just adds reward.
	known [][]int
}

func newDemoWorker(handle *master.WorkerHandle, cfg demoWorkerConfig) *demoWorker {
	return &demoWorker{
		cfg:     cfg,
		handle:  handle,
		rng:     rand.New(rand.NewSource(cfg.seed)),
		limiter: rate.NewLimiter(rate.Limit(cfg.perSecond), cfg.batchSize),
		known:   [][]int{{}},
	}
}

// run publishes rollouts until the deadline or cancellation, flushes the
// last partial batch, and signals completion. Returns the number of updates
// published.
func (w *demoWorker) run(ctx context.Context, deadline time.Time) uint64 {
	defer w.handle.Finish()
	var published uint64
	batch := make([]master.RewardUpdate, 0, w.cfg.batchSize)
	for time.Now().Before(deadline) {
		if err := w.limiter.Wait(ctx); err != nil {
			break
		}
		batch = append(batch, w.rollout())
		if len(batch) >= w.cfg.batchSize {
			w.handle.Publish(batch)
			published += uint64(len(batch))
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		w.handle.Publish(batch)
		published += uint64(len(batch))
	}
	return published
}

// rollout extends one already-published sequence by a random action and
// scores it. Sequences at the depth cap restart from the root.
func (w *demoWorker) rollout() master.RewardUpdate {
	parent := w.known[w.rng.Intn(len(w.known))]
	if len(parent) >= w.cfg.maxDepth {
		parent = w.known[0]
	}
	action := w.cfg.actions[w.rng.Intn(len(w.cfg.actions))]
	child := make([]int, len(parent)+1)
	copy(child, parent)
	child[len(parent)] = action
	w.known = append(w.known, child)
	return master.RewardUpdate{
		Scenario: w.cfg.scenario,
		Child:    master.ComputeNodeHash(child),
		Parent:   master.ComputeNodeHash(parent),
		Action:   action,
		Reward:   w.reward(action),
	}
}

// reward scores a heading against the scenario's preferred bearing plus
// noise. Values stay within [0, 100), inside the default histogram range.
func (w *demoWorker) reward(action int) float64 {
	dist := float64(angularDistance(action, w.cfg.preferred))
	base := 80 - dist*80/180
	return base + w.rng.Float64()*20
}

// angularDistance returns the smaller arc between two headings in degrees.
func angularDistance(a, b int) int {
	d := (a - b) % 360
	if d < 0 {
		d += 360
	}
	if d > 180 {
		d = 360 - d
	}
	return d
}

// =============================================================================
// OUTPUT FORMATTING
// =============================================================================

// searchSummary is the JSON report printed at the end of a run.
type searchSummary struct {
	SessionID   string                    `json:"session_id"`
	Workers     int                       `json:"workers"`
	Scenarios   int                       `json:"scenarios"`
	Duration    string                    `json:"duration"`
	Interrupted bool                      `json:"interrupted,omitempty"`
	Published   uint64                    `json:"updates_published"`
	Integrated  uint64                    `json:"updates_integrated"`
	PollCycles  uint64                    `json:"poll_cycles"`
	Nodes       int                       `json:"tree_nodes"`
	MaxDepth    int                       `json:"max_depth"`
	Policy      *master.PolicySet         `json:"policy,omitempty"`
	Snapshot    *persist.SnapshotMetadata `json:"snapshot,omitempty"`
	Journal     persist.JournalStats      `json:"journal"`
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode output: %v\n", err)
		os.Exit(1)
	}
}
