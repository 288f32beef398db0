// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package master aggregates reward statistics from scenario-parallel Monte
// Carlo tree searches into a single shared decision tree.
//
// N workers each search the same decision space under a different weather
// scenario and periodically publish reward updates. The master tree folds
// every worker's statistics into one arena of nodes keyed by stable action
// sequence hashes, and answers scenario-probability-weighted queries:
// UCT values for worker guidance and greedy best policies for extraction.
//
// # Ownership model
//
// Each worker writes only its own UpdateBuffer. The Aggregator is the sole
// writer of the shared tree: it polls worker buffers, drains them with an
// atomic copy-and-clear handoff, and integrates the updates. Workers may
// read UCT concurrently; reads are eventually consistent with respect to
// in-flight integration.
//
// # Update model
//
// Updates are additive and non-idempotent: integrating the same update
// twice double-counts it. Within a run delivery is exactly-once (a drained
// batch is integrated once and never retried). Across restarts the persist
// package pairs snapshots with journal checkpoints so replay never
// re-applies updates a snapshot already covers.
//
// # Usage
//
//	cfg := master.DefaultConfig()
//	tree, err := master.NewMasterTree(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	workers := []*master.WorkerHandle{master.NewWorkerHandle(0), master.NewWorkerHandle(1)}
//	agg, err := master.NewAggregator(tree, workers, cfg.Aggregator, logger)
//	if err != nil {
//	    return err
//	}
//	if err := agg.Run(ctx); err != nil {
//	    return err
//	}
//	policy, err := tree.BestPolicy(ctx)
package master
