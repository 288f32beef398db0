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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/WindwardFOSS/services/routing"
	"github.com/AleutianAI/WindwardFOSS/services/routing/master"
	"github.com/AleutianAI/WindwardFOSS/services/routing/master/persist"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	replaySessionID     string // Session whose journal to read (required)
	replayDataDir       string // Root directory for journal and snapshot storage
	replayRebuild       bool   // Rebuild the session's tree and report it
	replaySkipCorrupted bool   // Skip corrupted journal entries instead of stopping
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// replayCmd inspects or rebuilds a session from its journal.
//
// # Description
//
// Without --rebuild, streams the session's journaled batches and prints a
// summary: batch and update counts, distinct workers, and the sequence
// range still held past the last checkpoint. With --rebuild, reconstructs
// the session's tree offline and prints its shape and best policy; the tree
// comes from the snapshot plus the batches journaled after it when a
// snapshot exists, and from the journal alone otherwise.
//
// # Examples
//
//	windward replay --session <id>                 # Journal summary
//	windward replay --session <id> --rebuild       # Rebuild and show policy
//	windward replay --session <id> --skip-corrupted
//
// # Limitations
//
//   - The journal store is single-process; stop the server using the same
//     data directory first.
//
// # Assumptions
//
//   - The session was run against this data directory.
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Inspect a session's journal or rebuild its tree offline",
	Long: `Reads a session's write-ahead journal.

The journal holds every update batch drained since the last snapshot
checkpoint. The default mode summarizes it without touching a tree; with
--rebuild the session's tree is reconstructed offline (snapshot plus journal
when a snapshot exists, journal alone otherwise) and its best policy
printed.

Examples:
  windward replay --session 2f1a...
  windward replay --session 2f1a... --rebuild
  windward replay --session 2f1a... --skip-corrupted`,
	Run: runReplayCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	replayCmd.Flags().StringVar(&replaySessionID, "session", "",
		"Session ID whose journal to read (required)")
	replayCmd.Flags().StringVar(&replayDataDir, "data-dir", "data",
		"Directory for journal and snapshot storage")
	replayCmd.Flags().BoolVar(&replayRebuild, "rebuild", false,
		"Rebuild the session's tree and report its shape and policy")
	replayCmd.Flags().BoolVar(&replaySkipCorrupted, "skip-corrupted", false,
		"Skip corrupted journal entries instead of stopping")
	rootCmd.AddCommand(replayCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runReplayCommand opens the session's journal and either summarizes it or
// rebuilds the tree it describes.
func runReplayCommand(cmd *cobra.Command, args []string) {
	if replaySessionID == "" {
		fmt.Fprintf(os.Stderr, "Flag --session is required\n")
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logger := slog.Default().With(slog.String("session_id", replaySessionID))
	journal, err := openJournal(replayDataDir, replaySessionID, replaySkipCorrupted, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Journal open failed: %v\n", err)
		os.Exit(1)
	}
	defer journal.Close()

	if replayRebuild {
		rebuildSession(ctx, journal, logger)
		return
	}
	summarizeJournal(ctx, journal)
}

// summarizeJournal streams the journal once and prints counts without
// building a tree.
func summarizeJournal(ctx context.Context, journal *persist.Journal) {
	stream, err := journal.ReplayStream(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Journal stream failed: %v\n", err)
		os.Exit(1)
	}
	report := journalReport{SessionID: replaySessionID}
	workers := make(map[int]struct{})
	for item := range stream {
		switch {
		case item.Skipped:
			report.Skipped++
		case item.Err != nil:
			fmt.Fprintf(os.Stderr, "Journal read failed at seq %d: %v\n", item.Seq, item.Err)
			os.Exit(1)
		default:
			if report.Batches == 0 {
				report.FirstSeq = item.Batch.Seq
			}
			report.Batches++
			report.Updates += len(item.Batch.Updates)
			report.LastSeq = item.Batch.Seq
			workers[item.Batch.WorkerID] = struct{}{}
		}
	}
	report.Workers = len(workers)
	printJSON(report)
}

// rebuildSession reconstructs the session's tree offline and prints its
// shape and best policy.
func rebuildSession(ctx context.Context, journal *persist.Journal, logger *slog.Logger) {
	tree, err := master.NewMasterTree(config, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Tree construction failed: %v\n", err)
		os.Exit(1)
	}
	snapshots, err := openSnapshots(replayDataDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Snapshot manager failed: %v\n", err)
		os.Exit(1)
	}
	svc, err := routing.NewService(tree, routing.ServiceConfig{
		SessionID: replaySessionID,
		Snapshots: snapshots,
		Journal:   journal,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service construction failed: %v\n", err)
		os.Exit(1)
	}

	report := rebuildReport{SessionID: replaySessionID}
	if snapshots.HasSnapshot(replaySessionID) {
		result, err := svc.RestoreSnapshot(ctx, replaySessionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Rebuild failed: %v\n", err)
			os.Exit(1)
		}
		report.FromSnapshot = true
		report.BatchesReplayed = result.BatchesReplayed
	} else {
		applied, err := journal.Replay(ctx, func(batch *persist.JournalBatch) error {
			return tree.IntegrateBuffer(ctx, batch.Updates)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Rebuild failed: %v\n", err)
			os.Exit(1)
		}
		report.BatchesReplayed = applied
	}

	policy, err := svc.Policy(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Policy extraction failed: %v\n", err)
		os.Exit(1)
	}
	report.Policy = &policy
	rebuilt := svc.Tree()
	report.Nodes = rebuilt.NodeCount()
	if depth, ok := rebuilt.MaxDepth(); ok {
		report.MaxDepth = depth
	}
	printJSON(report)
}

// =============================================================================
// OUTPUT FORMATTING
// =============================================================================

// journalReport summarizes a journal without rebuilding a tree.
type journalReport struct {
	SessionID string `json:"session_id"`
	Batches   int    `json:"batches"`
	Updates   int    `json:"updates"`
	Workers   int    `json:"workers"`
	FirstSeq  uint64 `json:"first_seq"`
	LastSeq   uint64 `json:"last_seq"`
	Skipped   int    `json:"skipped,omitempty"`
}

// rebuildReport describes an offline tree reconstruction.
type rebuildReport struct {
	SessionID       string            `json:"session_id"`
	FromSnapshot    bool              `json:"from_snapshot"`
	BatchesReplayed int               `json:"batches_replayed"`
	Nodes           int               `json:"tree_nodes"`
	MaxDepth        int               `json:"max_depth"`
	Policy          *master.PolicySet `json:"policy,omitempty"`
}
