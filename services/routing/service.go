// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing provides the Windward routing HTTP service.
//
// The service exposes the master decision tree over HTTP:
//   - Tree statistics (node counts, depth, root visits, per-scenario view)
//   - Best-policy extraction (aggregate and per-scenario greedy walks)
//   - UCT queries for individual nodes
//   - Snapshot save and restore
//
// The service reads whatever tree it is handed; during a live run the
// aggregator remains the sole writer and reads here are eventually
// consistent with it.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/WindwardFOSS/services/routing/master"
	"github.com/AleutianAI/WindwardFOSS/services/routing/master/persist"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilTree indicates the service was constructed without a tree.
	ErrNilTree = errors.New("tree must not be nil")

	// ErrSnapshotsDisabled indicates a snapshot operation was requested but
	// no snapshot manager is configured.
	ErrSnapshotsDisabled = errors.New("snapshot persistence is not configured")
)

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// ServiceConfig configures the routing service.
type ServiceConfig struct {
	// SessionID identifies the run this service fronts. Required; used for
	// snapshot naming and journal scoping.
	SessionID string

	// Snapshots enables the snapshot endpoints when set.
	Snapshots *persist.SnapshotManager

	// Journal, when set alongside Snapshots, is checkpointed after each
	// snapshot save and replayed after each restore. Keeps the
	// restore-then-replay path exactly-once.
	Journal *persist.Journal

	// Logger receives structured service logs. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

// Service fronts a master tree for operational queries.
//
// Thread Safety: safe for concurrent use. Restore swaps the tree pointer
// under a write lock; all other operations read through a read lock.
type Service struct {
	cfg    ServiceConfig
	logger *slog.Logger

	mu         sync.RWMutex
	tree       *master.MasterTree
	aggregator *master.Aggregator

	restoring atomic.Bool
}

// NewService creates a routing service over the given tree.
func NewService(tree *master.MasterTree, cfg ServiceConfig) (*Service, error) {
	if tree == nil {
		return nil, ErrNilTree
	}
	if cfg.SessionID == "" {
		return nil, errors.New("SessionID is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "routing"), slog.String("session_id", cfg.SessionID)),
		tree:   tree,
	}, nil
}

// SetAggregator attaches a running aggregator so stats can report its
// counters. Optional; query-only deployments skip it.
func (s *Service) SetAggregator(agg *master.Aggregator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregator = agg
}

// Tree returns the tree the service currently fronts.
func (s *Service) Tree() *master.MasterTree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree
}

// SessionID returns the session this service fronts.
func (s *Service) SessionID() string {
	return s.cfg.SessionID
}

// Ready reports whether the service can answer queries. False while a
// restore is swapping the tree.
func (s *Service) Ready() bool {
	return !s.restoring.Load()
}

// Stats returns current tree statistics plus aggregator counters when an
// aggregator is attached.
func (s *Service) Stats(ctx context.Context) (StatsResponse, error) {
	if ctx == nil {
		return StatsResponse{}, master.ErrNilContext
	}
	s.mu.RLock()
	tree, agg := s.tree, s.aggregator
	s.mu.RUnlock()

	resp := StatsResponse{
		SessionID: s.cfg.SessionID,
		Tree:      tree.Stats(),
	}
	if agg != nil {
		resp.Aggregator = &AggregatorStats{
			Cycles:     agg.Cycles(),
			Integrated: agg.Integrated(),
		}
	}
	return resp, nil
}

// Policy extracts the current best policy, aggregate and per-scenario.
func (s *Service) Policy(ctx context.Context) (master.PolicySet, error) {
	if ctx == nil {
		return master.PolicySet{}, master.ErrNilContext
	}
	return s.Tree().BestPolicy(ctx)
}

// UCT returns the UCT value of a node, 0 for unknown hashes and the root.
func (s *Service) UCT(ctx context.Context, hash master.NodeHash) (float64, error) {
	if ctx == nil {
		return 0, master.ErrNilContext
	}
	return s.Tree().UCT(hash), nil
}

// SaveSnapshot exports the tree and persists it, then checkpoints the
// journal so replayed history starts after the snapshot point.
func (s *Service) SaveSnapshot(ctx context.Context) (*persist.SnapshotMetadata, error) {
	if ctx == nil {
		return nil, master.ErrNilContext
	}
	if s.cfg.Snapshots == nil {
		return nil, ErrSnapshotsDisabled
	}

	export, err := s.Tree().Export(ctx)
	if err != nil {
		return nil, fmt.Errorf("export tree: %w", err)
	}
	metadata, err := s.cfg.Snapshots.Save(ctx, s.cfg.SessionID, export)
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	if s.cfg.Journal != nil {
		// A failed checkpoint would leave batches the snapshot already
		// covers, and replaying those double-counts. Surface it.
		if err := s.cfg.Journal.Checkpoint(ctx); err != nil {
			return metadata, fmt.Errorf("snapshot saved but journal checkpoint failed: %w", err)
		}
	}
	s.logger.Info("snapshot saved",
		slog.Int("nodes", metadata.NodeCount),
		slog.Int64("compressed_bytes", metadata.CompressedBytes))
	return metadata, nil
}

// RestoreResult summarizes a completed restore.
type RestoreResult struct {
	SessionID       string
	Nodes           int
	BatchesReplayed int
	Metadata        *persist.SnapshotMetadata
}

// RestoreSnapshot rebuilds the tree from a saved snapshot and replays any
// journaled batches recorded after it, then swaps the restored tree in.
//
// Description:
//
//	Restore is exclusive: a second call while one is running fails with
//	persist.ErrRestoreInProgress. Queries keep answering from the old tree
//	until the swap. The journal is only replayed when it belongs to the
//	restored session; replaying another session's updates would corrupt
//	the tree.
//
// Inputs:
//   - ctx: required context.
//   - sessionID: session to restore. Empty means the service's own session.
//
// Outputs:
//   - RestoreResult: node count and replayed batch count.
//   - error: load, rebuild, or replay failure. The old tree stays in place
//     on any error.
func (s *Service) RestoreSnapshot(ctx context.Context, sessionID string) (RestoreResult, error) {
	if ctx == nil {
		return RestoreResult{}, master.ErrNilContext
	}
	if s.cfg.Snapshots == nil {
		return RestoreResult{}, ErrSnapshotsDisabled
	}
	if sessionID == "" {
		sessionID = s.cfg.SessionID
	}
	if !s.restoring.CompareAndSwap(false, true) {
		return RestoreResult{}, persist.ErrRestoreInProgress
	}
	defer s.restoring.Store(false)

	export, metadata, err := s.cfg.Snapshots.Load(ctx, sessionID)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("load snapshot: %w", err)
	}
	tree, err := master.RestoreTree(export, s.logger)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("rebuild tree: %w", err)
	}

	replayed := 0
	if s.cfg.Journal != nil && s.cfg.Journal.SessionID() == sessionID {
		replayed, err = s.cfg.Journal.Replay(ctx, func(batch *persist.JournalBatch) error {
			return tree.IntegrateBuffer(ctx, batch.Updates)
		})
		if err != nil {
			return RestoreResult{}, fmt.Errorf("replay journal: %w", err)
		}
	}

	s.mu.Lock()
	s.tree = tree
	s.mu.Unlock()

	s.logger.Info("snapshot restored",
		slog.String("restored_session", sessionID),
		slog.Int("nodes", tree.NodeCount()),
		slog.Int("batches_replayed", replayed))
	return RestoreResult{
		SessionID:       sessionID,
		Nodes:           tree.NodeCount(),
		BatchesReplayed: replayed,
		Metadata:        metadata,
	}, nil
}
