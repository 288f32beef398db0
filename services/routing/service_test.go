// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/WindwardFOSS/services/routing/master"
	"github.com/AleutianAI/WindwardFOSS/services/routing/master/persist"
)

func newTestJournal(t *testing.T, sessionID string) *persist.Journal {
	t.Helper()
	journal, err := persist.NewJournal(persist.JournalConfig{
		SessionID: sessionID,
		InMemory:  true,
	})
	if err != nil {
		t.Fatalf("NewJournal() error = %v", err)
	}
	t.Cleanup(func() { journal.Close() })
	return journal
}

func newTestSnapshots(t *testing.T) *persist.SnapshotManager {
	t.Helper()
	cfg := persist.DefaultSnapshotConfig()
	cfg.BaseDir = t.TempDir()
	snapshots, err := persist.NewSnapshotManager(cfg)
	if err != nil {
		t.Fatalf("NewSnapshotManager() error = %v", err)
	}
	return snapshots
}

func TestService_RequiresTreeAndSession(t *testing.T) {
	if _, err := NewService(nil, ServiceConfig{SessionID: "s"}); !errors.Is(err, ErrNilTree) {
		t.Errorf("NewService(nil tree) error = %v, want ErrNilTree", err)
	}
	if _, err := NewService(newPopulatedTree(t), ServiceConfig{}); err == nil {
		t.Error("NewService() with empty SessionID should fail")
	}
}

func TestService_NilContextGuards(t *testing.T) {
	svc := newTestService(t, ServiceConfig{})

	//nolint:staticcheck // Intentionally testing nil context
	if _, err := svc.Stats(nil); !errors.Is(err, master.ErrNilContext) {
		t.Errorf("Stats(nil) error = %v, want ErrNilContext", err)
	}
	//nolint:staticcheck // Intentionally testing nil context
	if _, err := svc.Policy(nil); !errors.Is(err, master.ErrNilContext) {
		t.Errorf("Policy(nil) error = %v, want ErrNilContext", err)
	}
	//nolint:staticcheck // Intentionally testing nil context
	if _, err := svc.SaveSnapshot(nil); !errors.Is(err, master.ErrNilContext) {
		t.Errorf("SaveSnapshot(nil) error = %v, want ErrNilContext", err)
	}
	//nolint:staticcheck // Intentionally testing nil context
	if _, err := svc.RestoreSnapshot(nil, ""); !errors.Is(err, master.ErrNilContext) {
		t.Errorf("RestoreSnapshot(nil) error = %v, want ErrNilContext", err)
	}
}

// TestService_SnapshotCheckpointsJournal verifies the exactly-once contract
// across a snapshot boundary: batches covered by the snapshot are trimmed at
// checkpoint, and only batches journaled after it replay on restore.
func TestService_SnapshotCheckpointsJournal(t *testing.T) {
	ctx := context.Background()
	journal := newTestJournal(t, "test-session")
	svc := newTestService(t, ServiceConfig{
		Snapshots: newTestSnapshots(t),
		Journal:   journal,
	})

	// The populated tree's updates were journaled before integration.
	preSnapshot := []master.RewardUpdate{
		{Scenario: 0, Child: master.ComputeNodeHash([]int{90}), Parent: master.RootNodeHash(), Action: 90, Reward: 10},
	}
	if err := journal.AppendBatch(ctx, 0, preSnapshot); err != nil {
		t.Fatalf("AppendBatch() error = %v", err)
	}

	if _, err := svc.SaveSnapshot(ctx); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	// A batch drained after the snapshot: a new node under the arm-90 child.
	postSnapshot := []master.RewardUpdate{
		{
			Scenario: 0,
			Child:    master.ComputeNodeHash([]int{90, 45}),
			Parent:   master.ComputeNodeHash([]int{90}),
			Action:   45,
			Reward:   7,
		},
	}
	if err := journal.AppendBatch(ctx, 0, postSnapshot); err != nil {
		t.Fatalf("AppendBatch() error = %v", err)
	}

	result, err := svc.RestoreSnapshot(ctx, "")
	if err != nil {
		t.Fatalf("RestoreSnapshot() error = %v", err)
	}
	if result.BatchesReplayed != 1 {
		t.Errorf("BatchesReplayed = %d, want 1 (pre-snapshot batch must not replay)", result.BatchesReplayed)
	}
	if result.Nodes != 4 {
		t.Errorf("restored Nodes = %d, want 4 (3 from snapshot + 1 replayed)", result.Nodes)
	}
	if got := svc.Tree().NodeCount(); got != 4 {
		t.Errorf("Tree().NodeCount() = %d, want 4 after swap", got)
	}
}

// TestService_RestoreSkipsForeignJournal verifies the journal is left alone
// when restoring a different session's snapshot: replaying another run's
// updates onto it would double-count.
func TestService_RestoreSkipsForeignJournal(t *testing.T) {
	ctx := context.Background()
	snapshots := newTestSnapshots(t)

	// Session run-a saves a snapshot.
	srcSvc, err := NewService(newPopulatedTree(t), ServiceConfig{
		SessionID: "run-a",
		Snapshots: snapshots,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if _, err := srcSvc.SaveSnapshot(ctx); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	// Session run-b holds its own journaled batch, then restores run-a.
	journal := newTestJournal(t, "run-b")
	if err := journal.AppendBatch(ctx, 0, []master.RewardUpdate{
		{Scenario: 0, Child: master.ComputeNodeHash([]int{0}), Parent: master.RootNodeHash(), Action: 0, Reward: 1},
	}); err != nil {
		t.Fatalf("AppendBatch() error = %v", err)
	}

	svc, err := NewService(newPopulatedTree(t), ServiceConfig{
		SessionID: "run-b",
		Snapshots: snapshots,
		Journal:   journal,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	result, err := svc.RestoreSnapshot(ctx, "run-a")
	if err != nil {
		t.Fatalf("RestoreSnapshot() error = %v", err)
	}
	if result.BatchesReplayed != 0 {
		t.Errorf("BatchesReplayed = %d, want 0 for a foreign session", result.BatchesReplayed)
	}
	if result.Nodes != 3 {
		t.Errorf("restored Nodes = %d, want 3", result.Nodes)
	}
}
