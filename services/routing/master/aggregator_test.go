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
	"errors"
	"sync"
	"testing"
	"time"
)

func fastAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{PollIntervalMs: 1, StallTimeoutSec: 30}
}

func TestNewAggregatorValidation(t *testing.T) {
	tree := testTree(t)
	w := NewWorkerHandle(0)
	if _, err := NewAggregator(nil, []*WorkerHandle{w}, fastAggregatorConfig(), nil); err == nil {
		t.Error("nil tree expected error")
	}
	if _, err := NewAggregator(tree, nil, fastAggregatorConfig(), nil); err == nil {
		t.Error("no workers expected error")
	}
	if _, err := NewAggregator(tree, []*WorkerHandle{w}, AggregatorConfig{PollIntervalMs: 0}, nil); err == nil {
		t.Error("zero poll interval expected error")
	}
}

func TestAggregatorRunDrainsAllWorkers(t *testing.T) {
	tree := testTree(t)
	w0 := NewWorkerHandle(0)
	w1 := NewWorkerHandle(1)
	agg, err := NewAggregator(tree, []*WorkerHandle{w0, w1}, fastAggregatorConfig(), nil)
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}

	c90 := ComputeNodeHash([]int{90})
	c180 := ComputeNodeHash([]int{180})
	w0.Publish([]RewardUpdate{
		{Scenario: 0, Child: c90, Parent: RootNodeHash(), Action: 90, Reward: 10},
	})
	w0.Finish()
	// Worker 1 appends without signalling and then finishes: the final
	// sweep must still pick the batch up.
	w1.Buffer().AppendBatch([]RewardUpdate{
		{Scenario: 1, Child: c180, Parent: RootNodeHash(), Action: 180, Reward: 4},
	})
	w1.Finish()

	if err := agg.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := agg.Integrated(); got != 2 {
		t.Errorf("Integrated() = %d, want 2", got)
	}
	if got := tree.NodeCount(); got != 3 {
		t.Errorf("NodeCount() = %d, want 3", got)
	}
	if got := tree.Root().actionTotal(0, 90); got != 1 {
		t.Errorf("root cell (0, 90) = %d, want 1", got)
	}
	if got := tree.Root().actionTotal(1, 180); got != 1 {
		t.Errorf("root cell (1, 180) = %d, want 1", got)
	}
}

// TestAggregatorConcurrentWorkers emulates the real shape of a run: worker
// goroutines publishing batches while the aggregator polls, then finishing.
func TestAggregatorConcurrentWorkers(t *testing.T) {
	tree := testTree(t)
	workers := []*WorkerHandle{NewWorkerHandle(0), NewWorkerHandle(1), NewWorkerHandle(2)}
	agg, err := NewAggregator(tree, workers, fastAggregatorConfig(), nil)
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}

	const batches = 20
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(worker *WorkerHandle, scenario int) {
			defer wg.Done()
			child := ComputeNodeHash([]int{90})
			for b := 0; b < batches; b++ {
				worker.Publish([]RewardUpdate{
					{Scenario: scenario % tree.NumScenarios(), Child: child, Parent: RootNodeHash(), Action: 90, Reward: 5},
				})
				time.Sleep(time.Millisecond)
			}
			worker.Finish()
		}(w, i)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- agg.Run(context.Background()) }()
	wg.Wait()
	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := uint64(len(workers) * batches)
	if got := agg.Integrated(); got != want {
		t.Errorf("Integrated() = %d, want %d", got, want)
	}
	var rootTotal uint64
	for s := 0; s < tree.NumScenarios(); s++ {
		rootTotal += tree.Root().scenarioTotal(s)
	}
	if rootTotal != want {
		t.Errorf("root received %d backup credits, want %d", rootTotal, want)
	}
}

func TestAggregatorRunNilContext(t *testing.T) {
	tree := testTree(t)
	agg, err := NewAggregator(tree, []*WorkerHandle{NewWorkerHandle(0)}, fastAggregatorConfig(), nil)
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	//nolint:staticcheck // Intentionally testing nil context
	if err := agg.Run(nil); !errors.Is(err, ErrNilContext) {
		t.Errorf("Run(nil) error = %v, want ErrNilContext", err)
	}
}

func TestAggregatorRunHonorsCancellation(t *testing.T) {
	tree := testTree(t)
	// Worker never finishes; only cancellation can end the run.
	agg, err := NewAggregator(tree, []*WorkerHandle{NewWorkerHandle(0)}, fastAggregatorConfig(), nil)
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	if err := agg.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestAggregatorStallDeadline(t *testing.T) {
	tree := testTree(t)
	cfg := AggregatorConfig{PollIntervalMs: 1, StallTimeoutSec: 1}
	agg, err := NewAggregator(tree, []*WorkerHandle{NewWorkerHandle(0)}, cfg, nil)
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	start := time.Now()
	err = agg.Run(context.Background())
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("Run() error = %v, want ErrStalled", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("stalled after %v, deadline is 1s", elapsed)
	}
}

func TestAggregatorQuarantinesFaultyBatch(t *testing.T) {
	tree := testTree(t)
	w := NewWorkerHandle(0)
	agg, err := NewAggregator(tree, []*WorkerHandle{w}, fastAggregatorConfig(), nil)
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	good := ComputeNodeHash([]int{90})
	orphan := ComputeNodeHash([]int{180, 45})
	w.Publish([]RewardUpdate{
		{Scenario: 0, Child: good, Parent: RootNodeHash(), Action: 90, Reward: 2},
		{Scenario: 0, Child: orphan, Parent: ComputeNodeHash([]int{180}), Action: 45, Reward: 2},
	})
	w.Finish()

	// A faulty batch must not fail the run.
	if err := agg.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := tree.Node(good); !ok {
		t.Error("pre-fault update was not applied")
	}
	if _, ok := tree.Node(orphan); ok {
		t.Error("orphan node was inserted")
	}
	if got := agg.Integrated(); got != 0 {
		t.Errorf("Integrated() = %d, want 0 for a quarantined batch", got)
	}
}

type recordingJournal struct {
	mu      sync.Mutex
	batches [][]RewardUpdate
	workers []int
	fail    bool
}

func (j *recordingJournal) AppendBatch(ctx context.Context, workerID int, updates []RewardUpdate) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("journal unavailable")
	}
	batch := make([]RewardUpdate, len(updates))
	copy(batch, updates)
	j.batches = append(j.batches, batch)
	j.workers = append(j.workers, workerID)
	return nil
}

func TestAggregatorJournalsBeforeIntegration(t *testing.T) {
	tree := testTree(t)
	w := NewWorkerHandle(3)
	agg, err := NewAggregator(tree, []*WorkerHandle{w}, fastAggregatorConfig(), nil)
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	journal := &recordingJournal{}
	agg.SetJournal(journal)

	update := RewardUpdate{Scenario: 0, Child: ComputeNodeHash([]int{90}), Parent: RootNodeHash(), Action: 90, Reward: 1}
	w.Publish([]RewardUpdate{update})
	w.Finish()
	if err := agg.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	journal.mu.Lock()
	defer journal.mu.Unlock()
	if len(journal.batches) != 1 {
		t.Fatalf("journal recorded %d batches, want 1", len(journal.batches))
	}
	if journal.workers[0] != 3 {
		t.Errorf("journal recorded worker %d, want 3", journal.workers[0])
	}
	if journal.batches[0][0] != update {
		t.Errorf("journal recorded %+v, want %+v", journal.batches[0][0], update)
	}
}

func TestAggregatorSurvivesJournalFailure(t *testing.T) {
	tree := testTree(t)
	w := NewWorkerHandle(0)
	agg, err := NewAggregator(tree, []*WorkerHandle{w}, fastAggregatorConfig(), nil)
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	agg.SetJournal(&recordingJournal{fail: true})

	w.Publish([]RewardUpdate{
		{Scenario: 0, Child: ComputeNodeHash([]int{90}), Parent: RootNodeHash(), Action: 90, Reward: 1},
	})
	w.Finish()
	if err := agg.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, journal failures must not stop aggregation", err)
	}
	if got := agg.Integrated(); got != 1 {
		t.Errorf("Integrated() = %d, want 1", got)
	}
}
