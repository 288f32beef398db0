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
	"math"
	"testing"
)

func TestUCTUnknownHash(t *testing.T) {
	tree := testTree(t)
	if got := tree.UCT(ComputeNodeHash([]int{90, 180})); got != 0 {
		t.Errorf("UCT(unknown) = %v, want 0", got)
	}
}

func TestUCTRootIsZero(t *testing.T) {
	tree := testTree(t)
	if got := tree.UCT(RootNodeHash()); got != 0 {
		t.Errorf("UCT(root) = %v, want 0", got)
	}
}

// TestUCTExactValue recomputes the expected value from the definition: per
// scenario, max own-action mean plus C*sqrt(2*ln(parent visits)/arm visits),
// dotted with the probability vector.
func TestUCTExactValue(t *testing.T) {
	cfg := testConfig()
	cfg.Tree.NumScenarios = 1
	tree, err := NewMasterTree(cfg, nil)
	if err != nil {
		t.Fatalf("NewMasterTree() error = %v", err)
	}
	ctx := context.Background()
	child := ComputeNodeHash([]int{90})
	updates := []RewardUpdate{
		{Scenario: 0, Child: child, Parent: RootNodeHash(), Action: 90, Reward: 10},
		{Scenario: 0, Child: child, Parent: RootNodeHash(), Action: 90, Reward: 6},
	}
	if err := tree.IntegrateBuffer(ctx, updates); err != nil {
		t.Fatalf("IntegrateBuffer() error = %v", err)
	}

	// Root has two observations, both through arm 90; the child's best own
	// mean is (10+6)/2.
	parentVisits := 2.0
	armVisits := 2.0
	exploitation := 8.0
	exploration := cfg.Tree.UCTCoefficient * math.Sqrt(2*math.Log(parentVisits)/armVisits)
	want := (exploitation + exploration) * 1.0

	if got := tree.UCT(child); math.Abs(got-want) > 1e-12 {
		t.Errorf("UCT() = %v, want %v", got, want)
	}
}

func TestUCTSkipsUnvisitedScenarios(t *testing.T) {
	tree := testTree(t) // two scenarios, probability 0.5 each
	ctx := context.Background()
	child := ComputeNodeHash([]int{90})
	updates := []RewardUpdate{
		{Scenario: 0, Child: child, Parent: RootNodeHash(), Action: 90, Reward: 4},
	}
	if err := tree.IntegrateBuffer(ctx, updates); err != nil {
		t.Fatalf("IntegrateBuffer() error = %v", err)
	}

	exploration := tree.uctCoeff * math.Sqrt(2*math.Log(1)/1) // ln(1) = 0
	want := (4.0 + exploration) * 0.5                         // scenario 1 contributes nothing

	if got := tree.UCT(child); math.Abs(got-want) > 1e-12 {
		t.Errorf("UCT() = %v, want %v", got, want)
	}
}

// TestUCTFiniteNonNegative sweeps a small grid of integrations and checks
// the advertised invariant: with non-negative rewards, UCT never returns a
// negative, infinite, or NaN value.
func TestUCTFiniteNonNegative(t *testing.T) {
	tree := testTree(t)
	ctx := context.Background()
	hashes := []NodeHash{RootNodeHash()}
	seqs := [][]int{{90}, {180}, {90, 45}, {90, 45, 0}}
	parents := []NodeHash{RootNodeHash(), RootNodeHash(), ComputeNodeHash([]int{90}), ComputeNodeHash([]int{90, 45})}
	arms := []int{90, 180, 45, 0}
	for i, seq := range seqs {
		child := ComputeNodeHash(seq)
		hashes = append(hashes, child)
		for s := 0; s < 2; s++ {
			updates := []RewardUpdate{
				{Scenario: s, Child: child, Parent: parents[i], Action: arms[i], Reward: float64(7 * (i + s))},
			}
			if err := tree.IntegrateBuffer(ctx, updates); err != nil {
				t.Fatalf("IntegrateBuffer() error = %v", err)
			}
			for _, h := range hashes {
				got := tree.UCT(h)
				if math.IsNaN(got) || math.IsInf(got, 0) {
					t.Fatalf("UCT(%s) = %v, want finite", h, got)
				}
				if got < 0 {
					t.Fatalf("UCT(%s) = %v, want >= 0", h, got)
				}
			}
		}
	}
}
