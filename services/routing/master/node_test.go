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
	"errors"
	"testing"
)

func testActions(t *testing.T) *ActionSet {
	t.Helper()
	actions, err := NewActionSet([]int{0, 45, 90, 135, 180, 225, 270, 315})
	if err != nil {
		t.Fatalf("NewActionSet() error = %v", err)
	}
	return actions
}

func testRoot(t *testing.T, numScenarios int) *MasterNode {
	t.Helper()
	root, err := NewRootNode(numScenarios, testActions(t), defaultSpec(t))
	if err != nil {
		t.Fatalf("NewRootNode() error = %v", err)
	}
	return root
}

func TestNewRootNode(t *testing.T) {
	root := testRoot(t, 2)
	if !root.IsRoot() {
		t.Error("IsRoot() = false for root")
	}
	if root.Parent() != nil {
		t.Error("root must have no parent")
	}
	if _, ok := root.Arm(); ok {
		t.Error("root must have no arm")
	}
	if root.Hash() != RootNodeHash() {
		t.Errorf("root hash = %q, want %q", root.Hash(), RootNodeHash())
	}
	if _, ok := root.Depth(); ok {
		t.Error("depth must be unset before a depth pass")
	}
}

func TestNewRootNodeValidation(t *testing.T) {
	actions := testActions(t)
	spec := defaultSpec(t)
	if _, err := NewRootNode(0, actions, spec); err == nil {
		t.Error("NewRootNode(0 scenarios) expected error")
	}
	if _, err := NewRootNode(2, nil, spec); err == nil {
		t.Error("NewRootNode(nil actions) expected error")
	}
	if _, err := NewRootNode(2, actions, nil); err == nil {
		t.Error("NewRootNode(nil spec) expected error")
	}
}

func TestNewMasterNode(t *testing.T) {
	root := testRoot(t, 2)
	child, err := NewMasterNode(ComputeNodeHash([]int{90}), root, 90)
	if err != nil {
		t.Fatalf("NewMasterNode() error = %v", err)
	}
	if child.IsRoot() {
		t.Error("child reports IsRoot() = true")
	}
	if child.Parent() != root {
		t.Error("child parent pointer does not reference root")
	}
	arm, ok := child.Arm()
	if !ok || arm != 90 {
		t.Errorf("Arm() = (%d, %v), want (90, true)", arm, ok)
	}
}

func TestNewMasterNodeValidation(t *testing.T) {
	root := testRoot(t, 2)
	if _, err := NewMasterNode(ComputeNodeHash([]int{90}), nil, 90); err == nil {
		t.Error("nil parent expected error")
	}
	if _, err := NewMasterNode(NodeHash("not-a-hash"), root, 90); err == nil {
		t.Error("malformed hash expected error")
	}
	if _, err := NewMasterNode(ComputeNodeHash([]int{90}), root, 17); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("unknown arm error = %v, want ErrUnknownAction", err)
	}
}

func TestAddRewardBacksEveryAction(t *testing.T) {
	root := testRoot(t, 2)
	if err := root.AddReward(0, 10); err != nil {
		t.Fatalf("AddReward() error = %v", err)
	}
	actions := root.actions
	for j := 0; j < actions.Len(); j++ {
		if got := root.rewards[0][j].Total(); got != 1 {
			t.Errorf("scenario 0 action %d total = %d, want 1", actions.Value(j), got)
		}
		if got := root.rewards[1][j].Total(); got != 0 {
			t.Errorf("scenario 1 action %d total = %d, want 0", actions.Value(j), got)
		}
	}
	total, err := root.ScenarioTotal(0)
	if err != nil {
		t.Fatalf("ScenarioTotal() error = %v", err)
	}
	if want := uint64(actions.Len()); total != want {
		t.Errorf("ScenarioTotal(0) = %d, want %d", total, want)
	}
}

func TestAddRewardActionSingleCell(t *testing.T) {
	root := testRoot(t, 2)
	if err := root.AddRewardAction(1, 180, 7); err != nil {
		t.Fatalf("AddRewardAction() error = %v", err)
	}
	j, _ := root.actions.Index(180)
	for s := 0; s < 2; s++ {
		for k := 0; k < root.actions.Len(); k++ {
			want := uint64(0)
			if s == 1 && k == j {
				want = 1
			}
			if got := root.rewards[s][k].Total(); got != want {
				t.Errorf("cell (%d, %d) total = %d, want %d", s, root.actions.Value(k), got, want)
			}
		}
	}
}

func TestAddRewardValidation(t *testing.T) {
	root := testRoot(t, 2)
	if err := root.AddReward(-1, 1); !errors.Is(err, ErrInvalidScenario) {
		t.Errorf("AddReward(-1) error = %v, want ErrInvalidScenario", err)
	}
	if err := root.AddReward(2, 1); !errors.Is(err, ErrInvalidScenario) {
		t.Errorf("AddReward(2) error = %v, want ErrInvalidScenario", err)
	}
	if err := root.AddRewardAction(0, 17, 1); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("AddRewardAction(action 17) error = %v, want ErrUnknownAction", err)
	}
}

// TestBackupChain builds root -> a -> b -> c and verifies one backup from
// the leaf credits exactly one observation to each ancestor's cell for the
// arm taken at that step, and nothing anywhere else.
func TestBackupChain(t *testing.T) {
	root := testRoot(t, 2)
	a, err := NewMasterNode(ComputeNodeHash([]int{90}), root, 90)
	if err != nil {
		t.Fatalf("NewMasterNode(a) error = %v", err)
	}
	b, err := NewMasterNode(ComputeNodeHash([]int{90, 45}), a, 45)
	if err != nil {
		t.Fatalf("NewMasterNode(b) error = %v", err)
	}
	c, err := NewMasterNode(ComputeNodeHash([]int{90, 45, 180}), b, 180)
	if err != nil {
		t.Fatalf("NewMasterNode(c) error = %v", err)
	}

	if err := c.Backup(0, 10); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	if got := b.actionTotal(0, 180); got != 1 {
		t.Errorf("b cell (0, 180) = %d, want 1", got)
	}
	if got := a.actionTotal(0, 45); got != 1 {
		t.Errorf("a cell (0, 45) = %d, want 1", got)
	}
	if got := root.actionTotal(0, 90); got != 1 {
		t.Errorf("root cell (0, 90) = %d, want 1", got)
	}

	// One credited cell per ancestor, none on the leaf, none in scenario 1.
	for name, node := range map[string]*MasterNode{"root": root, "a": a, "b": b, "c": c} {
		for s := 0; s < 2; s++ {
			want := uint64(0)
			if s == 0 && name != "c" {
				want = 1
			}
			if got := node.scenarioTotal(s); got != want {
				t.Errorf("%s scenario %d total = %d, want %d", name, s, got, want)
			}
		}
	}
}

func TestBackupFromRootIsNoOp(t *testing.T) {
	root := testRoot(t, 2)
	if err := root.Backup(0, 5); err != nil {
		t.Fatalf("Backup() on root error = %v", err)
	}
	if got := root.scenarioTotal(0); got != 0 {
		t.Errorf("root gained %d observations from its own backup, want 0", got)
	}
}

func TestIsExpanded(t *testing.T) {
	root := testRoot(t, 2)
	if root.IsExpanded() {
		t.Error("node with no derived children reports expanded")
	}
	child, err := NewMasterNode(ComputeNodeHash([]int{90}), root, 90)
	if err != nil {
		t.Fatalf("NewMasterNode() error = %v", err)
	}
	root.addChild(child)
	if !root.IsExpanded() {
		t.Error("node with a derived child reports not expanded")
	}
	if got := len(root.Children()); got != 1 {
		t.Errorf("len(Children()) = %d, want 1", got)
	}
}
