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
	"math"
	"testing"
)

func populatedTree(t *testing.T) *MasterTree {
	t.Helper()
	tree := testTree(t)
	ctx := context.Background()
	c90 := ComputeNodeHash([]int{90})
	c180 := ComputeNodeHash([]int{180})
	grand := ComputeNodeHash([]int{90, 45})
	updates := []RewardUpdate{
		{Scenario: 0, Child: c90, Parent: RootNodeHash(), Action: 90, Reward: 10},
		{Scenario: 0, Child: c90, Parent: RootNodeHash(), Action: 90, Reward: 5},
		{Scenario: 1, Child: c180, Parent: RootNodeHash(), Action: 180, Reward: 4},
		{Scenario: 1, Child: grand, Parent: c90, Action: 45, Reward: 7},
	}
	if err := tree.IntegrateBuffer(ctx, updates); err != nil {
		t.Fatalf("IntegrateBuffer() error = %v", err)
	}
	return tree
}

// TestExportRestoreRoundTrip checks that a restored tree is statistically
// indistinguishable from the exporting one: same arena, same totals and
// means, same UCT values, same extracted policies.
func TestExportRestoreRoundTrip(t *testing.T) {
	tree := populatedTree(t)
	ctx := context.Background()
	if _, err := tree.BestPolicy(ctx); err != nil {
		t.Fatalf("BestPolicy() error = %v", err)
	}

	exp, err := tree.Export(ctx)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	restored, err := RestoreTree(exp, nil)
	if err != nil {
		t.Fatalf("RestoreTree() error = %v", err)
	}

	if got, want := restored.NodeCount(), tree.NodeCount(); got != want {
		t.Fatalf("restored NodeCount() = %d, want %d", got, want)
	}
	for _, node := range tree.nodesSnapshot() {
		twin, ok := restored.Node(node.Hash())
		if !ok {
			t.Fatalf("restored tree is missing node %s", node.Hash())
		}
		if node.IsRoot() != twin.IsRoot() {
			t.Errorf("node %s root flag differs", node.Hash())
		}
		if !node.IsRoot() {
			if node.Parent().Hash() != twin.Parent().Hash() {
				t.Errorf("node %s parent differs: %s vs %s",
					node.Hash(), node.Parent().Hash(), twin.Parent().Hash())
			}
			origArm, _ := node.Arm()
			twinArm, _ := twin.Arm()
			if origArm != twinArm {
				t.Errorf("node %s arm = %d, want %d", node.Hash(), twinArm, origArm)
			}
		}
		for s := 0; s < tree.NumScenarios(); s++ {
			if got, want := twin.scenarioTotal(s), node.scenarioTotal(s); got != want {
				t.Errorf("node %s scenario %d total = %d, want %d", node.Hash(), s, got, want)
			}
			if got, want := twin.maxActionMean(s), node.maxActionMean(s); math.Abs(got-want) > 1e-12 {
				t.Errorf("node %s scenario %d mean = %v, want %v", node.Hash(), s, got, want)
			}
		}
		if got, want := restored.UCT(node.Hash()), tree.UCT(node.Hash()); math.Abs(got-want) > 1e-12 {
			t.Errorf("node %s UCT = %v, want %v", node.Hash(), got, want)
		}
	}

	// Cached policies travel with the export.
	cached, ok := restored.CachedPolicies()
	if !ok {
		t.Fatal("restored tree has no cached policies")
	}
	orig, _ := tree.CachedPolicies()
	if len(cached.Global.Actions) != len(orig.Global.Actions) {
		t.Fatalf("restored global policy %v, want %v", cached.Global.Actions, orig.Global.Actions)
	}
	for i := range orig.Global.Actions {
		if cached.Global.Actions[i] != orig.Global.Actions[i] {
			t.Errorf("restored global action[%d] = %d, want %d",
				i, cached.Global.Actions[i], orig.Global.Actions[i])
		}
	}

	// A fresh extraction on the restored tree reproduces the original.
	fresh, err := restored.BestPolicy(ctx)
	if err != nil {
		t.Fatalf("BestPolicy() on restored tree error = %v", err)
	}
	if len(fresh.Global.Actions) != len(orig.Global.Actions) {
		t.Errorf("fresh policy on restored tree %v, want %v", fresh.Global.Actions, orig.Global.Actions)
	}
}

func TestExportOmitsPoliciesWhenNeverExtracted(t *testing.T) {
	tree := populatedTree(t)
	exp, err := tree.Export(context.Background())
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if exp.Policies != nil {
		t.Error("export contains policies although BestPolicy never ran")
	}
	if exp.SchemaVersion != ExportSchemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", exp.SchemaVersion, ExportSchemaVersion)
	}
	if len(exp.Nodes) != tree.NodeCount() {
		t.Errorf("export holds %d nodes, want %d", len(exp.Nodes), tree.NodeCount())
	}
	if exp.Nodes[0].Hash != RootNodeHash() {
		t.Errorf("export first node = %s, want root", exp.Nodes[0].Hash)
	}
	if exp.Nodes[0].Arm != nil {
		t.Error("exported root carries an arm")
	}
}

func TestExportNilContext(t *testing.T) {
	tree := testTree(t)
	//nolint:staticcheck // Intentionally testing nil context
	if _, err := tree.Export(nil); !errors.Is(err, ErrNilContext) {
		t.Errorf("Export(nil) error = %v, want ErrNilContext", err)
	}
}

func TestRestoreTreeRejectsBadExports(t *testing.T) {
	tree := populatedTree(t)
	ctx := context.Background()

	if _, err := RestoreTree(nil, nil); !errors.Is(err, ErrExportCorrupt) {
		t.Errorf("RestoreTree(nil) error = %v, want ErrExportCorrupt", err)
	}

	exp, err := tree.Export(ctx)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	exp.SchemaVersion = "0.0.1"
	if _, err := RestoreTree(exp, nil); !errors.Is(err, ErrExportSchema) {
		t.Errorf("RestoreTree(bad schema) error = %v, want ErrExportSchema", err)
	}

	exp, _ = tree.Export(ctx)
	exp.Nodes = exp.Nodes[1:] // drop the root
	if _, err := RestoreTree(exp, nil); !errors.Is(err, ErrExportCorrupt) {
		t.Errorf("RestoreTree(no root) error = %v, want ErrExportCorrupt", err)
	}

	exp, _ = tree.Export(ctx)
	for i := range exp.Nodes {
		if exp.Nodes[i].Hash == ComputeNodeHash([]int{90, 45}) {
			exp.Nodes[i].Parent = ComputeNodeHash([]int{270}) // never exported
		}
	}
	if _, err := RestoreTree(exp, nil); !errors.Is(err, ErrExportCorrupt) {
		t.Errorf("RestoreTree(dangling parent) error = %v, want ErrExportCorrupt", err)
	}

	exp, _ = tree.Export(ctx)
	for i := range exp.Nodes {
		exp.Nodes[i].Arm = nil
	}
	if _, err := RestoreTree(exp, nil); !errors.Is(err, ErrExportCorrupt) {
		t.Errorf("RestoreTree(missing arms) error = %v, want ErrExportCorrupt", err)
	}
}
