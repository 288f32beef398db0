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
	"time"
)

// ExportSchemaVersion identifies the TreeExport layout. Bump on any breaking
// change to the exported structure.
const ExportSchemaVersion = "1.0.0"

// CellExport is one non-empty (scenario, action) histogram cell.
type CellExport struct {
	Scenario int      `json:"scenario"`
	Action   int      `json:"action"`
	Counts   []uint64 `json:"counts"`
}

// NodeExport is one node of the arena: identity, the parent edge, the arm
// that leads to it, and its non-empty statistics cells. The root carries an
// empty parent and a nil arm.
type NodeExport struct {
	Hash   NodeHash     `json:"hash"`
	Parent NodeHash     `json:"parent,omitempty"`
	Arm    *int         `json:"arm,omitempty"`
	Cells  []CellExport `json:"cells,omitempty"`
}

// TreeExport is the complete serializable state of a MasterTree: shared
// geometry, the probability vector, every node in insertion order, and the
// last extracted policies if any. Insertion order puts parents before
// children, which is what lets RestoreTree rebuild the arena in one pass.
type TreeExport struct {
	SchemaVersion  string          `json:"schema_version"`
	CreatedAtMs    int64           `json:"created_at_ms"`
	NumScenarios   int             `json:"num_scenarios"`
	Probability    []float64       `json:"probability"`
	Actions        []int           `json:"actions"`
	Histogram      HistogramConfig `json:"histogram"`
	UCTCoefficient float64         `json:"uct_coefficient"`
	Nodes          []NodeExport    `json:"nodes"`
	Policies       *PolicySet      `json:"policies,omitempty"`
}

// Export captures the tree's full state for persistence.
//
// Description:
//
//	Walks the arena in insertion order and serializes each node's identity,
//	parent edge, arm, and non-empty histogram cells, together with the
//	shared configuration needed to rebuild an identical tree. The cached
//	result of the last BestPolicy call is included when present.
//
// Inputs:
//   - ctx: required context.
//
// Outputs:
//   - *TreeExport: self-contained export.
//   - error: ErrNilContext.
//
// Thread Safety: safe to call concurrently with integration; the export
// reflects whatever updates have landed.
func (t *MasterTree) Export(ctx context.Context) (*TreeExport, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	nodes := t.nodesSnapshot()
	exp := &TreeExport{
		SchemaVersion:  ExportSchemaVersion,
		CreatedAtMs:    time.Now().UnixMilli(),
		NumScenarios:   t.numScenarios,
		Probability:    t.Probability(),
		Actions:        t.actions.Values(),
		Histogram:      t.histCfg,
		UCTCoefficient: t.uctCoeff,
		Nodes:          make([]NodeExport, 0, len(nodes)),
	}
	for _, node := range nodes {
		ne := NodeExport{
			Hash:  node.hash,
			Cells: node.exportCells(),
		}
		if !node.root {
			ne.Parent = node.parent.hash
			arm := node.arm
			ne.Arm = &arm
		}
		exp.Nodes = append(exp.Nodes, ne)
	}
	if set, ok := t.CachedPolicies(); ok {
		exp.Policies = &set
	}
	return exp, nil
}

// RestoreTree rebuilds a MasterTree from an export.
//
// Description:
//
//	Reconstructs the shared geometry from the exported configuration, then
//	replays the arena in export order: the first entry must be the root,
//	and every later entry's parent must already have been restored. Cell
//	counts are copied verbatim, so means, UCT values, and policies computed
//	on the restored tree match the exporting process exactly.
//
// Inputs:
//   - exp: a TreeExport produced by Export. Must be non-nil.
//   - logger: structured logger. If nil, slog.Default() is used.
//
// Outputs:
//   - *MasterTree: the rebuilt tree.
//   - error: ErrExportSchema on a version mismatch, ErrExportCorrupt when
//     entries do not form a valid tree, or ErrInvalidConfig when the
//     exported configuration fails validation.
func RestoreTree(exp *TreeExport, logger *slog.Logger) (*MasterTree, error) {
	if exp == nil {
		return nil, fmt.Errorf("export cannot be nil: %w", ErrExportCorrupt)
	}
	if exp.SchemaVersion != ExportSchemaVersion {
		return nil, fmt.Errorf("schema %q, supported %q: %w",
			exp.SchemaVersion, ExportSchemaVersion, ErrExportSchema)
	}
	cfg := DefaultConfig()
	cfg.Tree.NumScenarios = exp.NumScenarios
	cfg.Tree.Actions = exp.Actions
	cfg.Tree.Probability = exp.Probability
	cfg.Tree.UCTCoefficient = exp.UCTCoefficient
	cfg.Histogram = exp.Histogram

	tree, err := NewMasterTree(cfg, logger)
	if err != nil {
		return nil, err
	}
	if len(exp.Nodes) == 0 || exp.Nodes[0].Hash != tree.root.hash {
		return nil, fmt.Errorf("export does not begin with the root node: %w", ErrExportCorrupt)
	}
	for i := range exp.Nodes {
		ne := &exp.Nodes[i]
		var node *MasterNode
		if i == 0 {
			node = tree.root
		} else {
			if ne.Arm == nil {
				return nil, fmt.Errorf("node %s has no arm: %w", ne.Hash, ErrExportCorrupt)
			}
			parent, ok := tree.Node(ne.Parent)
			if !ok {
				return nil, fmt.Errorf("node %s references parent %s before it was restored: %w",
					ne.Hash, ne.Parent, ErrExportCorrupt)
			}
			node, err = NewMasterNode(ne.Hash, parent, *ne.Arm)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", ne.Hash, err)
			}
			if err := tree.insertNode(node); err != nil {
				return nil, err
			}
		}
		for _, cell := range ne.Cells {
			if err := node.restoreCell(cell); err != nil {
				return nil, fmt.Errorf("node %s: %w", ne.Hash, err)
			}
		}
	}
	if exp.Policies != nil {
		tree.setCachedPolicies(*exp.Policies)
	}
	tree.logger.Info("tree restored from export",
		slog.Int("nodes", tree.NodeCount()),
		slog.Int("num_scenarios", exp.NumScenarios),
		slog.Bool("policies_present", exp.Policies != nil))
	return tree, nil
}
