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
	"fmt"
	"sync"
)

// MasterNode is one node of the shared decision tree. It aggregates the
// reward statistics every worker has reported for the action sequence the
// node's hash identifies, split by scenario.
//
// The statistics table is fully allocated at construction: one histogram per
// (scenario, action) cell, empty histograms included, so integration never
// allocates on the hot path and cells can be addressed without existence
// checks.
//
// The parent pointer is the authoritative edge; children are derived from
// parent pointers by MasterTree and only populated on demand.
//
// Thread Safety: safe for concurrent use. Statistics, children, and depth
// are guarded by the node's lock; identity fields are immutable.
type MasterNode struct {
	hash         NodeHash
	arm          int
	root         bool
	parent       *MasterNode
	numScenarios int
	actions      *ActionSet
	spec         *HistogramSpec

	mu       sync.RWMutex
	rewards  [][]RewardHistogram
	children []*MasterNode
	depth    int
	hasDepth bool
}

// NewRootNode constructs the root of a tree: no parent, no arm, hash of the
// empty action sequence.
//
// Inputs:
//   - numScenarios: number of weather scenarios. Must be >= 1.
//   - actions: shared action set. Must be non-nil.
//   - spec: shared histogram geometry. Must be non-nil.
//
// Outputs:
//   - *MasterNode: the root node with a fully allocated statistics table.
//   - error: ErrInvalidConfig on bad inputs.
func NewRootNode(numScenarios int, actions *ActionSet, spec *HistogramSpec) (*MasterNode, error) {
	if numScenarios < 1 {
		return nil, fmt.Errorf("numScenarios must be >= 1, got %d: %w", numScenarios, ErrInvalidConfig)
	}
	if actions == nil {
		return nil, fmt.Errorf("action set cannot be nil: %w", ErrInvalidConfig)
	}
	if spec == nil {
		return nil, fmt.Errorf("histogram spec cannot be nil: %w", ErrInvalidConfig)
	}
	node := &MasterNode{
		hash:         RootNodeHash(),
		root:         true,
		numScenarios: numScenarios,
		actions:      actions,
		spec:         spec,
	}
	node.rewards = allocRewardTable(numScenarios, actions.Len(), spec)
	return node, nil
}

// NewMasterNode constructs a non-root node as a child of parent, reached by
// taking the given arm. Scenario count, action set, and histogram geometry
// are inherited from the parent so every node in a tree shares them.
//
// Inputs:
//   - hash: identity of the new node. Must be well-formed.
//   - parent: the node one action earlier in the sequence. Must be non-nil.
//   - arm: action value taken at parent to reach this node. Must be a member
//     of the action set.
//
// Outputs:
//   - *MasterNode: the new node. The parent's child list is not touched;
//     children are derived later.
//   - error: ErrInvalidConfig or ErrUnknownAction on bad inputs.
func NewMasterNode(hash NodeHash, parent *MasterNode, arm int) (*MasterNode, error) {
	if parent == nil {
		return nil, fmt.Errorf("non-root node requires a parent: %w", ErrInvalidConfig)
	}
	if !hash.Valid() {
		return nil, fmt.Errorf("malformed node hash %q: %w", hash, ErrInvalidConfig)
	}
	if _, ok := parent.actions.Index(arm); !ok {
		return nil, fmt.Errorf("arm %d: %w", arm, ErrUnknownAction)
	}
	node := &MasterNode{
		hash:         hash,
		arm:          arm,
		parent:       parent,
		numScenarios: parent.numScenarios,
		actions:      parent.actions,
		spec:         parent.spec,
	}
	node.rewards = allocRewardTable(node.numScenarios, node.actions.Len(), node.spec)
	return node, nil
}

func allocRewardTable(numScenarios, numActions int, spec *HistogramSpec) [][]RewardHistogram {
	table := make([][]RewardHistogram, numScenarios)
	for s := range table {
		row := make([]RewardHistogram, numActions)
		for j := range row {
			row[j] = NewRewardHistogram(spec)
		}
		table[s] = row
	}
	return table
}

// Hash returns the node's stable identity.
func (n *MasterNode) Hash() NodeHash {
	return n.hash
}

// Parent returns the node's parent, or nil for the root.
func (n *MasterNode) Parent() *MasterNode {
	return n.parent
}

// IsRoot reports whether the node is the tree root.
func (n *MasterNode) IsRoot() bool {
	return n.root
}

// Arm returns the action value taken at the parent to reach this node. The
// second result is false for the root, which was not reached by any action.
func (n *MasterNode) Arm() (int, bool) {
	if n.root {
		return 0, false
	}
	return n.arm, true
}

// Children returns a copy of the node's derived child list in insertion
// order. The list is empty until MasterTree derives children from parent
// pointers.
func (n *MasterNode) Children() []*MasterNode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MasterNode, len(n.children))
	copy(out, n.children)
	return out
}

// IsExpanded reports whether the node has at least one derived child.
func (n *MasterNode) IsExpanded() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.children) != 0
}

// Depth returns the node's distance from the root. The second result is
// false until a depth pass has computed it.
func (n *MasterNode) Depth() (int, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.depth, n.hasDepth
}

// AddReward records a reward observed at this node under the given scenario
// into every action's histogram for that scenario. A simulation through this
// node says nothing about which onward action was best, so the observation
// backs all of them equally.
//
// Inputs:
//   - scenario: scenario index in [0, NumScenarios).
//   - reward: observed reward; values outside the histogram range clamp.
//
// Outputs:
//   - error: ErrInvalidScenario if the index is out of range.
func (n *MasterNode) AddReward(scenario int, reward float64) error {
	if scenario < 0 || scenario >= n.numScenarios {
		return fmt.Errorf("scenario %d of %d: %w", scenario, n.numScenarios, ErrInvalidScenario)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	row := n.rewards[scenario]
	for j := range row {
		row[j].Add(reward)
	}
	return nil
}

// AddRewardAction records a reward under a single (scenario, action) cell.
// This is the backup primitive: a parent learns what taking one specific
// action from it yielded.
//
// Inputs:
//   - scenario: scenario index in [0, NumScenarios).
//   - action: action value. Must be a member of the action set.
//   - reward: observed reward; values outside the histogram range clamp.
//
// Outputs:
//   - error: ErrInvalidScenario or ErrUnknownAction.
func (n *MasterNode) AddRewardAction(scenario, action int, reward float64) error {
	if scenario < 0 || scenario >= n.numScenarios {
		return fmt.Errorf("scenario %d of %d: %w", scenario, n.numScenarios, ErrInvalidScenario)
	}
	j, ok := n.actions.Index(action)
	if !ok {
		return fmt.Errorf("action %d: %w", action, ErrUnknownAction)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rewards[scenario][j].Add(reward)
	return nil
}

// Backup propagates a reward from this node to the root. At each step the
// parent's (scenario, arm) cell is credited, where arm is the action that
// led from the parent to the current node. Called on the root it is a no-op.
//
// The walk is iterative, so backup cost is bounded by tree depth with no
// stack growth.
//
// Inputs:
//   - scenario: scenario index in [0, NumScenarios).
//   - reward: observed reward.
//
// Outputs:
//   - error: ErrInvalidScenario or ErrUnknownAction from a credit step.
func (n *MasterNode) Backup(scenario int, reward float64) error {
	if scenario < 0 || scenario >= n.numScenarios {
		return fmt.Errorf("scenario %d of %d: %w", scenario, n.numScenarios, ErrInvalidScenario)
	}
	for node := n; node.parent != nil; node = node.parent {
		if err := node.parent.AddRewardAction(scenario, node.arm, reward); err != nil {
			return fmt.Errorf("backup at %s: %w", node.parent.hash, err)
		}
	}
	return nil
}

// ScenarioTotal returns the number of observations recorded for a scenario,
// summed over all action cells.
func (n *MasterNode) ScenarioTotal(scenario int) (uint64, error) {
	if scenario < 0 || scenario >= n.numScenarios {
		return 0, fmt.Errorf("scenario %d of %d: %w", scenario, n.numScenarios, ErrInvalidScenario)
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.scenarioTotalLocked(scenario), nil
}

func (n *MasterNode) scenarioTotalLocked(scenario int) uint64 {
	var total uint64
	for j := range n.rewards[scenario] {
		total += n.rewards[scenario][j].Total()
	}
	return total
}

// scenarioTotal is the lock-acquiring form for read paths that already hold
// a valid index.
func (n *MasterNode) scenarioTotal(scenario int) uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.scenarioTotalLocked(scenario)
}

// actionTotal returns the observation count of one (scenario, action) cell,
// or 0 if the action value is unknown.
func (n *MasterNode) actionTotal(scenario, action int) uint64 {
	j, ok := n.actions.Index(action)
	if !ok {
		return 0
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rewards[scenario][j].Total()
}

// maxActionMean returns the largest per-action mean reward the node holds
// for a scenario. Empty cells contribute 0.
func (n *MasterNode) maxActionMean(scenario int) float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	best := 0.0
	for j := range n.rewards[scenario] {
		if m := n.rewards[scenario][j].Mean(); m > best {
			best = m
		}
	}
	return best
}

// actionMean returns the mean of one (scenario, action index) cell.
func (n *MasterNode) actionMean(scenario, j int) float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rewards[scenario][j].Mean()
}

func (n *MasterNode) addChild(child *MasterNode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = append(n.children, child)
}

// clearDerived resets the child list and depth before a rebuild pass.
func (n *MasterNode) clearDerived() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = n.children[:0]
	n.depth = 0
	n.hasDepth = false
}

func (n *MasterNode) setDepth(d int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.depth = d
	n.hasDepth = true
}

// exportCells collects the non-empty statistics cells for serialization.
func (n *MasterNode) exportCells() []CellExport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var cells []CellExport
	for s := range n.rewards {
		for j := range n.rewards[s] {
			h := &n.rewards[s][j]
			if h.IsEmpty() {
				continue
			}
			cells = append(cells, CellExport{
				Scenario: s,
				Action:   n.actions.Value(j),
				Counts:   h.Counts(),
			})
		}
	}
	return cells
}

// restoreCell overwrites one statistics cell from exported counts.
func (n *MasterNode) restoreCell(cell CellExport) error {
	if cell.Scenario < 0 || cell.Scenario >= n.numScenarios {
		return fmt.Errorf("cell scenario %d of %d: %w", cell.Scenario, n.numScenarios, ErrExportCorrupt)
	}
	j, ok := n.actions.Index(cell.Action)
	if !ok {
		return fmt.Errorf("cell action %d: %w", cell.Action, ErrExportCorrupt)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rewards[cell.Scenario][j].restore(cell.Counts)
}
