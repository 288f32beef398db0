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
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	updatesIntegratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windward_master_updates_integrated_total",
			Help: "Reward updates folded into the master tree",
		},
		[]string{"scenario"},
	)

	orphanUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "windward_master_orphan_updates_total",
			Help: "Updates rejected because their parent hash was not in the tree",
		},
	)

	integrateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "windward_master_integrate_duration_seconds",
			Help:    "Time to integrate one drained update batch",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	treeNodesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "windward_master_tree_nodes",
			Help: "Nodes currently held in master tree arenas",
		},
	)
)

// -----------------------------------------------------------------------------
// MasterTree
// -----------------------------------------------------------------------------

// MasterTree is the arena holding every MasterNode of the shared decision
// tree, keyed by node hash. It owns the scenario probability vector, the
// action set, and the histogram geometry all nodes share, and implements the
// aggregate queries: buffer integration, UCT, child derivation, depth, and
// policy extraction.
//
// The scenario probability vector is fixed at construction and read-only
// afterwards; queries may read it without synchronization.
//
// Thread Safety: safe for concurrent use. A single aggregator goroutine is
// expected to be the only writer; concurrent readers see eventually
// consistent statistics.
type MasterTree struct {
	numScenarios int
	probability  []float64
	actions      *ActionSet
	spec         *HistogramSpec
	histCfg      HistogramConfig
	uctCoeff     float64
	logger       *slog.Logger
	tracer       *MasterTracer

	mu           sync.RWMutex
	nodes        map[NodeHash]*MasterNode
	order        []*MasterNode
	root         *MasterNode
	derivedStale bool
	maxDepth     int
	hasDepth     bool
	policies     *PolicySet
}

// NewMasterTree constructs an empty tree containing only the root node.
//
// Description:
//
//	Validates the configuration, builds the shared action set and histogram
//	geometry, and normalizes the scenario probability vector: when the
//	configuration leaves it empty, every scenario receives weight 1/N.
//
// Inputs:
//   - cfg: full tree configuration. Validated before use.
//   - logger: structured logger. If nil, slog.Default() is used.
//
// Outputs:
//   - *MasterTree: ready for integration and queries.
//   - error: ErrInvalidConfig describing the first violation found.
//
// Example:
//
//	tree, err := master.NewMasterTree(master.DefaultConfig(), logger)
func NewMasterTree(cfg Config, logger *slog.Logger) (*MasterTree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	actions, err := NewActionSet(cfg.Tree.Actions)
	if err != nil {
		return nil, err
	}
	spec, err := NewHistogramSpec(cfg.Histogram)
	if err != nil {
		return nil, err
	}
	probability := make([]float64, cfg.Tree.NumScenarios)
	if len(cfg.Tree.Probability) == 0 {
		uniform := 1.0 / float64(cfg.Tree.NumScenarios)
		for s := range probability {
			probability[s] = uniform
		}
	} else {
		copy(probability, cfg.Tree.Probability)
	}
	root, err := NewRootNode(cfg.Tree.NumScenarios, actions, spec)
	if err != nil {
		return nil, err
	}
	tree := &MasterTree{
		numScenarios: cfg.Tree.NumScenarios,
		probability:  probability,
		actions:      actions,
		spec:         spec,
		histCfg:      cfg.Histogram,
		uctCoeff:     cfg.Tree.UCTCoefficient,
		logger:       logger.With(slog.String("component", "master_tree")),
		tracer:       NewMasterTracer(logger, cfg.Observability),
		nodes:        map[NodeHash]*MasterNode{root.hash: root},
		order:        []*MasterNode{root},
		root:         root,
	}
	treeNodesGauge.Inc()
	tree.logger.Info("master tree initialized",
		slog.Int("num_scenarios", tree.numScenarios),
		slog.Int("num_actions", actions.Len()),
		slog.Int("histogram_buckets", spec.Buckets()),
		slog.Float64("uct_coefficient", tree.uctCoeff))
	return tree, nil
}

// Root returns the root node.
func (t *MasterTree) Root() *MasterNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Node returns the node stored under the given hash, if any.
func (t *MasterTree) Node(hash NodeHash) (*MasterNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[hash]
	return node, ok
}

// NodeCount returns the number of nodes in the arena, root included.
func (t *MasterTree) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// NumScenarios returns the number of weather scenarios.
func (t *MasterTree) NumScenarios() int {
	return t.numScenarios
}

// Probability returns a copy of the scenario probability vector.
func (t *MasterTree) Probability() []float64 {
	out := make([]float64, len(t.probability))
	copy(out, t.probability)
	return out
}

// Actions returns the shared action set.
func (t *MasterTree) Actions() *ActionSet {
	return t.actions
}

// MaxDepth returns the maximum depth found by the last depth pass. The
// second result is false if no pass has run since construction.
func (t *MasterTree) MaxDepth() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxDepth, t.hasDepth
}

// IntegrateBuffer folds a drained batch of worker updates into the tree in
// order. For each update: the child node is created under its parent if the
// hash is unseen, the reward is recorded at the child for the update's
// scenario, and the reward is backed up from the child to the root.
//
// Updates are additive and not idempotent; integrating the same batch twice
// double-counts every observation.
//
// Inputs:
//   - ctx: required context (spans only; integration does not block).
//   - updates: drained updates, oldest first. Parents must appear in the
//     tree before their children are referenced.
//
// Outputs:
//   - error: nil when the whole batch applied. On a malformed update
//     (unknown parent, bad scenario, unknown action) integration stops at
//     that update: earlier updates stay applied, the offender and the
//     remainder of the batch are dropped, and the error names the offending
//     index.
//
// Thread Safety: must be called from the single aggregator writer.
func (t *MasterTree) IntegrateBuffer(ctx context.Context, updates []RewardUpdate) error {
	if ctx == nil {
		return ErrNilContext
	}
	_, span := t.tracer.StartIntegrate(ctx, len(updates))
	start := time.Now()
	applied := 0
	created := 0
	var failure error
	for i := range updates {
		u := &updates[i]
		if err := t.validateUpdate(u); err != nil {
			failure = fmt.Errorf("update %d (child %s): %w", i, u.Child, err)
			break
		}
		node, madeNew, err := t.ensureNode(u)
		if err != nil {
			failure = fmt.Errorf("update %d (child %s): %w", i, u.Child, err)
			break
		}
		if madeNew {
			created++
		}
		if err := node.AddReward(u.Scenario, u.Reward); err != nil {
			failure = fmt.Errorf("update %d (child %s): %w", i, u.Child, err)
			break
		}
		if err := node.Backup(u.Scenario, u.Reward); err != nil {
			failure = fmt.Errorf("update %d (child %s): %w", i, u.Child, err)
			break
		}
		updatesIntegratedTotal.WithLabelValues(strconv.Itoa(u.Scenario)).Inc()
		applied++
	}
	integrateDuration.Observe(time.Since(start).Seconds())
	t.tracer.EndIntegrate(span, len(updates), applied, created, failure)
	if failure != nil {
		t.logger.Error("buffer integration aborted",
			slog.Int("applied", applied),
			slog.Int("dropped", len(updates)-applied),
			slog.Any("error", failure))
		return failure
	}
	return nil
}

func (t *MasterTree) validateUpdate(u *RewardUpdate) error {
	if u.Scenario < 0 || u.Scenario >= t.numScenarios {
		return fmt.Errorf("scenario %d of %d: %w", u.Scenario, t.numScenarios, ErrInvalidScenario)
	}
	if _, ok := t.actions.Index(u.Action); !ok {
		return fmt.Errorf("action %d: %w", u.Action, ErrUnknownAction)
	}
	return nil
}

// ensureNode returns the node stored under the update's child hash, creating
// it beneath its parent on first sight. The second result reports whether a
// node was created.
func (t *MasterTree) ensureNode(u *RewardUpdate) (*MasterNode, bool, error) {
	t.mu.RLock()
	node, ok := t.nodes[u.Child]
	t.mu.RUnlock()
	if ok {
		return node, false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if node, ok := t.nodes[u.Child]; ok {
		return node, false, nil
	}
	parent, ok := t.nodes[u.Parent]
	if !ok {
		orphanUpdatesTotal.Inc()
		return nil, false, fmt.Errorf("parent %s: %w", u.Parent, ErrOrphanUpdate)
	}
	node, err := NewMasterNode(u.Child, parent, u.Action)
	if err != nil {
		return nil, false, err
	}
	t.nodes[u.Child] = node
	t.order = append(t.order, node)
	t.derivedStale = true
	treeNodesGauge.Inc()
	return node, true, nil
}

// insertNode places a restored node into the arena. Used by RestoreTree,
// which rebuilds arenas from exports rather than from updates.
func (t *MasterTree) insertNode(node *MasterNode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[node.hash]; ok {
		return fmt.Errorf("hash %s: %w", node.hash, ErrDuplicateNode)
	}
	t.nodes[node.hash] = node
	t.order = append(t.order, node)
	t.derivedStale = true
	treeNodesGauge.Inc()
	return nil
}

// RebuildChildren derives every node's child list from parent pointers with
// one append pass over the arena in insertion order.
//
// The pass appends without clearing, so it must run exactly once per
// structural change; running it twice duplicates every child entry.
// BestPolicy and Export refresh derived state through an internal pass that
// clears first, which is the safe path for callers that just want answers.
func (t *MasterTree) RebuildChildren() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, node := range t.order {
		if node.root {
			continue
		}
		node.parent.addChild(node)
	}
}

// ComputeDepth assigns every reachable node its distance from the root by a
// breadth-first walk over derived child lists and returns the maximum depth
// found. Child lists must be current; nodes missing from them keep no depth.
func (t *MasterTree) ComputeDepth() int {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()
	max := bfsDepth(root)
	t.mu.Lock()
	t.maxDepth = max
	t.hasDepth = true
	t.mu.Unlock()
	return max
}

func bfsDepth(root *MasterNode) int {
	root.setDepth(0)
	max := 0
	queue := []*MasterNode{root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		d, _ := node.Depth()
		for _, child := range node.Children() {
			child.setDepth(d + 1)
			if d+1 > max {
				max = d + 1
			}
			queue = append(queue, child)
		}
	}
	return max
}

// refreshDerivedLocked brings child lists and depths up to date after
// structural changes: clear everything, one append pass, one depth pass.
// Caller must hold t.mu for writing.
func (t *MasterTree) refreshDerivedLocked() {
	if !t.derivedStale && t.hasDepth {
		return
	}
	for _, node := range t.order {
		node.clearDerived()
	}
	for _, node := range t.order {
		if node.root {
			continue
		}
		node.parent.addChild(node)
	}
	t.maxDepth = bfsDepth(t.root)
	t.hasDepth = true
	t.derivedStale = false
}

// nodesSnapshot returns the arena contents in insertion order.
func (t *MasterTree) nodesSnapshot() []*MasterNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*MasterNode, len(t.order))
	copy(out, t.order)
	return out
}

// TreeStats is a point-in-time summary of the tree for operational
// endpoints.
type TreeStats struct {
	Nodes         int       `json:"nodes"`
	ExpandedNodes int       `json:"expanded_nodes"`
	MaxDepth      int       `json:"max_depth"`
	DepthComputed bool      `json:"depth_computed"`
	RootVisits    []uint64  `json:"root_visits"`
	ScenarioNodes []int     `json:"scenario_nodes"`
	Probability   []float64 `json:"probability"`
	Actions       []int     `json:"actions"`
}

// Stats summarizes the tree without refreshing derived state: node counts,
// last computed depth, per-scenario visit totals at the root, and the number
// of nodes each scenario has touched.
func (t *MasterTree) Stats() TreeStats {
	nodes := t.nodesSnapshot()
	t.mu.RLock()
	stats := TreeStats{
		Nodes:         len(nodes),
		MaxDepth:      t.maxDepth,
		DepthComputed: t.hasDepth,
		Probability:   t.Probability(),
		Actions:       t.actions.Values(),
	}
	root := t.root
	t.mu.RUnlock()
	stats.RootVisits = make([]uint64, t.numScenarios)
	stats.ScenarioNodes = make([]int, t.numScenarios)
	for s := 0; s < t.numScenarios; s++ {
		stats.RootVisits[s] = root.scenarioTotal(s)
	}
	for _, node := range nodes {
		if node.IsExpanded() {
			stats.ExpandedNodes++
		}
		for s := 0; s < t.numScenarios; s++ {
			if node.scenarioTotal(s) > 0 {
				stats.ScenarioNodes[s]++
			}
		}
	}
	return stats
}
