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
)

// Policy is one greedy root-to-leaf walk: the action taken at each step and
// the node hashes visited, root first. Actions has one entry fewer than
// Nodes.
type Policy struct {
	Actions []int      `json:"actions"`
	Nodes   []NodeHash `json:"nodes"`
}

// PolicySet bundles the aggregate policy with one policy per scenario.
type PolicySet struct {
	Global      Policy   `json:"global"`
	PerScenario []Policy `json:"per_scenario"`
}

// BestChild returns the child of node whose best per-action mean reward is
// highest under the given scenario selector, together with the arm that
// leads to it.
//
// Description:
//
//	For each child, every action cell is scored: under AggregateScenario the
//	score is the dot product of the cell's per-scenario means with the
//	probability vector, under a concrete scenario it is the cell's mean for
//	that scenario alone. The child's value is its best cell score. Children
//	are compared strictly greater against a floor of -1, so with
//	non-negative rewards the first-inserted child wins ties.
//
// Inputs:
//   - node: parent whose derived child list is consulted. Must be non-nil
//     and current (see RebuildChildren).
//   - scenario: AggregateScenario or an index in [0, NumScenarios).
//
// Outputs:
//   - *MasterNode: the winning child, or nil when node has no children or
//     the selector is invalid.
//   - int: the arm leading from node to the winning child.
//   - bool: false when no child was selected, which ends a policy walk.
func (t *MasterTree) BestChild(node *MasterNode, scenario int) (*MasterNode, int, bool) {
	if node == nil {
		return nil, 0, false
	}
	if scenario != AggregateScenario && (scenario < 0 || scenario >= t.numScenarios) {
		return nil, 0, false
	}
	children := node.Children()
	if len(children) == 0 {
		return nil, 0, false
	}
	bestReward := -1.0
	var best *MasterNode
	for _, child := range children {
		if reward := t.bestCellScore(child, scenario); reward > bestReward {
			bestReward = reward
			best = child
		}
	}
	if best == nil {
		return nil, 0, false
	}
	return best, best.arm, true
}

// bestCellScore returns the child's highest per-action score under the
// scenario selector.
func (t *MasterTree) bestCellScore(child *MasterNode, scenario int) float64 {
	child.mu.RLock()
	defer child.mu.RUnlock()
	best := math.Inf(-1)
	for j := 0; j < t.actions.Len(); j++ {
		var score float64
		if scenario == AggregateScenario {
			for s := 0; s < t.numScenarios; s++ {
				score += child.rewards[s][j].Mean() * t.probability[s]
			}
		} else {
			score = child.rewards[scenario][j].Mean()
		}
		if score > best {
			best = score
		}
	}
	return best
}

// BestPolicy extracts the greedy policies from the tree: one aggregate walk
// weighted by the probability vector and one walk per scenario. Derived
// child lists and depths are refreshed first, so the walks always see the
// current structure. The result is cached on the tree for export.
//
// Inputs:
//   - ctx: required context (spans only; extraction does not block).
//
// Outputs:
//   - PolicySet: the extracted policies. Every walk starts at the root and
//     stops at the first node without children.
//   - error: ErrNilContext.
//
// Thread Safety: safe for concurrent use; extraction during integration
// reflects whatever updates have landed.
func (t *MasterTree) BestPolicy(ctx context.Context) (PolicySet, error) {
	if ctx == nil {
		return PolicySet{}, ErrNilContext
	}
	_, span := t.tracer.StartPolicy(ctx)
	t.mu.Lock()
	t.refreshDerivedLocked()
	t.mu.Unlock()

	set := PolicySet{
		Global:      t.walkPolicy(AggregateScenario),
		PerScenario: make([]Policy, t.numScenarios),
	}
	for s := 0; s < t.numScenarios; s++ {
		set.PerScenario[s] = t.walkPolicy(s)
	}

	t.mu.Lock()
	t.policies = &set
	t.mu.Unlock()
	t.tracer.EndPolicy(span, len(set.Global.Actions), nil)
	return set, nil
}

// walkPolicy performs one greedy walk from the root under the scenario
// selector.
func (t *MasterTree) walkPolicy(scenario int) Policy {
	t.mu.RLock()
	node := t.root
	t.mu.RUnlock()
	policy := Policy{Nodes: []NodeHash{node.hash}}
	for {
		child, action, ok := t.BestChild(node, scenario)
		if !ok {
			return policy
		}
		policy.Actions = append(policy.Actions, action)
		policy.Nodes = append(policy.Nodes, child.hash)
		node = child
	}
}

// CachedPolicies returns the result of the last BestPolicy call, if any.
func (t *MasterTree) CachedPolicies() (PolicySet, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.policies == nil {
		return PolicySet{}, false
	}
	return *t.policies, true
}

// setCachedPolicies primes the policy cache, used when restoring exports.
func (t *MasterTree) setCachedPolicies(set PolicySet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policies = &set
}
