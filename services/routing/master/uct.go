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

import "math"

// UCT returns the scenario-probability-weighted upper confidence bound for
// the node stored under the given hash. Workers call this mid-search to bias
// their own selection toward branches the whole fleet finds promising.
//
// Description:
//
//	Per scenario s, with arm a the action that leads from the node's parent
//	to the node:
//
//	  exploitation(s) = max over actions of the node's own mean reward
//	  exploration(s)  = C * sqrt(2 * ln(parentVisits(s)) / armVisits(s))
//
//	where parentVisits(s) sums every cell of the parent's row s and
//	armVisits(s) is the parent's (s, a) cell count. A scenario that has not
//	visited the parent, or not through this arm, contributes 0. The result
//	is the dot product of the per-scenario values with the probability
//	vector, so it is finite and non-negative whenever rewards are.
//
// Inputs:
//   - hash: node identity. Unknown hashes score 0, as does the root, which
//     has no parent to rank it against.
//
// Outputs:
//   - float64: the weighted UCT value.
//
// Thread Safety: safe to call concurrently with integration; the value is
// eventually consistent and two reads may disagree while updates land.
func (t *MasterTree) UCT(hash NodeHash) float64 {
	t.mu.RLock()
	node, ok := t.nodes[hash]
	t.mu.RUnlock()
	if !ok || node.parent == nil {
		return 0
	}
	parent := node.parent
	total := 0.0
	for s := 0; s < t.numScenarios; s++ {
		parentVisits := parent.scenarioTotal(s)
		armVisits := parent.actionTotal(s, node.arm)
		if parentVisits == 0 || armVisits == 0 {
			continue
		}
		exploration := t.uctCoeff * math.Sqrt(2*math.Log(float64(parentVisits))/float64(armVisits))
		exploitation := node.maxActionMean(s)
		total += (exploitation + exploration) * t.probability[s]
	}
	return total
}
