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
	"github.com/AleutianAI/WindwardFOSS/services/routing/master"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Ready     bool   `json:"ready"`
	SessionID string `json:"session_id"`
	Nodes     int    `json:"nodes"`
}

// AggregatorStats reports aggregator progress counters.
type AggregatorStats struct {
	// Cycles is the number of completed poll sweeps.
	Cycles uint64 `json:"cycles"`

	// Integrated is the number of updates applied to the tree.
	Integrated uint64 `json:"integrated"`
}

// StatsResponse is the tree statistics response.
type StatsResponse struct {
	SessionID  string           `json:"session_id"`
	Tree       master.TreeStats `json:"tree"`
	Aggregator *AggregatorStats `json:"aggregator,omitempty"`
}

// PolicyResponse is the best-policy extraction response.
type PolicyResponse struct {
	SessionID string `json:"session_id"`

	// Global is the probability-weighted aggregate policy.
	Global master.Policy `json:"global"`

	// PerScenario holds one greedy policy per scenario, indexed by scenario.
	PerScenario []master.Policy `json:"per_scenario"`
}

// UCTResponse is the per-node UCT query response.
type UCTResponse struct {
	Hash string `json:"hash"`

	// Value is 0 for the root and for hashes not present in the tree.
	Value float64 `json:"value"`
}

// RestoreRequest selects the snapshot to restore.
type RestoreRequest struct {
	// SessionID of the snapshot. Empty restores the service's own session.
	SessionID string `json:"session_id"`
}

// RestoreResponse summarizes a completed restore.
type RestoreResponse struct {
	SessionID       string `json:"session_id"`
	Nodes           int    `json:"nodes"`
	BatchesReplayed int    `json:"batches_replayed"`
}
