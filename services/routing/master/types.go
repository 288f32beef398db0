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
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilContext indicates a nil context was passed to an operation that
	// requires one.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrInvalidScenario indicates a scenario index outside [0, NumScenarios).
	ErrInvalidScenario = errors.New("scenario index out of range")

	// ErrUnknownAction indicates an action value that is not a member of the
	// tree's action set.
	ErrUnknownAction = errors.New("action value not in action set")

	// ErrOrphanUpdate indicates an update whose parent hash is not present in
	// the tree, so the new child cannot be attached anywhere.
	ErrOrphanUpdate = errors.New("update references unknown parent node")

	// ErrDuplicateNode indicates an attempt to insert a node under a hash the
	// arena already holds.
	ErrDuplicateNode = errors.New("node hash already present in tree")

	// ErrStalled indicates the aggregator saw no worker progress for longer
	// than its configured stall timeout.
	ErrStalled = errors.New("aggregation stalled: no worker progress within deadline")

	// ErrInvalidConfig indicates a configuration that failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrExportSchema indicates a tree export written under an unsupported
	// schema version.
	ErrExportSchema = errors.New("unsupported tree export schema version")

	// ErrExportCorrupt indicates a tree export whose internal references do
	// not form a valid tree.
	ErrExportCorrupt = errors.New("tree export is corrupt")
)

// -----------------------------------------------------------------------------
// Scenario selectors
// -----------------------------------------------------------------------------

// AggregateScenario selects the probability-weighted aggregate over all
// scenarios in policy queries, as opposed to a single scenario index.
const AggregateScenario = -1

// -----------------------------------------------------------------------------
// Update journal seam
// -----------------------------------------------------------------------------

// UpdateJournal persists drained update batches before integration so a
// crashed run can be replayed. The persist package provides the badger-backed
// implementation; the aggregator only needs the append side.
//
// Thread Safety: implementations must be safe for concurrent use.
type UpdateJournal interface {
	// AppendBatch durably records one drained worker batch.
	AppendBatch(ctx context.Context, workerID int, updates []RewardUpdate) error
}
