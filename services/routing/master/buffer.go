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

import "sync"

// RewardUpdate is one observation a worker reports: during scenario
// Scenario, a simulation through the node Child (reached from Parent by
// taking Action) yielded Reward.
//
// Child and Parent are action-sequence hashes, so updates from different
// processes referring to the same sequence land on the same node.
type RewardUpdate struct {
	Scenario int      `json:"scenario"`
	Child    NodeHash `json:"child"`
	Parent   NodeHash `json:"parent"`
	Action   int      `json:"action"`
	Reward   float64  `json:"reward"`
}

// UpdateBuffer is the hand-off point between one worker and the aggregator.
// The worker appends updates as its search produces them; the aggregator
// drains them with an atomic copy-and-clear, so every update is consumed
// exactly once within a run.
//
// Thread Safety: safe for concurrent use by one producer and one consumer.
type UpdateBuffer struct {
	mu      sync.Mutex
	updates []RewardUpdate
}

// NewUpdateBuffer returns an empty buffer.
func NewUpdateBuffer() *UpdateBuffer {
	return &UpdateBuffer{}
}

// Append records one update.
func (b *UpdateBuffer) Append(update RewardUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, update)
}

// AppendBatch records a batch of updates preserving order.
func (b *UpdateBuffer) AppendBatch(updates []RewardUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, updates...)
}

// Drain atomically takes the buffered updates and leaves the buffer empty.
// No update can be observed by two drains, and none is lost between the
// copy and the clear.
func (b *UpdateBuffer) Drain() []RewardUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.updates
	b.updates = nil
	return out
}

// Snapshot returns a copy of the buffered updates without clearing them.
func (b *UpdateBuffer) Snapshot() []RewardUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RewardUpdate, len(b.updates))
	copy(out, b.updates)
	return out
}

// Reset discards any buffered updates.
func (b *UpdateBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = nil
}

// Len returns the number of buffered updates.
func (b *UpdateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.updates)
}
