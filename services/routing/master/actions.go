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

import "fmt"

// ActionSet is the ordered, process-wide set of action values workers may
// take at any node (for sailboat routing, headings in degrees). The order is
// fixed at construction and shared by every histogram table in the tree, so
// a column index means the same action everywhere.
//
// Thread Safety: immutable after construction; safe for concurrent use.
type ActionSet struct {
	values []int
	index  map[int]int
}

// NewActionSet builds an action set from the given values, preserving order.
//
// Inputs:
//   - values: distinct action values. Must be non-empty.
//
// Outputs:
//   - *ActionSet: the constructed set.
//   - error: ErrInvalidConfig if values is empty or contains duplicates.
func NewActionSet(values []int) (*ActionSet, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("action set cannot be empty: %w", ErrInvalidConfig)
	}
	set := &ActionSet{
		values: make([]int, len(values)),
		index:  make(map[int]int, len(values)),
	}
	copy(set.values, values)
	for i, v := range values {
		if _, dup := set.index[v]; dup {
			return nil, fmt.Errorf("duplicate action value %d: %w", v, ErrInvalidConfig)
		}
		set.index[v] = i
	}
	return set, nil
}

// Len returns the number of actions in the set.
func (a *ActionSet) Len() int {
	return len(a.values)
}

// Values returns a copy of the action values in set order.
func (a *ActionSet) Values() []int {
	out := make([]int, len(a.values))
	copy(out, a.values)
	return out
}

// Index returns the column index of the given action value and whether the
// value is a member of the set.
func (a *ActionSet) Index(value int) (int, bool) {
	i, ok := a.index[value]
	return i, ok
}

// Value returns the action value at the given column index.
func (a *ActionSet) Value(i int) int {
	return a.values[i]
}
