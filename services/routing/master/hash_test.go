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

import "testing"

func TestComputeNodeHashDeterministic(t *testing.T) {
	a := ComputeNodeHash([]int{90, 180, 45})
	b := ComputeNodeHash([]int{90, 180, 45})
	if a != b {
		t.Errorf("same sequence hashed differently: %q vs %q", a, b)
	}
}

func TestComputeNodeHashDistinguishesSequences(t *testing.T) {
	seqs := [][]int{
		nil,
		{90},
		{180},
		{90, 180},
		{180, 90},
		{90, 180, 45},
	}
	seen := make(map[NodeHash][]int)
	for _, seq := range seqs {
		h := ComputeNodeHash(seq)
		if prev, dup := seen[h]; dup {
			t.Errorf("sequences %v and %v collide on %q", prev, seq, h)
		}
		seen[h] = seq
	}
}

func TestComputeNodeHashOrderMatters(t *testing.T) {
	if ComputeNodeHash([]int{90, 180}) == ComputeNodeHash([]int{180, 90}) {
		t.Error("hash must depend on action order")
	}
}

func TestRootNodeHash(t *testing.T) {
	root := RootNodeHash()
	if root != ComputeNodeHash(nil) {
		t.Errorf("root hash %q does not match empty sequence hash", root)
	}
	if root != ComputeNodeHash([]int{}) {
		t.Error("nil and empty sequences must hash identically")
	}
	if !root.Valid() {
		t.Errorf("root hash %q is not well-formed", root)
	}
}

func TestNodeHashValid(t *testing.T) {
	tests := []struct {
		name string
		hash NodeHash
		want bool
	}{
		{"computed", ComputeNodeHash([]int{45}), true},
		{"empty", NodeHash(""), false},
		{"too short", NodeHash("abc123"), false},
		{"too long", NodeHash("0123456789abcdef0"), false},
		{"uppercase", NodeHash("0123456789ABCDEF"), false},
		{"non-hex", NodeHash("0123456789abcdeg"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.hash.Valid(); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.hash, got, tt.want)
			}
		})
	}
}
