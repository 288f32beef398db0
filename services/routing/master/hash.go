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
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"regexp"
)

// NodeHash identifies a node by the action sequence leading to it from the
// root. Two workers reaching the same sequence in different processes derive
// the same hash, which is what lets their statistics land on the same node.
type NodeHash string

// nodeHashLen is the number of hex characters kept from the digest. 64 bits
// of collision resistance is ample for the tree sizes a run produces.
const nodeHashLen = 16

var nodeHashPattern = regexp.MustCompile(`^[a-f0-9]{16}$`)

// ComputeNodeHash derives the stable identity of the node reached by taking
// the given action sequence from the root.
//
// Description:
//
//	Encodes each action value as an 8-byte big-endian word, hashes the
//	concatenation with SHA-256, and keeps the first 16 hex characters.
//	A nil or empty sequence yields the root hash. The result depends only
//	on the sequence, never on the process that computed it.
//
// Inputs:
//   - actions: action values in root-to-node order. May be nil.
//
// Outputs:
//   - NodeHash: 16 lowercase hex characters.
//
// Example:
//
//	h := master.ComputeNodeHash([]int{90, 180})
func ComputeNodeHash(actions []int) NodeHash {
	hasher := sha256.New()
	var word [8]byte
	for _, action := range actions {
		binary.BigEndian.PutUint64(word[:], uint64(int64(action)))
		hasher.Write(word[:])
	}
	digest := hasher.Sum(nil)
	return NodeHash(hex.EncodeToString(digest)[:nodeHashLen])
}

// RootNodeHash returns the hash of the empty action sequence. Every tree
// uses the same root hash, so workers can address the root without any
// handshake.
func RootNodeHash() NodeHash {
	return ComputeNodeHash(nil)
}

// Valid reports whether h is a well-formed node hash.
func (h NodeHash) Valid() bool {
	return nodeHashPattern.MatchString(string(h))
}

// String implements fmt.Stringer.
func (h NodeHash) String() string {
	return string(h)
}
