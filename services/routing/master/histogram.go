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

// HistogramSpec is the process-wide bucket geometry shared by every reward
// histogram in a tree. Fixing the geometry up front is what lets histograms
// from different workers be merged bucket-by-bucket.
//
// Thread Safety: immutable after construction; safe for concurrent use.
type HistogramSpec struct {
	min     float64
	width   float64
	buckets int
	centers []float64
}

// NewHistogramSpec builds a bucket geometry from the given configuration.
//
// Inputs:
//   - cfg: bucket range and count. Max must exceed Min, Buckets must be >= 1.
//
// Outputs:
//   - *HistogramSpec: the constructed geometry.
//   - error: ErrInvalidConfig if the range or bucket count is unusable.
func NewHistogramSpec(cfg HistogramConfig) (*HistogramSpec, error) {
	if cfg.Buckets < 1 {
		return nil, fmt.Errorf("histogram buckets must be >= 1, got %d: %w", cfg.Buckets, ErrInvalidConfig)
	}
	if cfg.Max <= cfg.Min {
		return nil, fmt.Errorf("histogram max %g must exceed min %g: %w", cfg.Max, cfg.Min, ErrInvalidConfig)
	}
	spec := &HistogramSpec{
		min:     cfg.Min,
		width:   (cfg.Max - cfg.Min) / float64(cfg.Buckets),
		buckets: cfg.Buckets,
		centers: make([]float64, cfg.Buckets),
	}
	for i := range spec.centers {
		spec.centers[i] = cfg.Min + (float64(i)+0.5)*spec.width
	}
	return spec, nil
}

// Buckets returns the number of buckets in the geometry.
func (s *HistogramSpec) Buckets() int {
	return s.buckets
}

// Center returns the representative value of bucket i.
func (s *HistogramSpec) Center(i int) float64 {
	return s.centers[i]
}

// bucketFor maps a reward to its bucket index, clamping rewards outside the
// configured range into the first or last bucket.
func (s *HistogramSpec) bucketFor(reward float64) int {
	i := int((reward - s.min) / s.width)
	if i < 0 {
		return 0
	}
	if i >= s.buckets {
		return s.buckets - 1
	}
	return i
}

// RewardHistogram accumulates reward observations for one (scenario, action)
// cell of a node's statistics table. Observations are bucketed against the
// shared HistogramSpec; the mean is taken over bucket centers, so it is a
// deterministic function of the counts regardless of arrival order.
//
// Thread Safety: not safe for concurrent use. The owning node's lock
// serializes all access.
type RewardHistogram struct {
	spec   *HistogramSpec
	counts []uint64
	total  uint64
	sum    float64
}

// NewRewardHistogram returns an empty histogram over the given geometry.
func NewRewardHistogram(spec *HistogramSpec) RewardHistogram {
	return RewardHistogram{
		spec:   spec,
		counts: make([]uint64, spec.buckets),
	}
}

// Add records one reward observation.
func (h *RewardHistogram) Add(reward float64) {
	i := h.spec.bucketFor(reward)
	h.counts[i]++
	h.total++
	h.sum += h.spec.centers[i]
}

// Mean returns the average of all recorded observations, taken over bucket
// centers. An empty histogram has mean 0 so callers can fold unexplored
// cells into comparisons without a separate emptiness branch.
func (h *RewardHistogram) Mean() float64 {
	if h.total == 0 {
		return 0
	}
	return h.sum / float64(h.total)
}

// IsEmpty reports whether no observation has been recorded. A mean of 0 is
// ambiguous between "unexplored" and "explored with zero reward"; IsEmpty is
// the disambiguator.
func (h *RewardHistogram) IsEmpty() bool {
	return h.total == 0
}

// Total returns the number of recorded observations.
func (h *RewardHistogram) Total() uint64 {
	return h.total
}

// Counts returns a copy of the per-bucket counts.
func (h *RewardHistogram) Counts() []uint64 {
	out := make([]uint64, len(h.counts))
	copy(out, h.counts)
	return out
}

// restore overwrites the histogram with previously exported counts.
func (h *RewardHistogram) restore(counts []uint64) error {
	if len(counts) != h.spec.buckets {
		return fmt.Errorf("histogram has %d buckets, export has %d: %w",
			h.spec.buckets, len(counts), ErrExportCorrupt)
	}
	copy(h.counts, counts)
	h.total = 0
	h.sum = 0
	for i, c := range counts {
		h.total += c
		h.sum += float64(c) * h.spec.centers[i]
	}
	return nil
}
