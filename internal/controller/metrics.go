// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"time"
)

// =============================================================================
// STREAM STATISTICS
// =============================================================================

// Stats holds timing and volume information collected for one submission.
type Stats struct {
	// Timing
	StartTime      time.Time
	FirstChunkTime time.Time
	EndTime        time.Time

	// Volume
	Chunks int
	Bytes  int

	// Computed
	TTFC     time.Duration // Time to first chunk
	Duration time.Duration
}

// newStats creates a Stats with the start time set.
func newStats() *Stats {
	return &Stats{
		StartTime: time.Now(),
	}
}

// recordChunk notes the arrival of one body chunk.
func (s *Stats) recordChunk(size int) {
	if s.FirstChunkTime.IsZero() {
		s.FirstChunkTime = time.Now()
		s.TTFC = s.FirstChunkTime.Sub(s.StartTime)
	}
	s.Chunks++
	s.Bytes += size
}

// finalize computes the derived fields at stream end.
func (s *Stats) finalize() {
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}
