// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/cosma/pkg/core/strategy"
)

// Stats of one step on one rank.
type Stats struct {
	Rank, Step int
	Epoch      uint64
	Pattern    strategy.Pattern

	// Chunks is the number of chunks received (including local ones); RemoteChunks the ones that crossed the
	// substrate.
	Chunks, RemoteChunks int

	// Pushes is the number of partial products pushed to other ranks (reduce steps).
	Pushes int

	BytesFetched, BytesPushed int64

	// Folds is the total number of folds, RegionFolds the number of folds per C region.
	Folds       int
	RegionFolds []int

	Elapsed time.Duration
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("rank %d step %d (%s): %d chunks (%d remote), %d pushes, fetched %s, pushed %s, %d folds in %d regions, %s",
		s.Rank, s.Step, s.Pattern, s.Chunks, s.RemoteChunks, s.Pushes,
		humanize.IBytes(uint64(s.BytesFetched)), humanize.IBytes(uint64(s.BytesPushed)),
		s.Folds, len(s.RegionFolds), s.Elapsed)
}
