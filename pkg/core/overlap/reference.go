// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"github.com/gomlx/cosma/pkg/core/gemm"
	"github.com/gomlx/cosma/pkg/core/matrix"
	"github.com/gomlx/cosma/pkg/core/strategy"
	"github.com/pkg/errors"
)

// SequentialStep computes a step for every rank in P on the calling goroutine, without any substrate: chunks are
// read directly from the peers' tiles and folded strictly in issue order.
//
// as, bs and cs hold the tiles of every rank, indexed by position in P, so every communication group of P is
// computed. It is the reference against which the overlapped engine is validated.
func SequentialStep[T gemm.Scalar](kernel gemm.Kernel[T], strat *strategy.Strategy, as, bs, cs []*matrix.Matrix[T],
	step Step[T], chunksPerPeer int) error {
	if strat == nil {
		return errors.Wrap(ErrInvalidStep, "missing strategy")
	}
	st, err := strat.Step(step.Index)
	if err != nil {
		return errors.Wrapf(ErrInvalidStep, "%v", err)
	}
	if st.Type != strategy.Parallel {
		return errors.Wrapf(ErrInvalidStep, "step #%d (%s) is sequential", step.Index, st)
	}
	numRanks := step.P.Len()
	if len(as) != numRanks || len(bs) != numRanks || len(cs) != numRanks {
		return errors.Wrapf(ErrInvalidStep, "expected tiles for %d ranks, got %d, %d and %d", numRanks, len(as),
			len(bs), len(cs))
	}

	plans := make([]*Plan, numRanks)
	allTiles := make([]tiles[T], numRanks)
	for i := range numRanks {
		plans[i], err = NewPlan(st, step.Index, step.M, step.N, step.K, step.P, step.P.Start()+i, chunksPerPeer)
		if err != nil {
			return err
		}
		allTiles[i] = tiles[T]{a: as[i], b: bs[i], c: cs[i]}
		if err := matrix.Matches(plans[i].Layout, as[i], bs[i], cs[i]); err != nil {
			return errors.Wrapf(ErrInvalidStep, "rank %d: %v", step.P.Start()+i, err)
		}
	}

	// Reduce: every rank computes its partial products straight into the receive buffers of their targets.
	recvs := make([][]T, numRanks)
	if st.Pattern() == strategy.Reduce {
		for i := range numRanks {
			recvs[i] = make([]T, plans[i].RecvSize)
		}
		for i, plan := range plans {
			for p := range plan.Pushes {
				push := &plan.Pushes[p]
				target := push.Target - step.P.Start()
				dst := recvs[target][push.RemoteOffset : push.RemoteOffset+push.Count]
				if err := computePartial(kernel, push, allTiles[i], dst); err != nil {
					return &AccumulationError{Rank: plan.Rank, Step: step.Index, Chunk: push.Index, Region: -1,
						Rows: push.Rows, Cols: push.Cols, Err: err}
				}
			}
		}
	}

	for i, plan := range plans {
		scaled := make([]bool, len(plan.Regions))
		for c := range plan.Chunks {
			chunk := &plan.Chunks[c]
			var data []T
			if plan.Pattern == strategy.Broadcast {
				// Read in place from the source tile.
				source := chunk.Source - step.P.Start()
				data, err = chunkData(plans[source], &Chunk{ID: chunk.ID, Rows: chunk.Rows, Offset: -1},
					allTiles[source], nil)
			} else {
				data, err = chunkData(plan, chunk, allTiles[i], recvs[i])
			}
			if err == nil {
				beta := T(1)
				if !scaled[chunk.Region] {
					beta = step.Beta
					scaled[chunk.Region] = true
				}
				err = foldChunk(kernel, plan, chunk, beta, allTiles[i], data)
			}
			if err != nil {
				region := plan.Regions[chunk.Region]
				return &AccumulationError{Rank: plan.Rank, Step: step.Index, Chunk: chunk.ID, Region: chunk.Region,
					Rows: region.Rows, Cols: region.Cols, Err: err}
			}
		}
	}
	return nil
}
