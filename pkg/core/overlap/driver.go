// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"sync"

	"github.com/gomlx/cosma/pkg/core/gemm"
	"github.com/gomlx/cosma/pkg/core/matrix"
	"github.com/gomlx/cosma/pkg/core/strategy"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// regionState serializes the folds into one C region and tracks whether beta was already applied.
type regionState struct {
	mu    sync.Mutex
	folds int
}

// tiles are the local A, B and C tiles of a step.
type tiles[T gemm.Scalar] struct {
	a, b, c *matrix.Matrix[T]
}

// chunkData returns the data of a landed chunk: in place from the local tiles for local broadcast chunks,
// or from the receive buffer.
func chunkData[T gemm.Scalar](plan *Plan, chunk *Chunk, t tiles[T], recv []T) ([]T, error) {
	if chunk.Offset >= 0 {
		return recv[chunk.Offset : chunk.Offset+chunk.Count], nil
	}
	switch plan.Step.Dim {
	case strategy.M:
		return t.b.RowBand(chunk.Rows)
	case strategy.N:
		return t.a.RowBand(chunk.Rows)
	}
	return nil, errors.Errorf("chunk #%d of a %s step has no data", chunk.ID, plan.Pattern)
}

// foldChunk folds the chunk data into its C region, with the given beta.
func foldChunk[T gemm.Scalar](kernel gemm.Kernel[T], plan *Plan, chunk *Chunk, beta T, t tiles[T], data []T) error {
	region := &plan.Regions[chunk.Region]
	cView, err := t.c.Block(region.Rows, region.Cols)
	if err != nil {
		return err
	}
	switch plan.Step.Dim {
	case strategy.M:
		// C[m_i, n_j] = beta*C + A_i[m_i, band] · chunk[band, n_j]
		aView, err := t.a.Block(t.a.Rows(), chunk.Rows)
		if err != nil {
			return err
		}
		return kernel.Gemm(cView.Rows, cView.Cols, chunk.Rows.Len(), 1, aView.Data, aView.Stride,
			data, chunk.Cols.Len(), beta, cView.Data, cView.Stride)
	case strategy.N:
		// C[band, n_i] = beta*C + chunk[band, k] · B_i[k, n_i]
		return kernel.Gemm(cView.Rows, cView.Cols, chunk.Cols.Len(), 1, data, chunk.Cols.Len(),
			t.b.Data(), t.b.Stride(), beta, cView.Data, cView.Stride)
	case strategy.K:
		// C[band, n] = beta*C + partial[band, n]
		return gemm.Accumulate(cView.Rows, cView.Cols, beta, data, chunk.Cols.Len(), cView.Data, cView.Stride)
	}
	return errors.Errorf("invalid step dimension %s", plan.Step.Dim)
}

// computePartial computes the partial product of a reduce push, A[rows, k_i] · B[k_i, n], into dst.
func computePartial[T gemm.Scalar](kernel gemm.Kernel[T], push *Push, t tiles[T], dst []T) error {
	aView, err := t.a.Block(push.Rows, t.a.Cols())
	if err != nil {
		return err
	}
	return kernel.Gemm(push.Rows.Len(), push.Cols.Len(), t.a.Cols().Len(), 1, aView.Data, aView.Stride,
		t.b.Data(), t.b.Stride(), 0, dst, push.Cols.Len())
}

// fold consumes one landed chunk: it is folded into its region under the region lock, applying beta only if it
// is the first fold of the region, and then marked consumed.
//
// Panics in the kernel are converted to an AccumulationError.
func (r *run[T]) fold(id int) error {
	chunk := &r.plan.Chunks[id]
	region := &r.regions[chunk.Region]
	newErr := func(err error) error {
		plan := &r.plan.Regions[chunk.Region]
		return &AccumulationError{Rank: r.plan.Rank, Step: r.plan.StepIndex, Chunk: id, Region: chunk.Region,
			Rows: plan.Rows, Cols: plan.Cols, Err: err}
	}
	data, err := chunkData(r.plan, chunk, r.tiles, r.recv)
	if err != nil {
		return newErr(err)
	}

	region.mu.Lock()
	beta := T(1)
	if region.folds == 0 {
		beta = r.step.Beta
	}
	err = exceptions.TryCatch[error](func() {
		if err := foldChunk(r.engine.kernel, r.plan, chunk, beta, r.tiles, data); err != nil {
			panic(err)
		}
	})
	if err == nil {
		region.folds++
	}
	region.mu.Unlock()
	if err != nil {
		return newErr(err)
	}
	if klog.V(2).Enabled() {
		klog.Infof("overlap: rank %d step %d folded chunk #%d (%s×%s, beta=%g) into region #%d",
			r.plan.Rank, r.plan.StepIndex, id, chunk.Rows, chunk.Cols, float64(beta), chunk.Region)
	}
	return r.tracker.MarkConsumed(id)
}

// dispatchFolds takes every landed chunk from the tracker and folds it, in the worker pool if available or inline.
func (r *run[T]) dispatchFolds() {
	for {
		if r.ctx.Err() != nil {
			return
		}
		id, ok := r.tracker.TryTakeLanded()
		if !ok {
			return
		}
		task := func() {
			defer r.folds.Done()
			if err := r.fold(id); err != nil {
				r.fail(err)
			}
		}
		r.folds.Add(1)
		if r.engine.pool == nil || !r.engine.pool.StartIfAvailable(task) {
			task()
		}
	}
}

// push computes the partial product of the next reduce push and issues it. Pushes to the local rank are written
// in place in the receive buffer and land immediately.
func (r *run[T]) push(push *Push) error {
	var dst []T
	if push.Self {
		dst = r.recv[push.RemoteOffset : push.RemoteOffset+push.Count]
	} else {
		dst = r.send[push.Index]
	}
	err := exceptions.TryCatch[error](func() {
		if err := computePartial(r.engine.kernel, push, r.tiles, dst); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return &AccumulationError{Rank: r.plan.Rank, Step: r.plan.StepIndex, Chunk: push.Index, Region: -1,
			Rows: push.Rows, Cols: push.Cols, Err: err}
	}
	if push.Self {
		return r.tracker.MarkLanded(push.Tag)
	}
	return r.issuePut(push, dst)
}
