// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/cosma/internal/workerspool"
	"github.com/pkg/errors"
)

// CacheParams are the block and pack sizes of the Blocked kernel.
type CacheParams struct {
	KernelRows int // Mr: rows of A kept in registers by the micro-kernel.
	KernelCols int // Nr: columns of B kept in registers by the micro-kernel.

	ContractingPanel int // Kc: L1 block depth.
	RowsPanel        int // Mc: L2 block height.
	ColsPanel        int // Nc: L3 block width.

	// MinStripCols is the smallest number of output columns handed to a separate worker.
	MinStripCols int
}

// DefaultCacheParams are generic assumptions on cache sizes, good enough for the tile sizes of one step.
var DefaultCacheParams = CacheParams{
	KernelRows:       4,
	KernelCols:       4,
	ContractingPanel: 128,
	RowsPanel:        64,
	ColsPanel:        256,
	MinStripCols:     16,
}

// Blocked kernel packs panels of A and B into contiguous buffers and runs a register micro-kernel over them.
// Output column strips are computed in parallel using a workerspool.Pool.
type Blocked[T Scalar] struct {
	params CacheParams
	pool   *workerspool.Pool
	bufs   sync.Pool
}

// NewBlocked returns a Blocked kernel configured by options, a comma-separated list of "key=value", with keys:
//
//   - mr, nr, kc, mc, nc: override the corresponding DefaultCacheParams.
//   - workers: parallelism of the column strips. 0 runs everything in the calling goroutine,
//     negative values mean unlimited. Default is runtime.NumCPU().
func NewBlocked[T Scalar](options string) (*Blocked[T], error) {
	params := DefaultCacheParams
	workers := runtime.NumCPU()
	for _, part := range strings.Split(options, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("gemm: blocked kernel option %q is not in the form key=value", part)
		}
		v, err := strconv.Atoi(value)
		if err != nil {
			return nil, errors.Wrapf(err, "gemm: blocked kernel option %q", part)
		}
		var target *int
		switch key {
		case "mr":
			target = &params.KernelRows
		case "nr":
			target = &params.KernelCols
		case "kc":
			target = &params.ContractingPanel
		case "mc":
			target = &params.RowsPanel
		case "nc":
			target = &params.ColsPanel
		case "workers":
			workers = v
			continue
		default:
			return nil, errors.Errorf("gemm: unknown blocked kernel option %q", key)
		}
		if v <= 0 {
			return nil, errors.Errorf("gemm: blocked kernel option %q must be positive", part)
		}
		*target = v
	}
	if params.RowsPanel%params.KernelRows != 0 || params.ColsPanel%params.KernelCols != 0 {
		return nil, errors.Errorf("gemm: blocked kernel panels (mc=%d, nc=%d) must be multiples of the micro-kernel (mr=%d, nr=%d)",
			params.RowsPanel, params.ColsPanel, params.KernelRows, params.KernelCols)
	}
	return &Blocked[T]{params: params, pool: workerspool.New(workers)}, nil
}

// Name implements Kernel.
func (*Blocked[T]) Name() string { return "blocked" }

// Params returns the cache parameters of the kernel.
func (bk *Blocked[T]) Params() CacheParams { return bk.params }

// scratch holds the per-strip packing buffers.
type scratch[T Scalar] struct {
	packedA, packedB, accum []T
}

func (bk *Blocked[T]) getScratch() *scratch[T] {
	if s, ok := bk.bufs.Get().(*scratch[T]); ok {
		return s
	}
	p := bk.params
	return &scratch[T]{
		packedA: make([]T, p.RowsPanel*p.ContractingPanel),
		packedB: make([]T, p.ContractingPanel*p.ColsPanel),
		accum:   make([]T, p.KernelRows*p.KernelCols),
	}
}

// Gemm implements Kernel.
func (bk *Blocked[T]) Gemm(m, n, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) error {
	if err := CheckArgs(m, n, k, a, lda, b, ldb, c, ldc); err != nil {
		return err
	}
	if m == 0 || n == 0 {
		return nil
	}
	if k == 0 || alpha == 0 {
		Scale(m, n, beta, c, ldc)
		return nil
	}

	// Split output columns in strips, aligned to the micro-kernel width.
	stripCols := n
	if parallelism := bk.pool.MaxParallelism(); parallelism != 0 && n > bk.params.MinStripCols {
		if parallelism < 0 {
			parallelism = runtime.NumCPU()
		}
		stripCols = max(bk.params.MinStripCols, n/parallelism)
		nr := bk.params.KernelCols
		stripCols = (stripCols + nr - 1) / nr * nr
	}

	var wg sync.WaitGroup
	for colStart := 0; colStart < n; colStart += stripCols {
		colEnd := min(colStart+stripCols, n)
		task := func() {
			s := bk.getScratch()
			bk.strip(s, m, k, alpha, a, lda, b, ldb, beta, c, ldc, colStart, colEnd)
			bk.bufs.Put(s)
		}
		if colEnd == n {
			// Last strip runs in the calling goroutine.
			task()
			break
		}
		wg.Add(1)
		if !bk.pool.StartIfAvailable(func() {
			defer wg.Done()
			task()
		}) {
			wg.Done()
			task()
		}
	}
	wg.Wait()
	return nil
}

// strip computes output columns [colStart, colEnd).
func (bk *Blocked[T]) strip(s *scratch[T], m, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int,
	colStart, colEnd int) {
	p := bk.params
	// Loop 5: tiling output columns.
	for panelCol := colStart; panelCol < colEnd; panelCol += p.ColsPanel {
		panelWidth := min(p.ColsPanel, colEnd-panelCol)

		// Loop 4: tiling the contracting axis. Beta is only applied on the first panel.
		for panelDepthIdx := 0; panelDepthIdx < k; panelDepthIdx += p.ContractingPanel {
			effectiveBeta := beta
			if panelDepthIdx > 0 {
				effectiveBeta = 1
			}
			depth := min(p.ContractingPanel, k-panelDepthIdx)
			packB(b, s.packedB, panelDepthIdx, panelCol, ldb, depth, panelWidth, p.KernelCols)

			// Loop 3: tiling output rows.
			for panelRow := 0; panelRow < m; panelRow += p.RowsPanel {
				height := min(p.RowsPanel, m-panelRow)
				packA(a, s.packedA, panelRow, panelDepthIdx, lda, height, depth, p.KernelRows)

				// Loops 2 and 1: micro-kernel columns and rows.
				for microCol := 0; microCol < panelWidth; microCol += p.KernelCols {
					activeCols := min(p.KernelCols, panelWidth-microCol)
					offsetB := (microCol / p.KernelCols) * depth * p.KernelCols
					for microRow := 0; microRow < height; microRow += p.KernelRows {
						activeRows := min(p.KernelRows, height-microRow)
						offsetA := (microRow / p.KernelRows) * depth * p.KernelRows
						microKernel(depth, alpha, effectiveBeta,
							s.packedA[offsetA:], s.packedB[offsetB:], s.accum,
							c, panelRow+microRow, panelCol+microCol, ldc,
							p.KernelRows, p.KernelCols, activeRows, activeCols)
					}
				}
			}
		}
	}
}

// packB packs a depth×width block of B starting at (rowStart, colStart) into vertical strips of nr columns,
// zero-padding incomplete strips.
func packB[T Scalar](src, dst []T, rowStart, colStart, stride, depth, width, nr int) {
	dstIdx := 0
	for stripCol := 0; stripCol < width; stripCol += nr {
		validCols := min(nr, width-stripCol)
		for row := range depth {
			srcIdx := (rowStart+row)*stride + colStart + stripCol
			copy(dst[dstIdx:dstIdx+validCols], src[srcIdx:srcIdx+validCols])
			clear(dst[dstIdx+validCols : dstIdx+nr])
			dstIdx += nr
		}
	}
}

// packA packs a height×depth block of A starting at (rowStart, colStart) into horizontal strips of mr rows,
// stored contracting-axis first and zero-padded.
func packA[T Scalar](src, dst []T, rowStart, colStart, stride, height, depth, mr int) {
	dstIdx := 0
	for stripRow := 0; stripRow < height; stripRow += mr {
		validRows := min(mr, height-stripRow)
		for col := range depth {
			for row := range validRows {
				dst[dstIdx+row] = src[(rowStart+stripRow+row)*stride+colStart+col]
			}
			clear(dst[dstIdx+validRows : dstIdx+mr])
			dstIdx += mr
		}
	}
}

// microKernel computes one mr×nr tile of the output from packed strips.
func microKernel[T Scalar](depth int, alpha, beta T, packedA, packedB, accum []T,
	c []T, rowStart, colStart, ldc int, mr, nr, activeRows, activeCols int) {
	clear(accum)
	idxA, idxB := 0, 0
	for range depth {
		for r := range mr {
			valA := packedA[idxA+r]
			for col := range nr {
				accum[r*nr+col] += valA * packedB[idxB+col]
			}
		}
		idxA += mr
		idxB += nr
	}
	for r := range activeRows {
		out := c[(rowStart+r)*ldc+colStart : (rowStart+r)*ldc+colStart+activeCols]
		for col := range out {
			if beta == 0 {
				out[col] = alpha * accum[r*nr+col]
			} else {
				out[col] = alpha*accum[r*nr+col] + beta*out[col]
			}
		}
	}
}
