// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"slices"
	"sync"

	"github.com/gomlx/cosma/pkg/core/gemm"
)

// bufferPool recycles communication buffers across steps of the same engine.
//
// Buffers are only returned to the pool once the barrier of their step guarantees no transfer can still read or
// write them. Buffers of failed steps are never returned.
type bufferPool[T gemm.Scalar] struct {
	mu   sync.Mutex
	free [][]T
}

// get returns a buffer of size n. Its contents are undefined.
func (p *bufferPool[T]) get(n int) []T {
	if n == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// Smallest free buffer that fits.
	best := -1
	for i, buf := range p.free {
		if cap(buf) >= n && (best < 0 || cap(buf) < cap(p.free[best])) {
			best = i
		}
	}
	if best < 0 {
		return make([]T, n)
	}
	buf := p.free[best]
	p.free = slices.Delete(p.free, best, best+1)
	return buf[:n]
}

// put returns buffers to the pool.
func (p *bufferPool[T]) put(bufs ...[]T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, buf := range bufs {
		if cap(buf) > 0 {
			p.free = append(p.free, buf[:0])
		}
	}
}

// size returns the number of free buffers.
func (p *bufferPool[T]) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
