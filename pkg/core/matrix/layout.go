// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"fmt"

	"github.com/gomlx/cosma/pkg/core/gemm"
	"github.com/gomlx/cosma/pkg/core/interval"
	"github.com/gomlx/cosma/pkg/core/strategy"
	"github.com/pkg/errors"
)

// Tile is the global block (rows × cols) of a matrix held by a rank.
type Tile struct {
	Rows, Cols interval.Interval
}

// String implements fmt.Stringer.
func (t Tile) String() string {
	return fmt.Sprintf("%s×%s", t.Rows, t.Cols)
}

// Layout of the tiles held by one rank when it enters a parallel step of divisor d over the ranks P.
//
// P is split into d sub-groups of |P|/d consecutive ranks. The rank communicates with the ranks at the same
// offset in the other sub-groups (Group), and its position in Group is the index i of its sub-group.
// The tiles depend only on i, so they are replicated across the |P|/d communication groups of P.
//
// With x_i the i-th of d balanced parts of x:
//
//   - m-split (broadcast B): A is m_i×k, B is k×n_i, C is m_i×n.
//   - n-split (broadcast A): A is m_i×k, B is k×n_i, C is m×n_i.
//   - k-split (reduce C):    A is m×k_i, B is k_i×n, C is m_i×n.
type Layout struct {
	Step    strategy.Step
	Index   int
	Divisor int
	A, B, C Tile

	// Group holds the ranks of the communication group, Group[Index] being the rank itself.
	Group []int
}

// LayoutFor returns the layout of the rank for the given parallel step over the intervals m, n, k and ranks p.
func LayoutFor(step strategy.Step, m, n, k, p interval.Interval, rank int) (Layout, error) {
	if step.Type != strategy.Parallel {
		return Layout{}, errors.Errorf("layout: step %s is not parallel", step)
	}
	if step.Divisor <= 0 || p.Len()%step.Divisor != 0 {
		return Layout{}, errors.Errorf("layout: step %s divisor must divide the number of ranks in P=%s", step, p)
	}
	if !p.Contains(rank) {
		return Layout{}, errors.Errorf("layout: rank %d not in P=%s", rank, p)
	}
	index := p.Offset(rank) / (p.Len() / step.Divisor)
	l := ownerLayout(step, m, n, k, index)
	l.Group = p.Strided(step.Divisor, rank)
	return l, nil
}

// ownerLayout returns the tiles of the rank at position index of its communication group.
func ownerLayout(step strategy.Step, m, n, k interval.Interval, index int) Layout {
	d := step.Divisor
	l := Layout{Step: step, Index: index, Divisor: d}
	switch step.Dim {
	case strategy.M:
		l.A = Tile{Rows: m.Subinterval(d, index), Cols: k}
		l.B = Tile{Rows: k, Cols: n.Subinterval(d, index)}
		l.C = Tile{Rows: m.Subinterval(d, index), Cols: n}
	case strategy.N:
		l.A = Tile{Rows: m.Subinterval(d, index), Cols: k}
		l.B = Tile{Rows: k, Cols: n.Subinterval(d, index)}
		l.C = Tile{Rows: m, Cols: n.Subinterval(d, index)}
	case strategy.K:
		l.A = Tile{Rows: m, Cols: k.Subinterval(d, index)}
		l.B = Tile{Rows: k.Subinterval(d, index), Cols: n}
		l.C = Tile{Rows: m.Subinterval(d, index), Cols: n}
	}
	return l
}

// Peer returns the tiles of the rank at position index of the communication group.
// Every rank can compute the layout of its peers, which is how sources and destinations of
// one-sided transfers agree on offsets without exchanging messages.
func (l Layout) Peer(m, n, k interval.Interval, index int) Layout {
	peer := ownerLayout(l.Step, m, n, k, index)
	peer.Group = l.Group
	return peer
}

// Matches returns an error if the tiles a, b and c don't cover exactly the blocks of the layout.
func Matches[T gemm.Scalar](l Layout, a, b, c *Matrix[T]) error {
	for _, pair := range []struct {
		m    *Matrix[T]
		want Tile
	}{{a, l.A}, {b, l.B}, {c, l.C}} {
		if pair.m == nil {
			return errors.Errorf("layout: missing tile %s", pair.want)
		}
		if !pair.m.Rows().Equal(pair.want.Rows) || !pair.m.Cols().Equal(pair.want.Cols) {
			return errors.Errorf("layout: step %s expects %s tile %s at position %d, got %s×%s",
				l.Step, pair.m.Label(), pair.want, l.Index, pair.m.Rows(), pair.m.Cols())
		}
	}
	return nil
}
