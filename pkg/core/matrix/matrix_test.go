// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"testing"

	"github.com/gomlx/cosma/pkg/core/interval"
	"github.com/gomlx/cosma/pkg/core/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i)
	}
	return values
}

func TestFromGlobalAndScatter(t *testing.T) {
	// 4x5 global matrix with values 0..19.
	global := sequence(20)
	tile, err := FromGlobal("A", global, 5, interval.New(1, 3), interval.New(2, 5))
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 8, 9, 12, 13, 14}, tile.Data())
	assert.Equal(t, 3, tile.Stride())
	assert.Equal(t, 13.0, tile.At(2, 3))

	tile.Set(2, 3, -1)
	out := make([]float64, 20)
	require.NoError(t, tile.ScatterTo(out, 5))
	assert.Equal(t, -1.0, out[13])
	assert.Equal(t, 7.0, out[7])
	assert.Equal(t, 0.0, out[6])

	_, err = FromGlobal("A", global, 5, interval.New(3, 5), interval.New(0, 5))
	require.Error(t, err)
	_, err = FromData("B", interval.New(0, 2), interval.New(0, 2), []float64{1, 2, 3})
	require.Error(t, err)
}

func TestBlockAndRowBand(t *testing.T) {
	tile, err := FromGlobal("C", sequence(20), 5, interval.New(0, 4), interval.New(0, 5))
	require.NoError(t, err)

	view, err := tile.Block(interval.New(1, 3), interval.New(2, 4))
	require.NoError(t, err)
	assert.Equal(t, 2, view.Rows)
	assert.Equal(t, 2, view.Cols)
	assert.Equal(t, 5, view.Stride)
	assert.Equal(t, 7.0, view.At(0, 0))
	assert.Equal(t, 13.0, view.At(1, 1))

	empty, err := tile.Block(interval.New(4, 4), interval.New(0, 5))
	require.NoError(t, err)
	assert.True(t, empty.Empty())
	assert.Nil(t, empty.Data)

	_, err = tile.Block(interval.New(3, 5), interval.New(0, 1))
	require.Error(t, err)

	band, err := tile.RowBand(interval.New(2, 3))
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 11, 12, 13, 14}, band)
	_, err = tile.RowBand(interval.New(2, 6))
	require.Error(t, err)

	clone := tile.Clone()
	clone.Set(0, 0, 100)
	assert.Equal(t, 0.0, tile.At(0, 0))
}

func TestLayoutFor(t *testing.T) {
	m, n, k := interval.New(0, 6), interval.New(0, 8), interval.New(0, 4)
	p := interval.New(4, 6)

	mSplit := strategy.Step{Type: strategy.Parallel, Dim: strategy.M, Divisor: 2}
	l, err := LayoutFor(mSplit, m, n, k, p, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Index)
	assert.Equal(t, []int{4, 5}, l.Group)
	assert.Equal(t, Tile{Rows: interval.New(3, 6), Cols: k}, l.A)
	assert.Equal(t, Tile{Rows: k, Cols: interval.New(4, 8)}, l.B)
	assert.Equal(t, Tile{Rows: interval.New(3, 6), Cols: n}, l.C)
	assert.Equal(t, Tile{Rows: k, Cols: interval.New(0, 4)}, l.Peer(m, n, k, 0).B)

	nSplit := strategy.Step{Type: strategy.Parallel, Dim: strategy.N, Divisor: 2}
	l, err = LayoutFor(nSplit, m, n, k, p, 4)
	require.NoError(t, err)
	assert.Equal(t, Tile{Rows: m, Cols: interval.New(0, 4)}, l.C)
	assert.Equal(t, Tile{Rows: interval.New(0, 3), Cols: k}, l.A)

	kSplit := strategy.Step{Type: strategy.Parallel, Dim: strategy.K, Divisor: 2}
	l, err = LayoutFor(kSplit, m, n, k, p, 5)
	require.NoError(t, err)
	assert.Equal(t, Tile{Rows: m, Cols: interval.New(2, 4)}, l.A)
	assert.Equal(t, Tile{Rows: interval.New(2, 4), Cols: n}, l.B)
	assert.Equal(t, Tile{Rows: interval.New(3, 6), Cols: n}, l.C)

	a := New[float32]("A", l.A.Rows, l.A.Cols)
	b := New[float32]("B", l.B.Rows, l.B.Cols)
	c := New[float32]("C", l.C.Rows, l.C.Cols)
	require.NoError(t, Matches(l, a, b, c))
	require.Error(t, Matches(l, b, a, c))
	require.Error(t, Matches(l, a, b, nil))

	_, err = LayoutFor(kSplit, m, n, k, p, 3)
	require.Error(t, err, "rank outside of P")
	_, err = LayoutFor(strategy.Step{Type: strategy.Parallel, Dim: strategy.K, Divisor: 3}, m, n, k, p, 4)
	require.Error(t, err, "divisor not dividing |P|")
	_, err = LayoutFor(strategy.Step{Type: strategy.Sequential, Dim: strategy.K, Divisor: 2}, m, n, k, p, 4)
	require.Error(t, err, "sequential step")
}

func TestLayoutForSubGroups(t *testing.T) {
	m, n, k := interval.New(0, 6), interval.New(0, 8), interval.New(0, 4)
	p := interval.New(0, 6)
	mSplit := strategy.Step{Type: strategy.Parallel, Dim: strategy.M, Divisor: 2}

	// Sub-groups [0, 3) and [3, 6): rank 4 is at offset 1 of the second one.
	l, err := LayoutFor(mSplit, m, n, k, p, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Index)
	assert.Equal(t, []int{1, 4}, l.Group)
	assert.Equal(t, Tile{Rows: interval.New(3, 6), Cols: n}, l.C)
	assert.Equal(t, []int{1, 4}, l.Peer(m, n, k, 0).Group)

	// Ranks at the same position of their communication groups hold the same tiles.
	other, err := LayoutFor(mSplit, m, n, k, p, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, other.Group)
	assert.Equal(t, l.A, other.A)
	assert.Equal(t, l.B, other.B)
	assert.Equal(t, l.C, other.C)

	kSplit := strategy.Step{Type: strategy.Parallel, Dim: strategy.K, Divisor: 3}
	l, err = LayoutFor(kSplit, m, n, k, p, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Index)
	assert.Equal(t, []int{1, 3, 5}, l.Group)
	assert.Equal(t, Tile{Rows: interval.New(2, 4), Cols: n}, l.C)

	_, err = LayoutFor(strategy.Step{Type: strategy.Parallel, Dim: strategy.N, Divisor: 4}, m, n, k, p, 0)
	require.Error(t, err, "divisor not dividing |P|")
}
