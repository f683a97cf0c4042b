// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	i := New(2, 7)
	assert.Equal(t, 2, i.Start())
	assert.Equal(t, 7, i.End())
	assert.Equal(t, 5, i.Len())
	assert.False(t, i.Empty())
	assert.True(t, New(3, 3).Empty())
	assert.Equal(t, "[2, 7)", i.String())
	assert.Equal(t, New(4, 10), FromLength(4, 6))
	require.Panics(t, func() { _ = New(5, 4) })
}

func TestContainsAndCovers(t *testing.T) {
	i := New(2, 6)
	assert.False(t, i.Contains(1))
	assert.True(t, i.Contains(2))
	assert.True(t, i.Contains(5))
	assert.False(t, i.Contains(6))

	assert.True(t, i.Covers(New(3, 5)))
	assert.True(t, i.Covers(i))
	assert.True(t, i.Covers(New(6, 6)))
	assert.False(t, i.Covers(New(1, 3)))
	assert.False(t, i.Covers(New(5, 7)))
	assert.Equal(t, New(12, 16), i.Shift(10))
	assert.Equal(t, 3, i.Offset(5))
}

func TestSubinterval(t *testing.T) {
	i := New(10, 20)
	assert.Equal(t, []Interval{New(10, 14), New(14, 17), New(17, 20)}, i.Split(3))
	assert.Equal(t, New(14, 17), i.Subinterval(3, 1))

	// More parts than elements: trailing parts are empty.
	small := New(0, 2)
	assert.Equal(t, []Interval{New(0, 1), New(1, 2), New(2, 2), New(2, 2)}, small.Split(4))

	require.Panics(t, func() { _ = i.Subinterval(0, 0) })
	require.Panics(t, func() { _ = i.Subinterval(3, 3) })
	require.Panics(t, func() { _ = i.Subinterval(3, -1) })
}

func TestSplitPartitions(t *testing.T) {
	for _, length := range []int{0, 1, 5, 16, 17} {
		for divisor := 1; divisor <= 6; divisor++ {
			i := FromLength(3, length)
			parts := i.Split(divisor)
			require.Len(t, parts, divisor)
			next := i.Start()
			for idx, part := range parts {
				require.Equal(t, next, part.Start(), "gap before part %d of %s split in %d", idx, i, divisor)
				require.True(t, i.Covers(part))
				require.LessOrEqual(t, part.Len()-parts[len(parts)-1].Len(), 1, "unbalanced split")
				for x := part.Start(); x < part.End(); x++ {
					require.Equal(t, idx, i.Locate(divisor, x), "Locate(%d, %d) on %s", divisor, x, i)
				}
				next = part.End()
			}
			require.Equal(t, i.End(), next)
		}
	}
	assert.Equal(t, -1, New(0, 4).Locate(2, 4))
}

func TestRanks(t *testing.T) {
	assert.Equal(t, []int{4, 5, 6}, New(4, 7).Ranks())
	assert.Empty(t, New(1, 1).Ranks())
}

func TestStrided(t *testing.T) {
	p := New(4, 12)
	assert.Equal(t, []int{5, 9}, p.Strided(2, 5))
	assert.Equal(t, []int{5, 9}, p.Strided(2, 9))
	assert.Equal(t, []int{4, 6, 8, 10}, p.Strided(4, 8))
	assert.Equal(t, p.Ranks(), p.Strided(8, 7))
	assert.Equal(t, []int{7}, p.Strided(1, 7))
	require.Panics(t, func() { _ = p.Strided(3, 5) })
	require.Panics(t, func() { _ = p.Strided(2, 12) })
}
