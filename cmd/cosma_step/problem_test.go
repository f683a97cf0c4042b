// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"
	"time"

	"github.com/gomlx/cosma/pkg/core/interval"
	"github.com/gomlx/cosma/pkg/core/strategy"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumRanks(t *testing.T) {
	assert.Equal(t, 6, numRanks("pm2,sk2,pn3"))
	assert.Equal(t, 1, numRanks(""))
	assert.Equal(t, 1, numRanks("sm4"))
}

func TestSubProblemOf(t *testing.T) {
	strat := must.M1(strategy.Parse(10, 8, 12, 4, "pm2,sk3,pk2"))
	assert.Equal(t, 0, firstParallelStep(strat))

	sp := must.M1(subProblemOf(strat, 2, 3))
	assert.Equal(t, interval.New(5, 10), sp.m)
	assert.Equal(t, interval.New(0, 8), sp.n)
	assert.Equal(t, interval.New(0, 4), sp.k)
	assert.Equal(t, interval.New(2, 4), sp.p)

	groups := must.M1(groupsOf(strat, 2))
	require.Len(t, groups, 2)
	assert.Equal(t, []int{0, 1}, groups[0].ranks)
	assert.Equal(t, []int{2, 3}, groups[1].ranks)
	assert.Equal(t, [][]int{{2, 3}}, groups[1].comms)

	// The first step splits the 4 ranks in two halves.
	groups = must.M1(groupsOf(strat, 0))
	require.Len(t, groups, 1)
	assert.Equal(t, []int{0, 1, 2, 3}, groups[0].ranks)
	assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups[0].comms)

	_, err := subProblemOf(strat, 2, 4)
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	for _, tc := range []struct {
		steps     string
		stepIndex int
		beta      float64
	}{
		{"pm2,sk2,pk2", 2, 1},
		{"pn3", 0, 0},
		{"sk2,pm2,pn2", 2, 2},
		{"pm2,pn2", 0, 1},
		{"pk2,pm2", 0, 2},
		{"sk2,pm2,pn2", 1, 0},
		{"pm2,sk2,pk2", 0, 1},
	} {
		strat := must.M1(strategy.Parse(9, 7, 11, numRanks(tc.steps), tc.steps))
		cfg := config{
			strat:     strat,
			stepIndex: tc.stepIndex,
			beta:      tc.beta,
			overlap:   "chunks=2",
			latency:   50 * time.Microsecond,
			seed:      1,
			repeat:    2,
			verify:    true,
			plain:     true,
		}
		res, err := run[float64](cfg)
		require.NoError(t, err, tc.steps)
		assert.Zero(t, res.mismatches, tc.steps)
		for rank, s := range res.stats {
			assert.Equal(t, rank, s.Rank)
			assert.Equal(t, uint64(2), s.Epoch)
		}

		res32, err := run[float32](cfg)
		require.NoError(t, err)
		assert.Zero(t, res32.mismatches, tc.steps)
	}

	strat := must.M1(strategy.Parse(4, 4, 4, 2, "sk2,pm2"))
	_, err := run[float64](config{strat: strat, stepIndex: 0, repeat: 1})
	require.Error(t, err, "sequential step")
}
