// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"testing"

	"github.com/gomlx/cosma/pkg/core/interval"
	"github.com/gomlx/cosma/pkg/core/strategy"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parallelStep(dim strategy.Dim, divisor int) strategy.Step {
	return strategy.Step{Type: strategy.Parallel, Dim: dim, Divisor: divisor}
}

func TestPlanDeterministic(t *testing.T) {
	m, n, k, p := interval.New(0, 7), interval.New(0, 5), interval.New(0, 6), interval.New(1, 4)
	for _, dim := range []strategy.Dim{strategy.M, strategy.N, strategy.K} {
		first, err := NewPlan(parallelStep(dim, 3), 0, m, n, k, p, 2, 2)
		require.NoError(t, err)
		second, err := NewPlan(parallelStep(dim, 3), 0, m, n, k, p, 2, 2)
		require.NoError(t, err)
		if diff := cmp.Diff(first, second, cmp.Comparer(interval.Interval.Equal)); diff != "" {
			t.Fatalf("plans for %s-split differ (-first +second):\n%s", dim, diff)
		}
	}
}

func TestPlanGatherB(t *testing.T) {
	m, n, k, p := interval.New(0, 4), interval.New(0, 4), interval.New(0, 4), interval.New(0, 2)
	plan, err := NewPlan(parallelStep(strategy.M, 2), 0, m, n, k, p, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, strategy.Broadcast, plan.Pattern)
	assert.Equal(t, "B", plan.Exposed)

	// Rotation order starts from the local rank.
	require.Len(t, plan.Chunks, 2)
	assert.True(t, plan.Chunks[0].Local)
	assert.Equal(t, 1, plan.Chunks[0].Source)
	assert.Equal(t, interval.New(2, 4), plan.Chunks[0].Cols)
	assert.Equal(t, -1, plan.Chunks[0].Offset)
	remote := plan.Chunks[1]
	assert.False(t, remote.Local)
	assert.Equal(t, 0, remote.Source)
	assert.Equal(t, interval.New(0, 2), remote.Cols)
	assert.Equal(t, k, remote.Rows)
	assert.Equal(t, 0, remote.Offset)
	assert.Equal(t, 8, remote.Count)
	assert.Equal(t, 8, plan.RecvSize)
	assert.Equal(t, 1, plan.RemoteChunks())

	// Regions are C[m_i, n_j], one per peer, folded once per band.
	require.Len(t, plan.Regions, 2)
	assert.Equal(t, Region{ID: 1, Rows: interval.New(2, 4), Cols: interval.New(0, 2), Folds: 1}, plan.Regions[1])
	assert.Contains(t, plan.String(), "from rank 0")
}

// TestPlanCoverage checks that, for every rank, the chunks cover each needed block exactly once and every region
// receives as many chunks as folds it expects.
func TestPlanCoverage(t *testing.T) {
	m, n, k := interval.New(3, 10), interval.New(0, 5), interval.New(2, 8)
	p := interval.New(0, 3)
	for _, dim := range []strategy.Dim{strategy.M, strategy.N, strategy.K} {
		for _, chunksPerPeer := range []int{1, 2, 4} {
			plans := make([]*Plan, p.Len())
			for rank := range p.Len() {
				plan, err := NewPlan(parallelStep(dim, p.Len()), 0, m, n, k, p, rank, chunksPerPeer)
				require.NoError(t, err)
				plans[rank] = plan
			}
			for _, plan := range plans {
				folds := make([]int, len(plan.Regions))
				covered := 0
				for _, chunk := range plan.Chunks {
					folds[chunk.Region]++
					covered += chunk.Count
				}
				for i, region := range plan.Regions {
					assert.Equal(t, region.Folds, folds[i], "%s-split rank %d region %d", dim, plan.Rank, i)
				}
				switch dim {
				case strategy.M:
					assert.Equal(t, k.Len()*n.Len(), covered, "all of B is gathered")
				case strategy.N:
					assert.Equal(t, m.Len()*k.Len(), covered, "all of A is gathered")
				case strategy.K:
					assert.Equal(t, p.Len()*plan.Layout.C.Rows.Len()*n.Len(), covered, "one partial per source")
				}
			}
			if dim != strategy.K {
				continue
			}
			// Pushes land exactly on the chunks the targets expect.
			for _, plan := range plans {
				require.Len(t, plan.Pushes, p.Len()*chunksPerPeer)
				assert.True(t, plan.Pushes[len(plan.Pushes)-1].Self, "the local rank is pushed last")
				for _, push := range plan.Pushes {
					target := plans[push.Target]
					chunk := target.Chunks[push.Tag]
					assert.Equal(t, plan.Rank, chunk.Source)
					assert.Equal(t, chunk.Offset, push.RemoteOffset)
					assert.Equal(t, chunk.Count, push.Count)
					assert.Equal(t, chunk.Rows, push.Rows)
					assert.Equal(t, push.Self, chunk.Local)
				}
			}
		}
	}
}

func TestPlanErrors(t *testing.T) {
	m, n, k, p := interval.New(0, 4), interval.New(0, 4), interval.New(0, 4), interval.New(0, 2)
	_, err := NewPlan(parallelStep(strategy.M, 2), 0, m, n, k, p, 2, 1)
	require.ErrorIs(t, err, ErrInvalidStep)
	_, err = NewPlan(parallelStep(strategy.M, 3), 0, m, n, k, p, 0, 1)
	require.ErrorIs(t, err, ErrInvalidStep)
	_, err = NewPlan(parallelStep(strategy.M, 3), 0, m, n, k, interval.New(0, 4), 0, 1)
	require.ErrorIs(t, err, ErrInvalidStep, "divisor not dividing |P|")
	_, err = NewPlan(parallelStep(strategy.M, 2), 0, m, n, k, p, 0, 0)
	require.ErrorIs(t, err, ErrInvalidStep)
}

// TestPlanSubGroups plans a step whose divisor is smaller than |P|: every rank works with the ranks at its offset
// in the other sub-groups.
func TestPlanSubGroups(t *testing.T) {
	m, n, k, p := interval.New(0, 6), interval.New(0, 5), interval.New(0, 4), interval.New(2, 8)
	plan, err := NewPlan(parallelStep(strategy.N, 2), 0, m, n, k, p, 6, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 6}, plan.Group)
	assert.Equal(t, 1, plan.Index)
	require.Len(t, plan.Chunks, 2)
	assert.Equal(t, 6, plan.Chunks[0].Source)
	assert.True(t, plan.Chunks[0].Local)
	assert.Equal(t, 3, plan.Chunks[1].Source)
	assert.Equal(t, interval.New(0, 3), plan.Chunks[1].Rows)

	// k-split over 3 sub-groups of 2 ranks: pushes land on the chunks of the targets in the same group.
	plans := make(map[int]*Plan)
	for _, rank := range p.Ranks() {
		plans[rank], err = NewPlan(parallelStep(strategy.K, 3), 0, m, n, k, p, rank, 2)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{3, 5, 7}, plans[5].Group)
	for _, plan := range plans {
		require.Len(t, plan.Pushes, 3*2)
		for _, push := range plan.Pushes {
			target := plans[push.Target]
			assert.Equal(t, plan.Group, target.Group)
			chunk := target.Chunks[push.Tag]
			assert.Equal(t, plan.Rank, chunk.Source)
			assert.Equal(t, chunk.Offset, push.RemoteOffset)
			assert.Equal(t, chunk.Count, push.Count)
		}
	}
}
