// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"fmt"
	"strings"

	"github.com/gomlx/cosma/pkg/core/interval"
	"github.com/gomlx/cosma/pkg/core/matrix"
	"github.com/gomlx/cosma/pkg/core/strategy"
	"github.com/pkg/errors"
)

// Chunk is a unit of transfer: a contiguous band of rows of a peer's tile that the local rank folds into C.
type Chunk struct {
	ID int

	// Source is the rank providing the data. Local chunks are read in place (broadcast) or computed
	// locally (reduce) and never cross the substrate.
	Source int
	Local  bool

	// Rows and Cols are the global block covered by the chunk: a block of the gathered operand (broadcast)
	// or a block of C (reduce).
	Rows, Cols interval.Interval

	// RemoteOffset is the position of the chunk in the source's window, for gets.
	RemoteOffset int

	// Offset is the position of the chunk in the local receive buffer, or -1 for chunks read in place.
	Offset int

	// Count is the number of values in the chunk.
	Count int

	// Region is the index of the C region the chunk is folded into.
	Region int
}

// Empty returns whether the chunk holds no data. Empty chunks land immediately.
func (c *Chunk) Empty() bool { return c.Count == 0 }

// Region is a block of the local C tile that receives one or more folds in a step. Beta is applied to it
// exactly once, on the first fold.
type Region struct {
	ID         int
	Rows, Cols interval.Interval
	// Folds is the number of chunks folded into the region.
	Folds int
}

// Push is an outgoing partial C block of a reduce step: it is computed locally and put into the receive
// window of the rank owning those rows of C.
type Push struct {
	Index int

	// Target rank, and whether it is the local rank.
	Target int
	Self   bool

	// Rows and Cols are the global block of C.
	Rows, Cols interval.Interval

	// Tag is the id of the chunk at the target.
	Tag int

	// RemoteOffset is the position in the target's receive window.
	RemoteOffset int

	Count int
}

// Plan is the deterministic schedule of one rank for one step: which chunks it receives, in which order they are
// issued, into which C regions they are folded, and which partial products it pushes.
//
// The peers are the ranks of the communication group of the step (Group): P split in Layout.Divisor sub-groups,
// one rank per sub-group. They are visited in rotation order starting from the local rank (pushes start from the
// next rank and end with the local one), so the first chunks issued by different ranks target different sources.
type Plan struct {
	Rank, Index int
	Ranks       interval.Interval
	Group       []int
	StepIndex   int
	Step        strategy.Step
	Pattern     strategy.Pattern
	M, N, K     interval.Interval
	Layout      matrix.Layout

	// Exposed names the buffer exposed to peers: the local "A" or "B" tile for broadcast steps,
	// the receive buffer "C" for reduce steps.
	Exposed string

	Chunks  []Chunk
	Regions []Region
	Pushes  []Push

	// RecvSize is the size of the receive buffer.
	RecvSize int
}

// NewPlan returns the plan of rank for the parallel step st (the stepIndex-th of the strategy) over m, n, k and
// the ranks p. The errors wrap ErrInvalidStep.
func NewPlan(st strategy.Step, stepIndex int, m, n, k, p interval.Interval, rank, chunksPerPeer int) (*Plan, error) {
	if chunksPerPeer < 1 {
		return nil, errors.Wrapf(ErrInvalidStep, "chunks per peer must be >= 1, got %d", chunksPerPeer)
	}
	layout, err := matrix.LayoutFor(st, m, n, k, p, rank)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidStep, "%v", err)
	}
	plan := &Plan{
		Rank:      rank,
		Index:     layout.Index,
		Ranks:     p,
		Group:     layout.Group,
		StepIndex: stepIndex,
		Step:      st,
		Pattern:   st.Pattern(),
		M:         m,
		N:         n,
		K:         k,
		Layout:    layout,
	}
	switch st.Dim {
	case strategy.M:
		plan.planGatherB(chunksPerPeer)
	case strategy.N:
		plan.planGatherA(chunksPerPeer)
	case strategy.K:
		plan.planReduce(chunksPerPeer)
	}
	return plan, nil
}

// peer returns the position in Group of the t-th peer in rotation order.
func (p *Plan) peer(t int) int {
	return (p.Index + t) % p.Layout.Divisor
}

// addChunk appends a chunk, assigning its id and its place in the receive buffer.
func (p *Plan) addChunk(c Chunk) {
	c.ID = len(p.Chunks)
	c.Offset = -1
	if !c.Local {
		c.Offset = p.RecvSize
		p.RecvSize += c.Count
	}
	p.Chunks = append(p.Chunks, c)
}

// planGatherB: m-split. B_j (k × n_j) is fetched from every peer j in bands of k rows, and every band is folded
// into the region C[m_i, n_j]:
//
//	C[m_i, n_j] = beta*C[m_i, n_j] + Σ_band A_i[m_i, band] · B_j[band, n_j]
func (p *Plan) planGatherB(chunksPerPeer int) {
	p.Exposed = "B"
	for t := range p.Layout.Divisor {
		j := p.peer(t)
		cols := p.Layout.Peer(p.M, p.N, p.K, j).B.Cols
		region := Region{ID: len(p.Regions), Rows: p.Layout.C.Rows, Cols: cols, Folds: chunksPerPeer}
		p.Regions = append(p.Regions, region)
		for _, band := range p.K.Split(chunksPerPeer) {
			p.addChunk(Chunk{
				Source:       p.Group[j],
				Local:        j == p.Index,
				Rows:         band,
				Cols:         cols,
				RemoteOffset: (band.Start() - p.K.Start()) * cols.Len(),
				Count:        band.Len() * cols.Len(),
				Region:       region.ID,
			})
		}
	}
}

// planGatherA: n-split. A_j (m_j × k) is fetched from every peer j in bands of m_j rows, each band is the
// full contraction of its own region:
//
//	C[band, n_i] = beta*C[band, n_i] + A_j[band, k] · B_i[k, n_i]
func (p *Plan) planGatherA(chunksPerPeer int) {
	p.Exposed = "A"
	for t := range p.Layout.Divisor {
		j := p.peer(t)
		rows := p.Layout.Peer(p.M, p.N, p.K, j).A.Rows
		for _, band := range rows.Split(chunksPerPeer) {
			region := Region{ID: len(p.Regions), Rows: band, Cols: p.Layout.C.Cols, Folds: 1}
			p.Regions = append(p.Regions, region)
			p.addChunk(Chunk{
				Source:       p.Group[j],
				Local:        j == p.Index,
				Rows:         band,
				Cols:         p.K,
				RemoteOffset: (band.Start() - rows.Start()) * p.K.Len(),
				Count:        band.Len() * p.K.Len(),
				Region:       region.ID,
			})
		}
	}
}

// planReduce: k-split. Every rank computes the partial product A[m, k_i] · B[k_i, n] and pushes its rows m_j
// to their owner j. The receive buffer holds one slot of |m_i|×|n| per source, the slot of source s being at
// position (s - i) mod |P|, so the local partial is in slot 0. Each band of m_i is a region receiving one fold
// per source:
//
//	C[band, n] = beta*C[band, n] + Σ_s partial_s[band, n]
func (p *Plan) planReduce(chunksPerPeer int) {
	p.Exposed = "C"
	d := p.Layout.Divisor
	cTile := p.Layout.C
	bands := cTile.Rows.Split(chunksPerPeer)
	slotSize := cTile.Rows.Len() * p.N.Len()
	for b, band := range bands {
		p.Regions = append(p.Regions, Region{ID: b, Rows: band, Cols: p.N, Folds: d})
	}

	// Incoming: chunk id = slot*len(bands) + band.
	for slot := range d {
		source := p.peer(slot)
		for b, band := range bands {
			p.Chunks = append(p.Chunks, Chunk{
				ID:     len(p.Chunks),
				Source: p.Group[source],
				Local:  source == p.Index,
				Rows:   band,
				Cols:   p.N,
				Offset: slot*slotSize + (band.Start()-cTile.Rows.Start())*p.N.Len(),
				Count:  band.Len() * p.N.Len(),
				Region: b,
			})
		}
	}
	p.RecvSize = d * slotSize

	// Outgoing: targets in rotation order starting after the local rank, the local rank last.
	for t := 1; t <= d; t++ {
		target := p.peer(t)
		targetRows := p.Layout.Peer(p.M, p.N, p.K, target).C.Rows
		slot := (p.Index - target + d) % d
		for b, band := range targetRows.Split(chunksPerPeer) {
			p.Pushes = append(p.Pushes, Push{
				Index:        len(p.Pushes),
				Target:       p.Group[target],
				Self:         target == p.Index,
				Rows:         band,
				Cols:         p.N,
				Tag:          slot*chunksPerPeer + b,
				RemoteOffset: slot*targetRows.Len()*p.N.Len() + (band.Start()-targetRows.Start())*p.N.Len(),
				Count:        band.Len() * p.N.Len(),
			})
		}
	}
}

// RemoteChunks returns the number of chunks that cross the substrate.
func (p *Plan) RemoteChunks() int {
	var count int
	for i := range p.Chunks {
		if !p.Chunks[i].Local && !p.Chunks[i].Empty() {
			count++
		}
	}
	return count
}

// String implements fmt.Stringer, listing the chunks in issue order.
func (p *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan(rank=%d, P=%s, group=%v, step #%d %s, %s of %s):\n", p.Rank, p.Ranks, p.Group,
		p.StepIndex, p.Step, p.Pattern, p.Exposed)
	for _, c := range p.Chunks {
		where := "local"
		if !c.Local {
			where = fmt.Sprintf("from rank %d", c.Source)
		}
		fmt.Fprintf(&sb, "  chunk #%d %s×%s %s -> region #%d\n", c.ID, c.Rows, c.Cols, where, c.Region)
	}
	for _, push := range p.Pushes {
		fmt.Fprintf(&sb, "  push #%d %s×%s -> rank %d chunk #%d\n", push.Index, push.Rows, push.Cols, push.Target, push.Tag)
	}
	return sb.String()
}
