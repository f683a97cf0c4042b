// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/gomlx/cosma/pkg/core/gemm"
	"github.com/gomlx/cosma/pkg/core/interval"
	"github.com/gomlx/cosma/pkg/core/matrix"
	"github.com/gomlx/cosma/pkg/core/overlap"
	"github.com/gomlx/cosma/pkg/core/rma"
	"github.com/gomlx/cosma/pkg/core/strategy"
	"github.com/gomlx/cosma/ui/commandline"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// numRanks returns the product of the divisors of the parallel steps in desc, or 1 if it can't be parsed
// (strategy.Parse then reports the error).
func numRanks(desc string) int {
	p := 1
	for _, part := range strings.Split(desc, ",") {
		part = strings.TrimSpace(part)
		if len(part) < 3 || part[0] != 'p' {
			continue
		}
		if d, err := strconv.Atoi(part[2:]); err == nil && d > 0 {
			p *= d
		}
	}
	return p
}

// firstParallelStep returns the index of the first parallel step, or 0 if there are none.
func firstParallelStep(strat *strategy.Strategy) int {
	for i := range strat.NumSteps() {
		if strat.Pattern(i) != strategy.NoCommunication {
			return i
		}
	}
	return 0
}

// subProblem is the part of the multiplication a rank handles at the level of one step.
type subProblem struct {
	m, n, k, p interval.Interval
}

// subProblemOf descends the steps before stepIndex for rank: parallel steps follow the part of the rank,
// sequential steps take their first part.
func subProblemOf(strat *strategy.Strategy, stepIndex, rank int) (subProblem, error) {
	m, n, k := strat.Dims()
	sp := subProblem{m: interval.New(0, m), n: interval.New(0, n), k: interval.New(0, k),
		p: interval.New(0, strat.NumRanks())}
	if rank < 0 || rank >= strat.NumRanks() {
		return sp, errors.Errorf("rank %d not in [0, %d)", rank, strat.NumRanks())
	}
	for i := range stepIndex {
		st, err := strat.Step(i)
		if err != nil {
			return sp, err
		}
		part := 0
		if st.Type == strategy.Parallel {
			part = sp.p.Locate(st.Divisor, rank)
			sp.p = sp.p.Subinterval(st.Divisor, part)
		}
		switch st.Dim {
		case strategy.M:
			sp.m = sp.m.Subinterval(st.Divisor, part)
		case strategy.N:
			sp.n = sp.n.Subinterval(st.Divisor, part)
		case strategy.K:
			sp.k = sp.k.Subinterval(st.Divisor, part)
		}
	}
	return sp, nil
}

// group of ranks running the step together.
type group struct {
	sp    subProblem
	ranks []int

	// comms are the communication groups of a parallel step: the ranks at the same offset of each of the
	// divisor sub-groups of P.
	comms [][]int
}

// groupsOf partitions the ranks into the groups that run the stepIndex-th step together.
func groupsOf(strat *strategy.Strategy, stepIndex int) ([]*group, error) {
	var groups []*group
	byRanks := make(map[interval.Interval]*group)
	for rank := range strat.NumRanks() {
		sp, err := subProblemOf(strat, stepIndex, rank)
		if err != nil {
			return nil, err
		}
		g, found := byRanks[sp.p]
		if !found {
			g = &group{sp: sp}
			byRanks[sp.p] = g
			groups = append(groups, g)
		}
		g.ranks = append(g.ranks, rank)
	}
	st, err := strat.Step(stepIndex)
	if err != nil || st.Type != strategy.Parallel {
		return groups, err
	}
	for _, g := range groups {
		p := g.sp.p
		if p.Len()%st.Divisor != 0 {
			return nil, errors.Errorf("step #%d (%s) doesn't divide the %d ranks of P=%s", stepIndex, st, p.Len(), p)
		}
		for offset := range p.Len() / st.Divisor {
			g.comms = append(g.comms, p.Strided(st.Divisor, p.Start()+offset))
		}
	}
	return groups, nil
}

// result of the runs.
type result struct {
	groups []*group

	// stats of the last run, indexed by rank.
	stats []overlap.Stats

	progress *commandline.Progress

	// mismatches is the number of values of C that differ from the dense multiplication.
	mismatches int
}

// randomMatrix returns rows×cols small integer values, so the products are exact.
func randomMatrix(rng *rand.Rand, rows, cols int) []float64 {
	values := make([]float64, rows*cols)
	for i := range values {
		values[i] = float64(rng.IntN(7) - 3)
	}
	return values
}

func convert[T gemm.Scalar](values []float64) []T {
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = T(v)
	}
	return out
}

// run builds the problem, runs the step cfg.repeat times on every rank concurrently and verifies the result.
func run[T gemm.Scalar](cfg config) (*result, error) {
	strat := cfg.strat
	st, err := strat.Step(cfg.stepIndex)
	if err != nil {
		return nil, err
	}
	if st.Type != strategy.Parallel {
		return nil, errors.Errorf("step #%d (%s) of %s is not parallel", cfg.stepIndex, st, strat)
	}
	groups, err := groupsOf(strat, cfg.stepIndex)
	if err != nil {
		return nil, err
	}
	m, n, k := strat.Dims()
	rng := rand.New(rand.NewPCG(cfg.seed, uint64(m*n*k)))
	globalA, globalB, globalC := randomMatrix(rng, m, k), randomMatrix(rng, k, n), randomMatrix(rng, m, n)

	var fabricOpts []rma.Option
	if cfg.latency > 0 {
		fabricOpts = append(fabricOpts, rma.WithLatency(cfg.latency, cfg.latency))
	}
	numRanks := strat.NumRanks()
	fabric, err := rma.NewLocalFabric[T](numRanks, fabricOpts...)
	if err != nil {
		return nil, err
	}
	var kernel gemm.Kernel[T]
	if cfg.kernel != "" {
		if kernel, err = gemm.New[T](cfg.kernel); err != nil {
			return nil, err
		}
	}
	metrics := overlap.NewMetrics(nil)

	engines := make([]*overlap.Engine[T], numRanks)
	as := make([]*matrix.Matrix[T], numRanks)
	bs := make([]*matrix.Matrix[T], numRanks)
	cs := make([]*matrix.Matrix[T], numRanks)
	steps := make([]overlap.Step[T], numRanks)
	for _, g := range groups {
		sp := g.sp
		for _, rank := range g.ranks {
			l, err := matrix.LayoutFor(st, sp.m, sp.n, sp.k, sp.p, rank)
			if err != nil {
				return nil, err
			}
			if as[rank], err = matrix.FromGlobal("A", convert[T](globalA), k, l.A.Rows, l.A.Cols); err != nil {
				return nil, err
			}
			if bs[rank], err = matrix.FromGlobal("B", convert[T](globalB), n, l.B.Rows, l.B.Cols); err != nil {
				return nil, err
			}
			if cs[rank], err = matrix.FromGlobal("C", convert[T](globalC), n, l.C.Rows, l.C.Cols); err != nil {
				return nil, err
			}
			engines[rank], err = overlap.New[T](fabric, fabric.Endpoint(rank), kernel,
				overlap.WithConfig(cfg.overlap), overlap.WithMetrics(metrics))
			if err != nil {
				return nil, err
			}
			steps[rank] = overlap.Step[T]{M: sp.m, N: sp.n, K: sp.k, P: sp.p, Index: cfg.stepIndex, Beta: T(cfg.beta)}
		}
	}
	defer func() {
		for _, e := range engines {
			e.Close()
		}
		fabric.Wait()
	}()

	res := &result{groups: groups, stats: make([]overlap.Stats, numRanks)}
	if cfg.repeat > 1 {
		res.progress = commandline.NewProgress(cfg.repeat, cfg.plain)
	}
	for repetition := range cfg.repeat {
		var eg errgroup.Group
		for rank, e := range engines {
			eg.Go(func() error {
				if err := e.Run(context.Background(), strat, as[rank], bs[rank], cs[rank], steps[rank]); err != nil {
					return errors.WithMessagef(err, "repetition %d", repetition)
				}
				res.stats[rank] = e.LastStats()
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		if res.progress != nil {
			res.progress.Update(res.stats)
		}
	}
	if res.progress != nil {
		res.progress.Done()
	}

	if cfg.verify {
		for _, g := range groups {
			res.mismatches += verify(cfg, g, globalA, globalB, globalC, cs)
		}
	}
	return res, nil
}

// verify compares the C tiles of the group with the dense result of its sub-problem, computed with gonum,
// and returns the number of values that differ.
func verify[T gemm.Scalar](cfg config, g *group, globalA, globalB, globalC []float64, cs []*matrix.Matrix[T]) int {
	m, n, k := cfg.strat.Dims()
	sp := g.sp
	if sp.m.Empty() || sp.n.Empty() {
		return 0
	}
	c := mat.DenseCopyOf(mat.NewDense(m, n, globalC).Slice(sp.m.Start(), sp.m.End(), sp.n.Start(), sp.n.End()))
	var prod *mat.Dense
	if !sp.k.Empty() {
		prod = &mat.Dense{}
		prod.Mul(mat.NewDense(m, k, globalA).Slice(sp.m.Start(), sp.m.End(), sp.k.Start(), sp.k.End()),
			mat.NewDense(k, n, globalB).Slice(sp.k.Start(), sp.k.End(), sp.n.Start(), sp.n.End()))
	}
	for range cfg.repeat {
		c.Scale(cfg.beta, c)
		if prod != nil {
			c.Add(c, prod)
		}
	}

	tolerance := 1e-9
	var zero T
	if _, isFloat32 := any(zero).(float32); isFloat32 {
		tolerance = 1e-3
	}
	var mismatches int
	for _, rank := range g.ranks {
		tile := cs[rank]
		for i := range tile.Rows().Len() {
			for j := range tile.Cols().Len() {
				want := c.At(tile.Rows().Start()+i-sp.m.Start(), tile.Cols().Start()+j-sp.n.Start())
				got := float64(tile.At(tile.Rows().Start()+i, tile.Cols().Start()+j))
				if math.Abs(got-want) > tolerance*max(1, math.Abs(want)) {
					if mismatches == 0 {
						klog.Errorf("rank %d: C[%d, %d] = %g, want %g", rank, tile.Rows().Start()+i,
							tile.Cols().Start()+j, got, want)
					}
					mismatches++
				}
			}
		}
	}
	return mismatches
}
