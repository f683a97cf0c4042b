// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package strategy describes the recursive decomposition of a distributed matrix multiplication
// C = beta*C + A*B into steps, each one splitting one of the m, n or k dimensions.
//
// A parallel step splits the process group along with the dimension, and determines which
// communication pattern is needed: splitting m or n requires the operand that lacks the split
// dimension (B or A respectively) to be gathered by every rank (Broadcast), while splitting k
// requires the partial results in C to be summed by their owners (Reduce).
package strategy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Dim is one of the three dimensions of the multiplication: A is m×k, B is k×n and C is m×n.
type Dim int

const (
	M Dim = iota
	N
	K
)

// String implements fmt.Stringer.
func (d Dim) String() string {
	switch d {
	case M:
		return "m"
	case N:
		return "n"
	case K:
		return "k"
	default:
		return fmt.Sprintf("Dim(%d)", int(d))
	}
}

// StepType is either a sequential step (the same ranks handle the parts one after the other)
// or a parallel step (the process group is split among the parts).
type StepType int

const (
	Sequential StepType = iota
	Parallel
)

// String implements fmt.Stringer.
func (t StepType) String() string {
	switch t {
	case Sequential:
		return "sequential"
	case Parallel:
		return "parallel"
	default:
		return fmt.Sprintf("StepType(%d)", int(t))
	}
}

// Pattern of communication required by a parallel step.
type Pattern int

const (
	// NoCommunication is the pattern of sequential steps.
	NoCommunication Pattern = iota

	// Broadcast: each rank holds a piece of the operand lacking the split dimension and every rank
	// needs all pieces. Pieces are pulled with one-sided reads.
	Broadcast

	// Reduce: each rank computes a partial product for the whole C block and the partials are
	// pushed with one-sided writes to the rank owning each part of C, which sums them.
	Reduce
)

// String implements fmt.Stringer.
func (p Pattern) String() string {
	switch p {
	case NoCommunication:
		return "none"
	case Broadcast:
		return "broadcast"
	case Reduce:
		return "reduce"
	default:
		return fmt.Sprintf("Pattern(%d)", int(p))
	}
}

// Step is one level of the decomposition.
type Step struct {
	Type    StepType
	Dim     Dim
	Divisor int
}

// Pattern returns the communication pattern the step requires.
func (s Step) Pattern() Pattern {
	if s.Type != Parallel {
		return NoCommunication
	}
	if s.Dim == K {
		return Reduce
	}
	return Broadcast
}

// Gathered returns the operand ("A" or "B") that a Broadcast step gathers, or "" for other patterns.
func (s Step) Gathered() string {
	if s.Pattern() != Broadcast {
		return ""
	}
	if s.Dim == M {
		return "B"
	}
	return "A"
}

// String returns the step in the same format accepted by Parse, e.g. "pm2".
func (s Step) String() string {
	prefix := "s"
	if s.Type == Parallel {
		prefix = "p"
	}
	return fmt.Sprintf("%s%s%d", prefix, s.Dim, s.Divisor)
}

// Strategy for a multiplication of an m×k matrix A by a k×n matrix B over P ranks.
type Strategy struct {
	m, n, k, p int
	steps      []Step
}

// New creates and validates a Strategy.
//
// The divisors must be positive and the product of the divisors of the parallel steps must be p.
func New(m, n, k, p int, steps ...Step) (*Strategy, error) {
	if m < 0 || n < 0 || k < 0 {
		return nil, errors.Errorf("strategy: invalid dimensions m=%d, n=%d, k=%d", m, n, k)
	}
	if p <= 0 {
		return nil, errors.Errorf("strategy: number of ranks must be positive, got %d", p)
	}
	parallelProduct := 1
	for i, step := range steps {
		if step.Divisor <= 0 {
			return nil, errors.Errorf("strategy: step #%d (%s) has divisor %d, it must be positive", i, step, step.Divisor)
		}
		if step.Dim < M || step.Dim > K {
			return nil, errors.Errorf("strategy: step #%d has invalid dimension %s", i, step.Dim)
		}
		if step.Type == Parallel {
			parallelProduct *= step.Divisor
		}
	}
	if parallelProduct != p {
		return nil, errors.Errorf("strategy: the product of the parallel divisors (%d) must match the number of ranks (%d)",
			parallelProduct, p)
	}
	return &Strategy{m: m, n: n, k: k, p: p, steps: append([]Step(nil), steps...)}, nil
}

// Parse a comma-separated list of steps, like "pm2,sk2,pn3".
//
// Each step is a type letter ('s' for sequential, 'p' for parallel), a dimension letter ('m', 'n' or 'k')
// and a positive divisor. An empty list yields a strategy with no steps, valid only for p == 1.
func Parse(m, n, k, p int, stepsDesc string) (*Strategy, error) {
	var steps []Step
	stepsDesc = strings.TrimSpace(stepsDesc)
	if stepsDesc != "" {
		for i, part := range strings.Split(stepsDesc, ",") {
			step, err := parseStep(strings.TrimSpace(part))
			if err != nil {
				return nil, errors.WithMessagef(err, "strategy: failed to parse step #%d in %q", i, stepsDesc)
			}
			steps = append(steps, step)
		}
	}
	return New(m, n, k, p, steps...)
}

func parseStep(desc string) (Step, error) {
	var step Step
	if len(desc) < 3 {
		return step, errors.Errorf("step %q too short, expected <type><dim><divisor>, e.g. \"pm2\"", desc)
	}
	switch desc[0] {
	case 's':
		step.Type = Sequential
	case 'p':
		step.Type = Parallel
	default:
		return step, errors.Errorf("step %q: invalid type %q, expected 's' or 'p'", desc, desc[0])
	}
	switch desc[1] {
	case 'm':
		step.Dim = M
	case 'n':
		step.Dim = N
	case 'k':
		step.Dim = K
	default:
		return step, errors.Errorf("step %q: invalid dimension %q, expected 'm', 'n' or 'k'", desc, desc[1])
	}
	divisor, err := strconv.Atoi(desc[2:])
	if err != nil {
		return step, errors.Wrapf(err, "step %q: invalid divisor", desc)
	}
	step.Divisor = divisor
	return step, nil
}

// Dims returns the global dimensions of the problem.
func (s *Strategy) Dims() (m, n, k int) { return s.m, s.n, s.k }

// NumRanks returns the number of ranks the strategy is designed for.
func (s *Strategy) NumRanks() int { return s.p }

// NumSteps returns the number of steps in the decomposition.
func (s *Strategy) NumSteps() int { return len(s.steps) }

// Step returns the step at the given index.
func (s *Strategy) Step(index int) (Step, error) {
	if index < 0 || index >= len(s.steps) {
		return Step{}, errors.Errorf("strategy %s has no step #%d", s, index)
	}
	return s.steps[index], nil
}

// Pattern returns the communication pattern of the step at index, or NoCommunication if there is no such step.
func (s *Strategy) Pattern(index int) Pattern {
	step, err := s.Step(index)
	if err != nil {
		return NoCommunication
	}
	return step.Pattern()
}

// LastParallelStep returns the index of the last parallel step, or -1 if there are none.
func (s *Strategy) LastParallelStep() int {
	for i := len(s.steps) - 1; i >= 0; i-- {
		if s.steps[i].Type == Parallel {
			return i
		}
	}
	return -1
}

// String implements fmt.Stringer.
func (s *Strategy) String() string {
	parts := make([]string, len(s.steps))
	for i, step := range s.steps {
		parts[i] = step.String()
	}
	return fmt.Sprintf("Strategy(m=%d, n=%d, k=%d, P=%d, steps=%q)", s.m, s.n, s.k, s.p, strings.Join(parts, ","))
}
