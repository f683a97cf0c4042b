// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package interval implements half-open integer ranges used to describe the portion of the
// m, n and k dimensions, and of the process group ranks, handled by one step of the
// distributed multiplication.
package interval

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// Interval is the half-open range [start, end).
//
// It is immutable: all methods return new values.
type Interval struct {
	start, end int
}

// New creates the interval [start, end).
//
// It panics if start > end, since that would be a programming error of the caller.
func New(start, end int) Interval {
	if start > end {
		exceptions.Panicf("interval.New(%d, %d): start must be <= end", start, end)
	}
	return Interval{start: start, end: end}
}

// FromLength creates the interval [start, start+length).
func FromLength(start, length int) Interval {
	return New(start, start+length)
}

// Start of the interval, inclusive.
func (i Interval) Start() int { return i.start }

// End of the interval, exclusive.
func (i Interval) End() int { return i.end }

// Len returns the number of elements in the interval.
func (i Interval) Len() int { return i.end - i.start }

// Empty returns whether the interval has no elements.
func (i Interval) Empty() bool { return i.end == i.start }

// Contains returns whether x is in the interval.
func (i Interval) Contains(x int) bool {
	return x >= i.start && x < i.end
}

// Covers returns whether other is fully contained in i.
// An empty interval is covered if its start is within [i.start, i.end].
func (i Interval) Covers(other Interval) bool {
	return other.start >= i.start && other.end <= i.end
}

// Equal returns whether both intervals have the same bounds.
func (i Interval) Equal(other Interval) bool {
	return i == other
}

// Shift returns the interval moved by offset.
func (i Interval) Shift(offset int) Interval {
	return Interval{start: i.start + offset, end: i.end + offset}
}

// Offset returns the position of x relative to the start of the interval.
func (i Interval) Offset(x int) int {
	return x - i.start
}

// Subinterval returns the index-th of divisor balanced parts of the interval.
//
// The first Len()%divisor parts have one extra element, so the parts differ in size by at most one,
// and together they cover the interval without gaps or overlaps.
// If divisor > Len() some parts are empty.
//
// It panics if divisor <= 0 or index is out of range.
func (i Interval) Subinterval(divisor, index int) Interval {
	if divisor <= 0 {
		exceptions.Panicf("Interval%s.Subinterval(divisor=%d): divisor must be > 0", i, divisor)
	}
	if index < 0 || index >= divisor {
		exceptions.Panicf("Interval%s.Subinterval(divisor=%d, index=%d): index out of range", i, divisor, index)
	}
	quotient, remainder := i.Len()/divisor, i.Len()%divisor
	start := i.start + index*quotient + min(index, remainder)
	length := quotient
	if index < remainder {
		length++
	}
	return Interval{start: start, end: start + length}
}

// Split returns all divisor parts of the interval, see Subinterval.
func (i Interval) Split(divisor int) []Interval {
	parts := make([]Interval, divisor)
	for idx := range divisor {
		parts[idx] = i.Subinterval(divisor, idx)
	}
	return parts
}

// Locate returns the index of the part (out of divisor parts) that contains x,
// or -1 if x is not in the interval.
func (i Interval) Locate(divisor, x int) int {
	if !i.Contains(x) {
		return -1
	}
	quotient, remainder := i.Len()/divisor, i.Len()%divisor
	offset := x - i.start
	// The first remainder parts have quotient+1 elements.
	bigParts := remainder * (quotient + 1)
	if offset < bigParts {
		return offset / (quotient + 1)
	}
	return remainder + (offset-bigParts)/quotient
}

// Strided returns the values at the same offset as x in each of the divisor equal parts of the interval:
// {start + (x-start) mod s + j·s : j < divisor}, with s = Len()/divisor.
//
// It panics if Len() is not a multiple of divisor or x is not in the interval.
func (i Interval) Strided(divisor, x int) []int {
	if divisor <= 0 || i.Len()%divisor != 0 {
		exceptions.Panicf("Interval%s.Strided(divisor=%d): length must be a multiple of divisor", i, divisor)
	}
	if !i.Contains(x) {
		exceptions.Panicf("Interval%s.Strided(divisor=%d, x=%d): x out of range", i, divisor, x)
	}
	stride := i.Len() / divisor
	first := i.start + (x-i.start)%stride
	values := make([]int, divisor)
	for j := range values {
		values[j] = first + j*stride
	}
	return values
}

// Ranks enumerates the values in the interval, typically used when the interval is over process ranks.
func (i Interval) Ranks() []int {
	ranks := make([]int, 0, i.Len())
	for r := i.start; r < i.end; r++ {
		ranks = append(ranks, r)
	}
	return ranks
}

// String implements fmt.Stringer.
func (i Interval) String() string {
	return fmt.Sprintf("[%d, %d)", i.start, i.end)
}
