// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package matrix holds the local tiles of the distributed matrices A, B and C, and the layout
// that maps each rank of a parallel step to the tiles it must hold.
//
// A tile covers a range of global rows and a range of global columns, and it is stored row-major
// in a contiguous buffer, so any band of consecutive rows is contiguous in memory.
package matrix

import (
	"fmt"

	"github.com/gomlx/cosma/pkg/core/gemm"
	"github.com/gomlx/cosma/pkg/core/interval"
	"github.com/pkg/errors"
)

// Matrix is the local tile of a distributed matrix.
type Matrix[T gemm.Scalar] struct {
	label      string
	rows, cols interval.Interval
	data       []T
}

// New allocates a zero-initialized tile covering the given global rows and columns.
func New[T gemm.Scalar](label string, rows, cols interval.Interval) *Matrix[T] {
	return &Matrix[T]{
		label: label,
		rows:  rows,
		cols:  cols,
		data:  make([]T, rows.Len()*cols.Len()),
	}
}

// FromData wraps data (row-major, not copied) as the tile covering rows × cols.
func FromData[T gemm.Scalar](label string, rows, cols interval.Interval, data []T) (*Matrix[T], error) {
	if len(data) != rows.Len()*cols.Len() {
		return nil, errors.Errorf("matrix %s: tile %s×%s requires %d values, got %d",
			label, rows, cols, rows.Len()*cols.Len(), len(data))
	}
	return &Matrix[T]{label: label, rows: rows, cols: cols, data: data}, nil
}

// FromGlobal copies the rows × cols block out of a dense row-major global matrix with globalCols columns.
func FromGlobal[T gemm.Scalar](label string, global []T, globalCols int, rows, cols interval.Interval) (*Matrix[T], error) {
	if rows.Start() < 0 || cols.Start() < 0 || cols.End() > globalCols || rows.End()*globalCols > len(global) {
		return nil, errors.Errorf("matrix %s: block %s×%s out of bounds of a global matrix with %d values and %d columns",
			label, rows, cols, len(global), globalCols)
	}
	m := New[T](label, rows, cols)
	width := cols.Len()
	for r := range rows.Len() {
		src := (rows.Start()+r)*globalCols + cols.Start()
		copy(m.data[r*width:(r+1)*width], global[src:src+width])
	}
	return m, nil
}

// ScatterTo copies the tile into its position in a dense row-major global matrix with globalCols columns.
func (m *Matrix[T]) ScatterTo(global []T, globalCols int) error {
	if m.cols.End() > globalCols || m.rows.End()*globalCols > len(global) {
		return errors.Errorf("matrix %s: tile %s×%s doesn't fit a global matrix with %d values and %d columns",
			m.label, m.rows, m.cols, len(global), globalCols)
	}
	width := m.cols.Len()
	for r := range m.rows.Len() {
		dst := (m.rows.Start()+r)*globalCols + m.cols.Start()
		copy(global[dst:dst+width], m.data[r*width:(r+1)*width])
	}
	return nil
}

// Label of the matrix, e.g. "A".
func (m *Matrix[T]) Label() string { return m.label }

// Rows returns the global rows covered by the tile.
func (m *Matrix[T]) Rows() interval.Interval { return m.rows }

// Cols returns the global columns covered by the tile.
func (m *Matrix[T]) Cols() interval.Interval { return m.cols }

// Stride is the distance between consecutive rows in Data.
func (m *Matrix[T]) Stride() int { return m.cols.Len() }

// Data returns the underlying row-major buffer. It is not a copy.
func (m *Matrix[T]) Data() []T { return m.data }

// Clone returns a deep copy of the tile.
func (m *Matrix[T]) Clone() *Matrix[T] {
	return &Matrix[T]{label: m.label, rows: m.rows, cols: m.cols, data: append([]T(nil), m.data...)}
}

// index of the global position (row, col) in data.
func (m *Matrix[T]) index(row, col int) int {
	return (row-m.rows.Start())*m.Stride() + col - m.cols.Start()
}

// At returns the value at global position (row, col). It panics if the position is not in the tile.
func (m *Matrix[T]) At(row, col int) T {
	return m.data[m.index(row, col)]
}

// Set the value at global position (row, col). It panics if the position is not in the tile.
func (m *Matrix[T]) Set(row, col int, value T) {
	m.data[m.index(row, col)] = value
}

// Block returns a strided view of the global rows × cols block, which must be covered by the tile.
//
// The view shares memory with the tile.
func (m *Matrix[T]) Block(rows, cols interval.Interval) (View[T], error) {
	if !m.rows.Covers(rows) || !m.cols.Covers(cols) {
		return View[T]{}, errors.Errorf("matrix %s: block %s×%s not covered by tile %s×%s",
			m.label, rows, cols, m.rows, m.cols)
	}
	view := View[T]{Rows: rows.Len(), Cols: cols.Len(), Stride: m.Stride()}
	if view.Rows > 0 && view.Cols > 0 {
		view.Data = m.data[m.index(rows.Start(), cols.Start()):]
	}
	return view, nil
}

// RowBand returns the contiguous portion of the data holding the given global rows (all columns).
func (m *Matrix[T]) RowBand(rows interval.Interval) ([]T, error) {
	if !m.rows.Covers(rows) {
		return nil, errors.Errorf("matrix %s: rows %s not covered by tile rows %s", m.label, rows, m.rows)
	}
	start := (rows.Start() - m.rows.Start()) * m.Stride()
	return m.data[start : start+rows.Len()*m.Stride()], nil
}

// String implements fmt.Stringer.
func (m *Matrix[T]) String() string {
	return fmt.Sprintf("Matrix[%s](rows=%s, cols=%s)", m.label, m.rows, m.cols)
}

// View is a strided row-major block of a matrix: element (i, j) is Data[i*Stride+j].
//
// Data is nil for empty views.
type View[T gemm.Scalar] struct {
	Data               []T
	Rows, Cols, Stride int
}

// At returns element (i, j) of the view.
func (v View[T]) At(i, j int) T {
	return v.Data[i*v.Stride+j]
}

// Empty returns whether the view has no elements.
func (v View[T]) Empty() bool {
	return v.Rows == 0 || v.Cols == 0
}
