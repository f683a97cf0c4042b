// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

// Gonum kernel delegates to gonum's BLAS implementation (blas32 for float32, blas64 for float64).
//
// Named element types (e.g. `type Weight float32`) fall back to a plain triple loop.
type Gonum[T Scalar] struct{}

// NewGonum returns the gonum kernel.
func NewGonum[T Scalar]() *Gonum[T] { return &Gonum[T]{} }

// Name implements Kernel.
func (*Gonum[T]) Name() string { return "gonum" }

// Gemm implements Kernel.
func (*Gonum[T]) Gemm(m, n, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) error {
	if err := CheckArgs(m, n, k, a, lda, b, ldb, c, ldc); err != nil {
		return err
	}
	if m == 0 || n == 0 {
		return nil
	}
	if k == 0 || alpha == 0 {
		Scale(m, n, beta, c, ldc)
		return nil
	}
	switch cT := any(c).(type) {
	case []float32:
		blas32.Gemm(blas.NoTrans, blas.NoTrans, float32(alpha),
			blas32.General{Rows: m, Cols: k, Stride: lda, Data: any(a).([]float32)},
			blas32.General{Rows: k, Cols: n, Stride: ldb, Data: any(b).([]float32)},
			float32(beta),
			blas32.General{Rows: m, Cols: n, Stride: ldc, Data: cT})
	case []float64:
		blas64.Gemm(blas.NoTrans, blas.NoTrans, float64(alpha),
			blas64.General{Rows: m, Cols: k, Stride: lda, Data: any(a).([]float64)},
			blas64.General{Rows: k, Cols: n, Stride: ldb, Data: any(b).([]float64)},
			float64(beta),
			blas64.General{Rows: m, Cols: n, Stride: ldc, Data: cT})
	default:
		naive(m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
	}
	return nil
}
