// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gemm holds the local dense multiply-accumulate kernels used to fold partial products:
//
//	C = alpha * A·B + beta * C
//
// All operands are row-major and strided: element (i, j) of A is a[i*lda+j].
//
// Two kernels are provided: "gonum" (BLAS through gonum.org/v1/gonum/blas) and "blocked" (packed panels
// with a register micro-kernel, column strips run in parallel).
//
// Kernels are selected with a configuration string "<name>[:<options>]", see New and Default.
package gemm

import (
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Scalar is the set of element types supported by the kernels.
type Scalar interface {
	constraints.Float
}

// Kernel computes C = alpha * A·B + beta * C, with A of shape m×k, B of shape k×n and C of shape m×n.
//
// If beta is 0, C is not read (NaNs in C are not propagated). If k is 0, C is still scaled by beta.
//
// Implementations validate the dimensions, strides and lengths of the operands and return an error instead of
// accessing memory out of bounds.
type Kernel[T Scalar] interface {
	// Name of the kernel, as used in the configuration string.
	Name() string

	// Gemm computes C = alpha * A·B + beta * C.
	Gemm(m, n, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) error
}

// ConfigEnvVar is the name of the environment variable that overrides DefaultConfig.
const ConfigEnvVar = "COSMA_GEMM"

// DefaultConfig is the kernel configuration used by Default if ConfigEnvVar is not set.
var DefaultConfig = "gonum"

// KnownKernels lists the names of the available kernels.
var KnownKernels = []string{"gonum", "blocked"}

// New returns the kernel described by config, in the form "<name>[:<options>]".
//
// An empty config is the same as "gonum". The options are kernel specific, see NewBlocked for "blocked".
func New[T Scalar](config string) (Kernel[T], error) {
	name, options, _ := strings.Cut(config, ":")
	switch name {
	case "", "gonum":
		if options != "" {
			return nil, errors.Errorf("gemm: kernel %q takes no options, got %q", "gonum", options)
		}
		return NewGonum[T](), nil
	case "blocked":
		return NewBlocked[T](options)
	}
	return nil, errors.Errorf("gemm: unknown kernel %q in config %q, known kernels: %v", name, config, KnownKernels)
}

// Default returns the kernel configured by the environment variable COSMA_GEMM, or DefaultConfig if it is not set.
func Default[T Scalar]() (Kernel[T], error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if !found {
		config = DefaultConfig
	}
	kernel, err := New[T](config)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating kernel from config %q", config)
	}
	return kernel, nil
}

// IsKnown returns whether name is one of the KnownKernels.
func IsKnown(name string) bool {
	return slices.Contains(KnownKernels, name)
}

// checkOperand validates that a rows×cols operand with the given stride fits in length values.
func checkOperand(name string, rows, cols, stride, length int) error {
	if rows == 0 || cols == 0 {
		return nil
	}
	if stride < cols {
		return errors.Errorf("gemm: operand %s (%d×%d) has stride %d smaller than its number of columns",
			name, rows, cols, stride)
	}
	if need := (rows-1)*stride + cols; length < need {
		return errors.Errorf("gemm: operand %s (%d×%d, stride %d) requires at least %d values, got %d",
			name, rows, cols, stride, need, length)
	}
	return nil
}

// CheckArgs validates the arguments of Kernel.Gemm.
func CheckArgs[T Scalar](m, n, k int, a []T, lda int, b []T, ldb int, c []T, ldc int) error {
	if m < 0 || n < 0 || k < 0 {
		return errors.Errorf("gemm: invalid negative dimensions m=%d, n=%d, k=%d", m, n, k)
	}
	if err := checkOperand("A", m, k, lda, len(a)); err != nil {
		return err
	}
	if err := checkOperand("B", k, n, ldb, len(b)); err != nil {
		return err
	}
	return checkOperand("C", m, n, ldc, len(c))
}

// Scale sets C = beta * C on the m×n strided block. If beta is 0, C is zeroed without being read.
func Scale[T Scalar](m, n int, beta T, c []T, ldc int) {
	if beta == 1 {
		return
	}
	for i := range m {
		row := c[i*ldc : i*ldc+n]
		if beta == 0 {
			clear(row)
			continue
		}
		for j := range row {
			row[j] *= beta
		}
	}
}

// Accumulate computes Y = beta * Y + X on m×n strided blocks.
//
// If beta is 0, Y is not read. It is used to fold partial results that were already multiplied elsewhere.
func Accumulate[T Scalar](m, n int, beta T, x []T, ldx int, y []T, ldy int) error {
	if m < 0 || n < 0 {
		return errors.Errorf("gemm: invalid negative dimensions m=%d, n=%d", m, n)
	}
	if err := checkOperand("X", m, n, ldx, len(x)); err != nil {
		return err
	}
	if err := checkOperand("Y", m, n, ldy, len(y)); err != nil {
		return err
	}
	for i := range m {
		src := x[i*ldx : i*ldx+n]
		dst := y[i*ldy : i*ldy+n]
		switch beta {
		case 0:
			copy(dst, src)
		case 1:
			for j, v := range src {
				dst[j] += v
			}
		default:
			for j, v := range src {
				dst[j] = beta*dst[j] + v
			}
		}
	}
	return nil
}

// naive is the reference triple loop, used for element types the BLAS bindings don't cover.
func naive[T Scalar](m, n, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) {
	Scale(m, n, beta, c, ldc)
	if alpha == 0 {
		return
	}
	for i := range m {
		for p := range k {
			scaled := alpha * a[i*lda+p]
			if scaled == 0 {
				continue
			}
			bRow := b[p*ldb : p*ldb+n]
			cRow := c[i*ldc : i*ldc+n]
			for j, v := range bRow {
				cRow[j] += scaled * v
			}
		}
	}
}
