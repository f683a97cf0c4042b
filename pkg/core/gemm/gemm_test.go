// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// randomInts returns n small integer values, so products are exact in float32.
func randomInts(rng *rand.Rand, n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(rng.IntN(9) - 4)
	}
	return values
}

func convert[T Scalar](values []float64) []T {
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = T(v)
	}
	return out
}

// reference computes alpha*A·B + beta*C with gonum's dense matrices on the strided blocks.
func reference(m, n, k int, alpha float64, a []float64, lda int, b []float64, ldb int, beta float64, c []float64, ldc int) []float64 {
	dense := func(rows, cols, stride int, data []float64) *mat.Dense {
		d := mat.NewDense(rows, cols, nil)
		for i := range rows {
			for j := range cols {
				d.Set(i, j, data[i*stride+j])
			}
		}
		return d
	}
	var prod mat.Dense
	prod.Mul(dense(m, k, lda, a), dense(k, n, ldb, b))
	prod.Scale(alpha, &prod)
	var scaledC mat.Dense
	scaledC.Scale(beta, dense(m, n, ldc, c))
	prod.Add(&prod, &scaledC)
	out := append([]float64(nil), c...)
	for i := range m {
		for j := range n {
			out[i*ldc+j] = prod.At(i, j)
		}
	}
	return out
}

func testKernel[T Scalar](t *testing.T, kernel Kernel[T]) {
	rng := rand.New(rand.NewPCG(42, uint64(len(kernel.Name()))))
	for _, dims := range [][3]int{{1, 1, 1}, {4, 4, 4}, {7, 5, 3}, {33, 70, 150}, {5, 300, 9}} {
		m, n, k := dims[0], dims[1], dims[2]
		for _, beta := range []float64{0, 1, 2.5} {
			t.Run(fmt.Sprintf("%s/%dx%dx%d/beta=%g", kernel.Name(), m, n, k, beta), func(t *testing.T) {
				// Strides larger than the blocks, to check strided access.
				lda, ldb, ldc := k+2, n+1, n+3
				a := randomInts(rng, m*lda)
				b := randomInts(rng, k*ldb)
				c := randomInts(rng, m*ldc)
				want := reference(m, n, k, 2, a, lda, b, ldb, beta, c, ldc)

				got := convert[T](c)
				require.NoError(t, kernel.Gemm(m, n, k, 2, convert[T](a), lda, convert[T](b), ldb, T(beta), got, ldc))
				assert.Equal(t, convert[T](want), got)
			})
		}
	}
}

func TestKernels(t *testing.T) {
	testKernel[float32](t, NewGonum[float32]())
	testKernel[float64](t, NewGonum[float64]())
	for _, options := range []string{"", "workers=0", "workers=3,mr=2,nr=8,kc=16,mc=8,nc=32"} {
		blocked32, err := NewBlocked[float32](options)
		require.NoError(t, err)
		testKernel[float32](t, blocked32)
		blocked64, err := NewBlocked[float64](options)
		require.NoError(t, err)
		testKernel[float64](t, blocked64)
	}
}

type weight float32

func TestNamedTypeFallback(t *testing.T) {
	a := []weight{1, 2, 3, 4}
	b := []weight{5, 6, 7, 8}
	c := []weight{1, 1, 1, 1}
	require.NoError(t, NewGonum[weight]().Gemm(2, 2, 2, 1, a, 2, b, 2, 1, c, 2))
	assert.Equal(t, []weight{20, 23, 44, 51}, c)
}

func TestBetaZeroIgnoresC(t *testing.T) {
	for _, kernel := range []Kernel[float64]{NewGonum[float64](), must.M1(NewBlocked[float64]("workers=0"))} {
		nan := math.NaN()
		c := []float64{nan, nan, nan, nan}
		require.NoError(t, kernel.Gemm(2, 2, 1, 1, []float64{1, 2}, 1, []float64{3, 4}, 2, 0, c, 2))
		assert.Equal(t, []float64{3, 4, 6, 8}, c, kernel.Name())

		// k == 0 still applies beta.
		c = []float64{1, 2, 3, 4}
		require.NoError(t, kernel.Gemm(2, 2, 0, 1, nil, 0, nil, 2, 2, c, 2))
		assert.Equal(t, []float64{2, 4, 6, 8}, c, kernel.Name())
		c = []float64{nan, nan, nan, nan}
		require.NoError(t, kernel.Gemm(2, 2, 0, 1, nil, 0, nil, 2, 0, c, 2))
		assert.Equal(t, []float64{0, 0, 0, 0}, c, kernel.Name())
	}
}

func TestCheckArgs(t *testing.T) {
	kernel := NewGonum[float32]()
	a, b, c := make([]float32, 6), make([]float32, 6), make([]float32, 4)
	require.NoError(t, kernel.Gemm(2, 2, 3, 1, a, 3, b, 2, 0, c, 2))
	require.Error(t, kernel.Gemm(2, 2, 3, 1, a[:5], 3, b, 2, 0, c, 2), "short A")
	require.Error(t, kernel.Gemm(2, 2, 3, 1, a, 2, b, 2, 0, c, 2), "lda smaller than k")
	require.Error(t, kernel.Gemm(2, 3, 3, 1, a, 3, b, 2, 0, c, 2), "short B and C")
	require.Error(t, kernel.Gemm(-1, 2, 3, 1, a, 3, b, 2, 0, c, 2), "negative m")
	// Empty operands are fine.
	require.NoError(t, kernel.Gemm(0, 2, 3, 1, nil, 3, b, 2, 0, nil, 2))
}

func TestAccumulate(t *testing.T) {
	y := []float64{1, 2, 99, 3, 4, 99}
	x := []float64{10, 20, 30, 40}
	require.NoError(t, Accumulate(2, 2, 2.5, x, 2, y, 3))
	assert.Equal(t, []float64{12.5, 25, 99, 37.5, 50, 99}, y)
	require.NoError(t, Accumulate(2, 2, 1, x, 2, y, 3))
	assert.Equal(t, []float64{22.5, 45, 99, 67.5, 90, 99}, y)
	nan := math.NaN()
	y = []float64{nan, nan, nan, nan}
	require.NoError(t, Accumulate(2, 2, 0, x, 2, y, 2))
	assert.Equal(t, x, y)
	require.Error(t, Accumulate(2, 2, 0, x[:3], 2, y, 2))
}

func TestNewAndDefault(t *testing.T) {
	k, err := New[float32]("")
	require.NoError(t, err)
	assert.Equal(t, "gonum", k.Name())

	k, err = New[float32]("blocked:kc=64,workers=2")
	require.NoError(t, err)
	assert.Equal(t, "blocked", k.Name())
	assert.Equal(t, 64, k.(*Blocked[float32]).Params().ContractingPanel)

	for _, config := range []string{"cublas", "gonum:fast", "blocked:kc", "blocked:kc=x", "blocked:kc=0", "blocked:foo=1", "blocked:mr=3"} {
		_, err = New[float64](config)
		require.Error(t, err, "config %q should fail", config)
	}

	t.Setenv(ConfigEnvVar, "blocked:workers=0")
	k, err = Default[float64]()
	require.NoError(t, err)
	assert.Equal(t, "blocked", k.Name())
	t.Setenv(ConfigEnvVar, "unknown")
	_, err = Default[float64]()
	require.Error(t, err)

	assert.True(t, IsKnown("blocked"))
	assert.False(t, IsKnown("cublas"))
}
