// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool(t *testing.T) {
	var pool bufferPool[float32]
	assert.Nil(t, pool.get(0))
	small, large := pool.get(10), pool.get(100)
	require.Len(t, small, 10)
	require.Len(t, large, 100)
	pool.put(small, nil, large)
	assert.Equal(t, 2, pool.size())

	// Best fit: the small buffer serves 8 values, the large one is kept.
	got := pool.get(8)
	assert.Len(t, got, 8)
	assert.Equal(t, 10, cap(got))
	assert.Equal(t, 1, pool.size())

	got = pool.get(200)
	assert.Len(t, got, 200)
	assert.Equal(t, 1, pool.size(), "no free buffer large enough")
}
