// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	opts, err := ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, Options{ChunksPerPeer: 1, FoldWorkers: runtime.NumCPU(), Fence: FenceCollective}, opts)

	opts, err = ParseConfig("chunks=2, workers=4,cooperative,fence=local")
	require.NoError(t, err)
	assert.Equal(t, Options{ChunksPerPeer: 2, FoldWorkers: 4, Cooperative: true, Fence: FenceLocal}, opts)

	opts, err = ParseConfig("cooperative=false,workers=-1")
	require.NoError(t, err)
	assert.False(t, opts.Cooperative)
	assert.Equal(t, -1, opts.FoldWorkers)

	for _, config := range []string{"chunks=0", "chunks", "workers=x", "fence=maybe", "cooperative=perhaps", "turbo"} {
		_, err := ParseConfig(config)
		require.Error(t, err, "config %q", config)
	}
}

func TestResolveOptions(t *testing.T) {
	t.Setenv(ConfigEnvVar, "chunks=3,fence=local")
	opts, err := resolveOptions(WithFoldWorkers(0), WithCooperative(true))
	require.NoError(t, err)
	assert.Equal(t, 3, opts.ChunksPerPeer)
	assert.Equal(t, FenceLocal, opts.Fence)
	assert.Equal(t, 0, opts.FoldWorkers)
	assert.True(t, opts.Cooperative)

	// Options override the environment.
	opts, err = resolveOptions(WithChunksPerPeer(5), WithFence(FenceCollective), WithConfig("workers=2"))
	require.NoError(t, err)
	assert.Equal(t, 5, opts.ChunksPerPeer)
	assert.Equal(t, FenceCollective, opts.Fence)
	assert.Equal(t, 2, opts.FoldWorkers)

	_, err = resolveOptions(WithChunksPerPeer(0))
	require.Error(t, err)
	_, err = resolveOptions(WithFence(FenceMode(7)))
	require.Error(t, err)

	t.Setenv(ConfigEnvVar, "chunks=-1")
	_, err = resolveOptions()
	require.Error(t, err)
}
