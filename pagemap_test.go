package kissmalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestPageMapMapUnmap(t *testing.T) {
	var pm pageMap
	p, err := pm.map_(pageSize)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Zero(t, uintptr(p)%pageSize)

	stats := pm.stats()
	require.EqualValues(t, 1, stats.MapCalls)
	require.EqualValues(t, pageSize, stats.MappedSize)

	b := unsafe.Slice((*byte)(p), pageSize)
	for _, v := range b {
		require.Zero(t, v, "fresh anonymous mapping must be kernel-zeroed")
	}

	pm.unmap(p, pageSize)
	stats = pm.stats()
	require.EqualValues(t, 1, stats.UnmapCalls)
	require.Zero(t, stats.MappedSize)
}

func TestPageMapMapTracksMultipleRegions(t *testing.T) {
	var pm pageMap
	a, err := pm.map_(pageSize)
	require.NoError(t, err)
	b, err := pm.map_(2 * pageSize)
	require.NoError(t, err)

	require.EqualValues(t, 3*pageSize, pm.stats().MappedSize)

	pm.unmap(a, pageSize)
	pm.unmap(b, 2*pageSize)
}
