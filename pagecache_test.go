package kissmalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageCacheHeapOrder(t *testing.T) {
	var pm pageMap
	c, err := newPageCache(&pm)
	require.NoError(t, err)
	defer c.finalize(&pm)

	addrs := []uintptr{0x7000, 0x1000, 0x9000, 0x3000, 0x5000}
	for _, a := range addrs {
		c.push(&pm, a)
	}
	require.EqualValues(t, len(addrs), c.fill)

	var popped []uintptr
	for c.fill > 0 {
		popped = append(popped, c.pop())
	}

	for i := 1; i < len(popped); i++ {
		require.Less(t, popped[i-1], popped[i], "pop order must be ascending")
	}
}

func TestPageCacheDrainCoalescesAdjacentRuns(t *testing.T) {
	var pm pageMap
	c, err := newPageCache(&pm)
	require.NoError(t, err)

	base, err := pm.map_(4 * pageSize)
	require.NoError(t, err)
	runBase := uintptr(base)

	for i := 0; i < 4; i++ {
		c.push(&pm, runBase+uintptr(i)*pageSize)
	}
	require.EqualValues(t, 4, c.fill)

	before := pm.stats().UnmapCalls
	c.drain(&pm, 0)
	after := pm.stats().UnmapCalls

	require.Equal(t, int64(0), int64(c.fill))
	require.Equal(t, before+1, after, "four address-contiguous pages must coalesce into a single munmap")

	c.finalize(&pm)
}

func TestPageCachePushDrainsAtCapacity(t *testing.T) {
	var pm pageMap
	c, err := newPageCache(&pm)
	require.NoError(t, err)

	base, err := pm.map_(uintptr(cacheCapacity+1) * pageSize)
	require.NoError(t, err)
	runBase := uintptr(base)

	for i := 0; i < cacheCapacity; i++ {
		c.push(&pm, runBase+uintptr(i)*pageSize)
	}
	require.EqualValues(t, cacheCapacity, c.fill)

	c.push(&pm, runBase+uintptr(cacheCapacity)*pageSize)
	require.LessOrEqual(t, int(c.fill), cacheCapacity/2+1,
		"push at capacity must drain to make room rather than overflow entries")

	c.finalize(&pm)
}
