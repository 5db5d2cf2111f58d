package kissmalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocSmallReplenishesAcrossPages(t *testing.T) {
	a := New()

	// Objects large enough that only a handful fit per page, forcing
	// retireAndReplenish to run more than once.
	const objSize = 1024
	const rounds = 20

	var ptrs []uintptr
	for i := 0; i < rounds; i++ {
		p, err := a.allocSmall(objSize)
		require.NoError(t, err)
		ptrs = append(ptrs, uintptr(p))
	}

	seen := map[uintptr]bool{}
	for _, p := range ptrs {
		require.False(t, seen[p], "allocSmall must never hand out the same address twice while both are live")
		seen[p] = true
	}
}

func TestObjectCountDecrementReachesZero(t *testing.T) {
	h := &bucketHeader{objectCount: 2}
	require.EqualValues(t, 1, decrementObjectCount(h))
	require.EqualValues(t, 0, decrementObjectCount(h))
}

func TestIncrementObjectCount(t *testing.T) {
	h := &bucketHeader{objectCount: 1}
	incrementObjectCount(h)
	require.EqualValues(t, 2, h.objectCount)
}
