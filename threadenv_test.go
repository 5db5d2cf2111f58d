package kissmalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThreadRegistryGetOrCreateIsStable(t *testing.T) {
	var r threadRegistry
	tid := int32(12345)

	ts1 := r.getOrCreate(tid)
	ts2 := r.getOrCreate(tid)
	require.Same(t, ts1, ts2, "repeated lookups for the same tid must return the same slot")
}

func TestThreadRegistryDistinctTidsGetDistinctSlots(t *testing.T) {
	var r threadRegistry
	ts1 := r.getOrCreate(1)
	ts2 := r.getOrCreate(2)
	require.NotSame(t, ts1, ts2)
}

func TestThreadRegistryDetachRemovesSlot(t *testing.T) {
	var r threadRegistry
	tid := int32(99)

	ts := r.getOrCreate(tid)
	ts.bucket = &bucketHeader{}

	got, ok := r.detach(tid)
	require.True(t, ok)
	require.Same(t, ts, got)

	_, ok = r.detach(tid)
	require.False(t, ok, "a second detach of the same tid must find nothing")
}

func TestThreadRegistryDetachUnknownTid(t *testing.T) {
	var r threadRegistry
	_, ok := r.detach(777)
	require.False(t, ok)
}
