package kissmalloc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestStatsTracksLargeAllocs(t *testing.T) {
	a := New()

	before := a.Stats()
	p, err := a.Malloc(pageHalfSize + 1)
	require.NoError(t, err)
	after := a.Stats()

	require.Equal(t, before.LargeAllocs+1, after.LargeAllocs)
	require.Greater(t, after.LargeBytes, before.LargeBytes)
	require.Greater(t, after.PageMap.MapCalls, before.PageMap.MapCalls)

	a.Free(p)
}

func TestStatsSnapshotIsComparable(t *testing.T) {
	a := New()
	s1 := a.Stats()
	s2 := a.Stats()

	if diff := cmp.Diff(s1, s2); diff != "" {
		t.Fatalf("two immediately consecutive snapshots of an idle Allocator must match (-s1 +s2):\n%s", diff)
	}
}
