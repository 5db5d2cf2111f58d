package kissmalloc

import "sync/atomic"

// allocStats accumulates the handful of counters the original C
// implementation keeps no bookkeeping for at all. They exist purely for
// the observability surface SPEC_FULL adds (§6): every cache/pool example
// in the retrieval pack exposes something equivalent (HitRate, Stats).
type allocStats struct {
	mappedRuns    int64
	liveObjects   int64
	liveBytes     int64
	largeAllocs   int64
	largeBytes    int64
}

func (s *allocStats) addMappedRun() {
	atomic.AddInt64(&s.mappedRuns, 1)
}

func (s *allocStats) addLiveObject(size uint64) {
	atomic.AddInt64(&s.liveObjects, 1)
	atomic.AddInt64(&s.liveBytes, int64(size))
}

func (s *allocStats) addLargeAlloc(size uint64) {
	atomic.AddInt64(&s.largeAllocs, 1)
	atomic.AddInt64(&s.largeBytes, int64(size))
}

// Stats is a point-in-time snapshot of an Allocator's activity, useful for
// capacity planning and for the benchmark harness's reporting. None of
// these counters gate correctness; they are read with plain atomic loads
// and may be stale by the time the caller observes them.
type Stats struct {
	// MappedRuns is the number of fresh R-page runs mapped for bucket
	// replenishment since the Allocator was created.
	MappedRuns int64
	// LiveSmallObjects is a monotonically increasing count of small
	// allocations served; it is not decremented on free (the page-level
	// object count, not a per-object count, is what free() touches).
	LiveSmallObjects int64
	// LiveSmallBytes mirrors LiveSmallObjects in bytes.
	LiveSmallBytes int64
	// LargeAllocs and LargeBytes count allocations served by the direct
	// mmap path (size >= pageHalfSize).
	LargeAllocs int64
	LargeBytes  int64
	// PageMap carries raw mmap/munmap call counts and current mapped
	// byte total across both paths.
	PageMap pageMapStats
}

// Stats returns a snapshot of a's activity counters.
func (a *Allocator) Stats() Stats {
	return Stats{
		MappedRuns:       atomic.LoadInt64(&a.stats.mappedRuns),
		LiveSmallObjects: atomic.LoadInt64(&a.stats.liveObjects),
		LiveSmallBytes:   atomic.LoadInt64(&a.stats.liveBytes),
		LargeAllocs:      atomic.LoadInt64(&a.stats.largeAllocs),
		LargeBytes:       atomic.LoadInt64(&a.stats.largeBytes),
		PageMap:          a.pages.stats(),
	}
}
