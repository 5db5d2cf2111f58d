package kissmalloc

import (
	"sync"

	"golang.org/x/sys/unix"
)

// threadShards bounds lock contention on the thread registry: lookups for
// distinct OS thread ids spread across shards, so concurrent first-use
// initialization by different threads (spec §4.4: "must be one-shot and
// safe against concurrent first use") only ever contends within a shard,
// not registry-wide. The count mirrors the bucket sharding strategy in
// segmentio/datastructures' pagecache (64 buckets, power of two).
const threadShards = 64

// threadShard guards the slice of threadState owned by OS threads whose
// id hashes to this shard.
type threadShard struct {
	mu sync.Mutex
	m  map[int32]*threadState
}

// threadRegistry is the ThreadEnv of spec §4.4: a per-OS-thread slot
// holding the calling thread's Bucket, keyed by the Linux kernel thread id
// (gettid(2), via golang.org/x/sys/unix). A goroutine's OS thread can
// change between calls, so the identity this registry keys on is "the OS
// thread currently running this goroutine", consistent with every other
// spec invariant, which is about per-OS-thread state, not per-goroutine
// state; a goroutine that hops OS threads between a malloc and a free
// simply accesses a different slot, just as two separate C threads would.
//
// Unlike a real pthread_key_t, a gettid()-keyed slot does not give the C
// original's exclusivity for free: ordinary goroutines are asynchronously
// preemptible (the default since Go 1.14), so the scheduler can resume a
// second goroutine on the very same OS thread while a first one is
// suspended mid-bump. threadState.mu exists precisely to close that
// window — see bucket.go.
//
// Go provides no destructor hook for OS thread exit (no pthread_key_t
// equivalent), so there is no automatic analogue of bucket_cleanup/
// cache_cleanup. A caller that pins a goroutine to an OS thread with
// runtime.LockOSThread and intends to retire it calls Allocator.Detach to
// run that cleanup explicitly before unlocking or exiting.
type threadRegistry struct {
	shards [threadShards]threadShard
}

func gettid() int32 {
	return int32(unix.Gettid())
}

func (r *threadRegistry) shard(tid int32) *threadShard {
	return &r.shards[uint32(tid)%threadShards]
}

// getOrCreate returns the calling OS thread's slot, creating it on first
// use. Creation is guarded by the shard's mutex, making it safe against
// concurrent first use by two different threads hashing to the same shard.
func (r *threadRegistry) getOrCreate(tid int32) *threadState {
	s := r.shard(tid)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[int32]*threadState)
	}
	ts, ok := s.m[tid]
	if !ok {
		ts = &threadState{}
		s.m[tid] = ts
	}
	return ts
}

// detach removes and returns tid's slot, if one exists. Used by
// Allocator.Detach to run bucket cleanup exactly once per thread.
func (r *threadRegistry) detach(tid int32) (*threadState, bool) {
	s := r.shard(tid)
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.m[tid]
	if ok {
		delete(s.m, tid)
	}
	return ts, ok
}
