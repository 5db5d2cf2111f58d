package kissmalloc

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

// bucketHeader sits at offset 0 of a page that is the active bump frontier
// for some thread's run, or was until it was retired. Per spec §3 it is a
// fixed-layout header; objectCount is the one field ever touched by a
// thread other than the one that installed the header, and only via
// atomic fetch-and-subtract (spec §5).
//
// The spec specifies objectCount as a 16-bit field; Go's sync/atomic has
// no atomic primitive narrower than 32 bits, so it is widened to uint32
// here (see DESIGN.md). Every other invariant — initial value 2, decrement
// on free, decrement on retirement, recyclable exactly at zero — is
// unchanged.
type bucketHeader struct {
	preallocRemaining uint16
	reservedChecksum  uint16
	bytesDirty        uint16
	_                 uint16
	objectCount       uint32
	cache             *pageCache
}

const bucketHeaderSize = unsafe.Sizeof(bucketHeader{})

// bucketHeaderAligned is aligned_sizeof(BucketHeader): the first usable
// payload offset within a page that has just had a header installed.
const bucketHeaderAligned = (bucketHeaderSize + granularity - 1) &^ (granularity - 1)

func (h *bucketHeader) pageBase() uintptr { return uintptr(unsafe.Pointer(h)) }

// decrementObjectCount performs the one cross-thread-safe operation in the
// whole design: an atomic fetch-and-subtract on the page's live-object
// counter. It returns the post-decrement value; the thread that observes
// it reach zero gains exclusive rights to the page (spec §5).
func decrementObjectCount(h *bucketHeader) uint32 {
	return atomic.AddUint32(&h.objectCount, ^uint32(0))
}

func incrementObjectCount(h *bucketHeader) {
	atomic.AddUint32(&h.objectCount, 1)
}

// threadState is the per-OS-thread slot ThreadEnv hands back: the current
// Bucket, or nil before that thread's first small allocation.
//
// mu serializes every access to bucket. A real pthread_key_t slot is only
// ever touched by the one OS thread it belongs to, so the C original needs
// no lock here; a gettid()-keyed Go slot can be read and written by two
// different goroutines in quick succession if the first is asynchronously
// preempted off that OS thread mid-bump and the second is scheduled onto
// the same thread before the first resumes (ordinary goroutines, i.e. ones
// that never called runtime.LockOSThread, can do this at any safe point
// since Go 1.14). Without mu, the read of bytesDirty and the later write
// of bytesDirty in allocSmall's fast path straddle that window and two
// goroutines can be handed overlapping pointers. The lock is cheap in the
// uncontended, same-goroutine-resumes case that dominates in practice.
type threadState struct {
	mu     sync.Mutex
	bucket *bucketHeader
}

// allocSmall serves a small allocation (size already validated < pageHalfSize)
// from the calling OS thread's current bucket, replenishing it if needed.
func (a *Allocator) allocSmall(size uintptr) (unsafe.Pointer, error) {
	size = roundUpPow2(size, granularity)

	ts := a.threads.getOrCreate(gettid())

	ts.mu.Lock()
	defer ts.mu.Unlock()

	bucket := ts.bucket

	if bucket != nil && uintptr(bucket.bytesDirty) < pageSize && size <= pageSize-uintptr(bucket.bytesDirty) {
		data := unsafe.Pointer(bucket.pageBase() + uintptr(bucket.bytesDirty))
		bucket.bytesDirty += uint16(size)
		incrementObjectCount(bucket)
		a.stats.addLiveObject(uint64(size))
		return data, nil
	}

	return a.retireAndReplenish(ts, size)
}

// retireAndReplenish implements spec §4.2: retire the outgoing bucket (if
// any), choose the next page — either the next page of the current run's
// preallocation, or a freshly mapped run — install a new BucketHeader on
// it, and publish it as the thread's current bucket.
//
// Callers must already hold ts.mu.
func (a *Allocator) retireAndReplenish(ts *threadState, size uintptr) (unsafe.Pointer, error) {
	outgoing := ts.bucket

	var preallocRemaining uint16
	var cache *pageCache

	if outgoing != nil {
		preallocRemaining = outgoing.preallocRemaining
		cache = outgoing.cache
		if decrementObjectCount(outgoing) == 0 {
			cache.push(&a.pages, outgoing.pageBase())
		}
	}

	var pageStart uintptr
	if preallocRemaining > 0 {
		pageStart = outgoing.pageBase() + pageSize
		preallocRemaining--
	} else {
		p, err := a.pages.map_(preallocSize)
		if err != nil {
			L.Warn("kissmalloc: run mmap failed", zap.Error(err))
			return nil, ErrOutOfMemory
		}
		pageStart = uintptr(p)
		preallocRemaining = pagesPerRun - 1
		a.stats.addMappedRun()
	}

	if cache == nil {
		c, err := newPageCache(&a.pages)
		if err != nil {
			L.Warn("kissmalloc: cache page mmap failed", zap.Error(err))
			return nil, ErrOutOfMemory
		}
		cache = c
	}

	header := (*bucketHeader)(unsafe.Pointer(pageStart))
	header.preallocRemaining = preallocRemaining
	header.reservedChecksum = 0
	header.bytesDirty = uint16(bucketHeaderAligned) + uint16(size)
	header.objectCount = 2
	header.cache = cache

	ts.bucket = header
	a.stats.addLiveObject(uint64(size))

	return unsafe.Pointer(pageStart + bucketHeaderAligned), nil
}

// freeSmall implements the small-object half of spec §4.3's free(): the
// page's object counter is decremented atomically; the thread that
// observes it reach zero pushes the page into *its own* cache, lazily
// creating a bucket/cache for itself if it has never allocated.
func (a *Allocator) freeSmall(page uintptr) {
	header := (*bucketHeader)(unsafe.Pointer(page))
	if decrementObjectCount(header) != 0 {
		return
	}

	ts := a.threads.getOrCreate(gettid())

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.bucket == nil {
		p, err := a.pages.map_(preallocSize)
		if err != nil {
			// Nothing sane to do: we already own this page and must place
			// it somewhere. Losing it would leak it silently; aborting
			// matches spec §7's treatment of kernel-side integrity
			// failures during cache bootstrap.
			panic("kissmalloc: failed to bootstrap freeing thread's bucket: " + err.Error())
		}
		cache, err := newPageCache(&a.pages)
		if err != nil {
			panic("kissmalloc: failed to bootstrap freeing thread's cache: " + err.Error())
		}
		selfHeader := (*bucketHeader)(unsafe.Pointer(p))
		selfHeader.bytesDirty = uint16(bucketHeaderAligned)
		selfHeader.objectCount = 1
		selfHeader.preallocRemaining = pagesPerRun - 1
		selfHeader.cache = cache
		ts.bucket = selfHeader
	}

	ts.bucket.cache.push(&a.pages, page)
}

// detachThread implements the Bucket half of thread-exit cleanup (spec
// §4.2): drain the thread's PageCache and unmap the cache page, then
// unmap the thread's current run, leaking exactly the first page if the
// bucket's object count does not reach zero on the exit decrement (some
// object allocated from it is still live, possibly on another thread).
func (a *Allocator) detachThread(ts *threadState) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	bucket := ts.bucket
	if bucket == nil {
		return
	}

	cache := bucket.cache
	cache.finalize(&a.pages)

	head := bucket.pageBase()
	size := uintptr(bucket.preallocRemaining+1) * pageSize

	if decrementObjectCount(bucket) != 0 {
		head += pageSize
		size -= pageSize
	}

	if size > 0 {
		a.pages.unmap(unsafe.Pointer(head), size)
	}

	ts.bucket = nil
}
