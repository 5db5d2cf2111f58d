package kissmalloc

import (
	"unsafe"

	"go.uber.org/zap"
)

// Allocator is the public surface: Malloc/Free/Calloc/Realloc and the
// aligned-allocation family, dispatching across the small, large, and
// aligned size regimes described in spec §4.3.
//
// The zero value is ready to use. Allocator instances are safe for
// concurrent use by any number of goroutines, including ordinary ones
// that never call runtime.LockOSThread: threadState.mu (bucket.go) guards
// every read-modify-write of a bucket's bump cursor, so a goroutine
// preempted mid-allocation and resumed on the same OS thread as a second,
// concurrently-running goroutine can never hand out overlapping pointers.
//
// That lock only buys correctness, not the design's intended performance
// shape. Bucket state is keyed by OS thread, not goroutine (spec §4.4), so
// a goroutine that is free to migrate OS threads between calls gets a
// working but not lock-free fast path — every call may contend the slot
// of whatever OS thread it happens to land on. Callers who want the
// lock-free, one-bucket-per-worker behavior the spec describes should
// pin each worker goroutine with runtime.LockOSThread for its lifetime
// and call Detach before unlocking or exiting, exactly as
// cmd/kissmalloc-bench does.
type Allocator struct {
	pages   pageMap
	threads threadRegistry
	stats   allocStats
}

// New returns a ready-to-use Allocator.
func New() *Allocator {
	return &Allocator{}
}

// Default is the package-level Allocator the Malloc/Free/... package
// functions forward to, standing in for the single implicit instance a C
// program's process-wide malloc/free would be.
var Default = New()

// Malloc dispatches size to the small (Bucket) or large (direct PageMap)
// path per spec §4.3's P/2 threshold. size == 0 is valid and returns a
// non-nil pointer (see doc.go); negative sizes are a caller error.
func (a *Allocator) Malloc(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, ErrInvalidAlignment
	}
	sz := uintptr(size)
	if sz < pageHalfSize {
		return a.allocSmall(sz)
	}
	return a.allocLarge(sz)
}

// allocLarge maps round_up(size, P) + P bytes, stores the mapped size in
// the first page, and returns a pointer to the second page — always
// page-aligned, the discriminator Free uses to route back here.
func (a *Allocator) allocLarge(size uintptr) (unsafe.Pointer, error) {
	mapped := roundUpPow2(size, pageSize) + pageSize

	head, err := a.pages.map_(mapped)
	if err != nil {
		L.Warn("kissmalloc: large mmap failed", zap.Uintptr("size", mapped), zap.Error(err))
		return nil, ErrOutOfMemory
	}

	*(*uintptr)(head) = mapped
	a.stats.addLargeAlloc(uint64(mapped))

	return unsafe.Pointer(uintptr(head) + pageSize), nil
}

// Free releases ptr. A nil ptr is a no-op; a foreign or double-freed
// pointer is undefined behavior by contract (spec §7), matching free(3).
func (a *Allocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	addr := uintptr(ptr)
	offset := addr & (pageSize - 1)

	if offset != 0 {
		a.freeSmall(addr - offset)
		return
	}

	head := addr - pageSize
	size := *(*uintptr)(unsafe.Pointer(head))
	a.pages.unmap(unsafe.Pointer(head), size)
}

// Calloc is Malloc(n*sz) with the result explicitly zeroed.
//
// The original C relies on the assumption that every byte handed out by
// malloc is kernel-fresh (hence already zero); spec §9 flags this as
// unproven once a page is recycled through the bucket/cache machinery
// rather than freshly mapped, and asks an implementer to either record
// per-allocation provenance or re-zero defensively. This rewrite takes the
// conservative option spec §9 names: it always re-zeros.
//
// Overflow of n*sz is not checked, matching spec §4.3's documented
// limitation — callers computing n*sz themselves must guard it.
func (a *Allocator) Calloc(n, sz int) (unsafe.Pointer, error) {
	if n < 0 || sz < 0 {
		return nil, ErrInvalidAlignment
	}
	total := n * sz
	p, err := a.Malloc(total)
	if err != nil {
		return nil, err
	}
	memclr(p, uintptr(total))
	return p, nil
}

// Realloc implements spec §4.3. The copy-size estimate for a small
// original is resolved conservatively per spec §9's preferred
// alternative: copy up to P - offset (the most any single small
// allocation can occupy within its page) rather than reconstructing the
// original's racy bytes_dirty/object_count estimate, which reads another
// thread's bucket fields without synchronization.
func (a *Allocator) Realloc(ptr unsafe.Pointer, size int) (unsafe.Pointer, error) {
	if ptr == nil {
		return a.Malloc(size)
	}
	if size == 0 {
		a.Free(ptr)
		return nil, nil
	}
	if size < 0 {
		return nil, ErrInvalidAlignment
	}
	if uintptr(size) <= granularity {
		return ptr, nil
	}

	addr := uintptr(ptr)
	offset := addr & (pageSize - 1)

	copySize := uintptr(pageSize)
	if offset != 0 {
		copySize = pageSize - offset
	}
	if copySize > uintptr(size) {
		copySize = uintptr(size)
	}

	newPtr, err := a.Malloc(size)
	if err != nil {
		return nil, err
	}

	memcopy(newPtr, ptr, copySize)
	a.Free(ptr)

	return newPtr, nil
}

// PosixMemalign implements spec §4.3: validates alignment, then picks the
// cheapest of three strategies depending on how big the aligned request is.
func (a *Allocator) PosixMemalign(alignment, size int) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}
	if size < 0 || alignment <= 0 {
		return nil, ErrInvalidAlignment
	}

	align := uintptr(alignment)
	if !isPow2(align) || align&(unsafe.Sizeof(uintptr(0))-1) != 0 {
		return nil, ErrInvalidAlignment
	}

	if align <= granularity {
		return a.Malloc(size)
	}

	if align+uintptr(size) < pageHalfSize {
		p, err := a.Malloc(int(align) + size)
		if err != nil {
			return nil, err
		}
		addr := uintptr(p)
		if r := addr & (align - 1); r != 0 {
			addr += align - r
		}
		return unsafe.Pointer(addr), nil
	}

	mapped := roundUpPow2(uintptr(size)+align, pageSize) + pageSize
	head, err := a.pages.map_(mapped)
	if err != nil {
		L.Warn("kissmalloc: aligned mmap failed", zap.Error(err))
		return nil, ErrOutOfMemory
	}

	base := uintptr(head)
	for (base+pageSize)&(align-1) != 0 {
		a.pages.unmap(unsafe.Pointer(base), pageSize)
		base += pageSize
		mapped -= pageSize
	}

	*(*uintptr)(unsafe.Pointer(base)) = mapped
	a.stats.addLargeAlloc(uint64(mapped))

	return unsafe.Pointer(base + pageSize), nil
}

// AlignedAlloc and Memalign are thin reductions to PosixMemalign, matching
// the C header's aligned_alloc/memalign wrappers.
func (a *Allocator) AlignedAlloc(alignment, size int) (unsafe.Pointer, error) {
	return a.PosixMemalign(alignment, size)
}

func (a *Allocator) Memalign(alignment, size int) (unsafe.Pointer, error) {
	return a.PosixMemalign(alignment, size)
}

// Valloc and Pvalloc round size up to a whole page and allocate it; for
// any size > 0 the rounded request takes the direct mmap path, so the
// result is naturally page-aligned without going through PosixMemalign.
// A size of 0 stays 0 after rounding and is served like Malloc(0), by the
// small path, so that result is not page-aligned.
func (a *Allocator) Valloc(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, ErrInvalidAlignment
	}
	return a.Malloc(int(roundUpPow2(uintptr(size), pageSize)))
}

func (a *Allocator) Pvalloc(size int) (unsafe.Pointer, error) {
	return a.Valloc(size)
}

// Detach runs Bucket and PageCache cleanup for the calling OS thread, as
// if that thread were exiting (spec §4.2). See threadenv.go for why Go
// requires this to be explicit rather than an automatic destructor.
// Safe to call from a thread that never allocated; a no-op in that case.
func (a *Allocator) Detach() {
	ts, ok := a.threads.detach(gettid())
	if !ok {
		return
	}
	a.detachThread(ts)
}

// memclr zeroes n bytes starting at p.
func memclr(p unsafe.Pointer, n uintptr) {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = 0
	}
}

// memcopy copies n bytes from src to dst. The two regions never overlap
// in any caller of this function (Realloc always copies into a freshly
// allocated destination).
func memcopy(dst, src unsafe.Pointer, n uintptr) {
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}

// Package-level convenience wrappers forwarding to Default, mirroring the
// implicit single-instance semantics of the C malloc/free/... symbols.

func Malloc(size int) (unsafe.Pointer, error) { return Default.Malloc(size) }
func Free(ptr unsafe.Pointer)                 { Default.Free(ptr) }
func Calloc(n, sz int) (unsafe.Pointer, error) { return Default.Calloc(n, sz) }

func Realloc(ptr unsafe.Pointer, size int) (unsafe.Pointer, error) {
	return Default.Realloc(ptr, size)
}

func PosixMemalign(alignment, size int) (unsafe.Pointer, error) {
	return Default.PosixMemalign(alignment, size)
}

func AlignedAlloc(alignment, size int) (unsafe.Pointer, error) {
	return Default.AlignedAlloc(alignment, size)
}

func Memalign(alignment, size int) (unsafe.Pointer, error) { return Default.Memalign(alignment, size) }
func Valloc(size int) (unsafe.Pointer, error)               { return Default.Valloc(size) }
func Pvalloc(size int) (unsafe.Pointer, error)               { return Default.Pvalloc(size) }
