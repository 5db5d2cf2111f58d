package kissmalloc

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pageMap is the kernel collaborator: map obtains page-aligned, zeroed
// memory from the operating system; unmap returns it. It is the Go
// equivalent of the mmap/munmap pair the C implementation calls directly.
//
// Every mapping is anonymous, private, and populated eagerly (MAP_POPULATE)
// to match the original's MAP_ANONYMOUS|MAP_PRIVATE|MAP_NORESERVE|
// MAP_POPULATE flags — populating up front trades a larger minor-fault cost
// at mmap time for a bump allocator that never faults mid-bump.
type pageMap struct {
	mapCalls   int64
	unmapCalls int64
	mappedSize int64
}

// map_ reserves n bytes (n must already be a multiple of pageSize) and
// returns the base address. Returned memory is always zeroed by the
// kernel for a fresh anonymous mapping.
func (m *pageMap) map_(n uintptr) (unsafe.Pointer, error) {
	b, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE|unix.MAP_POPULATE)
	if err != nil {
		return nil, errors.Wrapf(err, "kissmalloc: mmap %d bytes", n)
	}
	atomic.AddInt64(&m.mapCalls, 1)
	atomic.AddInt64(&m.mappedSize, int64(n))
	return unsafe.Pointer(&b[0]), nil
}

// unmap releases the n-byte region starting at addr. A failure here means
// the kernel refused to unmap memory we believe we own: either a kernel
// bug or corruption of allocator state, so it is fatal per spec §7.
func (m *pageMap) unmap(addr unsafe.Pointer, n uintptr) {
	b := unsafe.Slice((*byte)(addr), n)
	if err := unix.Munmap(b); err != nil {
		panic(errors.Wrapf(err, "kissmalloc: munmap %p (%d bytes) refused", addr, n))
	}
	atomic.AddInt64(&m.unmapCalls, 1)
	atomic.AddInt64(&m.mappedSize, -int64(n))
}

// pageMapStats is a point-in-time snapshot of pageMap activity, exposed
// through Allocator.Stats.
type pageMapStats struct {
	MapCalls   int64
	UnmapCalls int64
	MappedSize int64
}

func (m *pageMap) stats() pageMapStats {
	return pageMapStats{
		MapCalls:   atomic.LoadInt64(&m.mapCalls),
		UnmapCalls: atomic.LoadInt64(&m.unmapCalls),
		MappedSize: atomic.LoadInt64(&m.mappedSize),
	}
}
