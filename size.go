package kissmalloc

import "unsafe"

// Tunable constants, mirroring KISSMALLOC_PAGE_SIZE / _PREALLOC / _CACHE /
// _GRANULARITY from the original C implementation.
const (
	// pageSize is P: the fixed page size and mapping granularity.
	pageSize = 4096

	// pageHalfSize is the small/large dispatch threshold.
	pageHalfSize = pageSize / 2

	// pagesPerRun is R: pages obtained by a single PageMap.Map call when
	// a bucket replenishes from scratch.
	pagesPerRun = 64

	// preallocSize is R*P, the byte size of one PageRun mapping.
	preallocSize = pagesPerRun * pageSize

	// cacheCapacity is C: the maximum number of page addresses a
	// PageCache may hold before it must drain.
	cacheCapacity = 255
)

// granularity is G: the minimum alignment and size unit for small
// allocations. It matches KISSMALLOC_GRANULARITY: the larger of twice the
// pointer width and the platform's maximum scalar alignment. Go has no
// portable alignof(max_align_t); 16 bytes covers every architecture Go
// targets (it is what glibc and the original C header resolve to on amd64
// and arm64, the two platforms golang.org/x/sys/unix.Mmap supports here).
const granularity = 16

// bucketHeaderSize and bucketHeaderAligned are defined in bucket.go,
// alongside the bucketHeader type they describe. The spec's C layout is
// 16 bytes (two uint16s, a uint16 checksum, a uint16 object count, an
// 8-byte cache pointer); this rewrite widens object count to uint32
// because sync/atomic has no primitive narrower than 32 bits, which grows
// the header to 24 bytes on the two 64-bit platforms this module targets
// (amd64, arm64 — see granularity's comment above) once the pointer
// field's own alignment is accounted for. See DESIGN.md and SPEC_FULL.md
// §5 for the full rationale; bucketHeaderSizeWant below is asserted
// against in init so a future field reordering that silently changes the
// layout is caught immediately rather than discovered as a corrupted
// bump cursor.
const bucketHeaderSizeWant = 24

func init() {
	if granularity&(granularity-1) != 0 {
		panic("kissmalloc: granularity must be a power of two")
	}
	if pageSize > 65536 {
		panic("kissmalloc: page size above 64KiB is not supported")
	}
	if bucketHeaderSize != bucketHeaderSizeWant {
		panic("kissmalloc: bucketHeader size changed unexpectedly, see DESIGN.md")
	}
	if cacheHeaderSize()+cacheCapacity*int(unsafe.Sizeof(uintptr(0))) > pageSize {
		panic("kissmalloc: cache capacity exceeds page size")
	}
}

// roundUpPow2 rounds x up to the nearest multiple of the power-of-two g.
func roundUpPow2(x, g uintptr) uintptr {
	m := g - 1
	return (x + m) &^ m
}

// isPow2 reports whether x is a power of two (x > 0).
func isPow2(x uintptr) bool {
	return x > 0 && x&(x-1) == 0
}
