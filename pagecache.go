package kissmalloc

import "unsafe"

// pageCache is a per-thread bounded min-heap of retired page addresses,
// ordered by numeric address. It batches pages into address-contiguous
// runs so they can be unmapped with as few munmap calls as possible.
//
// Per spec §3 it occupies exactly one mapped page: entries is sized so
// that cacheHeaderSize()+cacheCapacity*sizeof(uintptr) never exceeds
// pageSize (checked in size.go's init). It is never shared across
// threads — only the thread that owns it calls push/drain/finalize — so,
// unlike bucketHeader.objectCount, fill and entries need no atomics.
type pageCache struct {
	fill    int32
	entries [cacheCapacity]uintptr
}

func cacheHeaderSize() int {
	return int(unsafe.Offsetof(pageCache{}.entries))
}

// newPageCache maps a fresh page and overlays a pageCache on it. The
// mapping is zeroed by the kernel, which is already a valid empty cache
// (fill == 0).
func newPageCache(pm *pageMap) (*pageCache, error) {
	p, err := pm.map_(pageSize)
	if err != nil {
		return nil, err
	}
	return (*pageCache)(p), nil
}

func cacheParent(i int32) int32 { return (i - 1) >> 1 }
func cacheLeft(i int32) int32   { return i<<1 + 1 }
func cacheRight(i int32) int32  { return i<<1 + 2 }

// siftUp restores the heap property after appending a new leaf at
// fill-1, moving it toward the root while it is smaller than its parent.
func (c *pageCache) siftUp() {
	for i := c.fill - 1; i > 0; {
		j := cacheParent(i)
		if c.entries[i] >= c.entries[j] {
			break
		}
		c.entries[i], c.entries[j] = c.entries[j], c.entries[i]
		i = j
	}
}

// siftDown restores the heap property after the root has been replaced by
// the former last leaf, moving it down toward the smaller of its children.
func (c *pageCache) siftDown() {
	fill := c.fill
	for i := int32(0); ; {
		lc, rc := cacheLeft(i), cacheRight(i)
		var smallest int32
		switch {
		case rc < fill:
			smallest = i
			if c.entries[lc] < c.entries[smallest] {
				smallest = lc
			}
			if c.entries[rc] < c.entries[smallest] {
				smallest = rc
			}
		case lc < fill:
			if c.entries[lc] < c.entries[i] {
				smallest = lc
			} else {
				return
			}
		default:
			return
		}
		if smallest == i {
			return
		}
		c.entries[i], c.entries[smallest] = c.entries[smallest], c.entries[i]
		i = smallest
	}
}

// pop removes and returns the minimum address, moving the last leaf to the
// root and sifting it down.
func (c *pageCache) pop() uintptr {
	page := c.entries[0]
	c.fill--
	c.entries[0] = c.entries[c.fill]
	c.entries[c.fill] = 0
	c.siftDown()
	return page
}

// push inserts page as a new leaf and sifts it up. If the cache is full,
// it first drains half of it to make room (spec §4.1).
func (c *pageCache) push(pm *pageMap, page uintptr) {
	if c.fill == cacheCapacity {
		c.drain(pm, cacheCapacity/2)
	}
	c.entries[c.fill] = page
	c.fill++
	c.siftUp()
}

// drain pops pages in ascending address order until fill reaches
// targetFill, coalescing address-adjacent pages into runs and unmapping
// each run with a single call. Unmap failure is fatal (see pageMap.unmap).
func (c *pageCache) drain(pm *pageMap, targetFill int32) {
	if c.fill <= targetFill {
		return
	}

	runBase := c.pop()
	runSize := uintptr(pageSize)

	for c.fill > targetFill {
		next := c.pop()
		if next-runBase == runSize {
			runSize += pageSize
			continue
		}
		pm.unmap(unsafe.Pointer(runBase), runSize)
		runBase = next
		runSize = pageSize
	}
	pm.unmap(unsafe.Pointer(runBase), runSize)
}

// finalize drains the cache to empty and unmaps the cache page itself.
// The pageCache value must not be used after this call.
func (c *pageCache) finalize(pm *pageMap) {
	c.drain(pm, 0)
	pm.unmap(unsafe.Pointer(c), pageSize)
}
