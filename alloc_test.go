package kissmalloc

import (
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestMallocFreeRoundTrip(t *testing.T) {
	a := New()
	p, err := a.Malloc(64)
	require.NoError(t, err)
	require.NotNil(t, p)

	b := unsafe.Slice((*byte)(p), 64)
	for i := range b {
		b[i] = byte(i)
	}
	for i := range b {
		require.Equal(t, byte(i), b[i])
	}

	a.Free(p)
}

func TestMallocZeroReturnsNonNil(t *testing.T) {
	a := New()
	p, err := a.Malloc(0)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestMallocNegativeSizeIsError(t *testing.T) {
	a := New()
	_, err := a.Malloc(-1)
	require.ErrorIs(t, err, ErrInvalidAlignment)
}

func TestFreeNilIsNoOp(t *testing.T) {
	a := New()
	require.NotPanics(t, func() { a.Free(nil) })
}

func TestSmallLargeDispatchByPointerAlignment(t *testing.T) {
	a := New()

	small, err := a.Malloc(32)
	require.NoError(t, err)
	require.NotZero(t, uintptr(small)&(pageSize-1), "small allocations must not be page-aligned")

	large, err := a.Malloc(pageHalfSize + 1)
	require.NoError(t, err)
	require.Zero(t, uintptr(large)&(pageSize-1), "large allocations must be page-aligned")

	a.Free(small)
	a.Free(large)
}

func TestCallocZeroesMemory(t *testing.T) {
	a := New()
	p, err := a.Malloc(256)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 256)
	for i := range b {
		b[i] = 0xFF
	}
	a.Free(p)

	p2, err := a.Calloc(16, 16)
	require.NoError(t, err)
	b2 := unsafe.Slice((*byte)(p2), 256)
	for _, v := range b2 {
		require.Zero(t, v)
	}
	a.Free(p2)
}

func TestReallocPreservesPrefix(t *testing.T) {
	a := New()
	p, err := a.Malloc(100)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 100)
	for i := range b {
		b[i] = byte(i + 1)
	}

	p2, err := a.Realloc(p, 200)
	require.NoError(t, err)
	require.NotNil(t, p2)

	b2 := unsafe.Slice((*byte)(p2), 100)
	for i := range b2 {
		require.Equal(t, byte(i+1), b2[i])
	}

	a.Free(p2)
}

func TestReallocNilBehavesLikeMalloc(t *testing.T) {
	a := New()
	p, err := a.Realloc(nil, 42)
	require.NoError(t, err)
	require.NotNil(t, p)
	a.Free(p)
}

func TestReallocZeroSizeFrees(t *testing.T) {
	a := New()
	p, err := a.Malloc(42)
	require.NoError(t, err)

	p2, err := a.Realloc(p, 0)
	require.NoError(t, err)
	require.Nil(t, p2)
}

func TestPosixMemalignAlignment(t *testing.T) {
	a := New()
	for _, align := range []int{16, 64, 256, 4096} {
		p, err := a.PosixMemalign(align, 48)
		require.NoError(t, err)
		require.Zero(t, uintptr(p)%uintptr(align), "alignment %d", align)
		a.Free(p)
	}
}

func TestPosixMemalignRejectsNonPowerOfTwo(t *testing.T) {
	a := New()
	_, err := a.PosixMemalign(17, 48)
	require.ErrorIs(t, err, ErrInvalidAlignment)
}

func TestVallocReturnsPageAligned(t *testing.T) {
	a := New()
	p, err := a.Valloc(10)
	require.NoError(t, err)
	require.Zero(t, uintptr(p)%pageSize)
	a.Free(p)
}

// TestCrossThreadFree exercises the cache-ownership invariant from spec §5:
// the thread that observes a page's object count reach zero owns it, even
// when that thread is not the one that originally allocated from it.
func TestCrossThreadFree(t *testing.T) {
	a := New()

	var ptrs [64]unsafe.Pointer
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer a.Detach()

		for i := range ptrs {
			p, err := a.Malloc(32)
			require.NoError(t, err)
			ptrs[i] = p
		}
	}()
	wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer a.Detach()

		for _, p := range ptrs {
			a.Free(p)
		}
	}()
	wg.Wait()
}

func TestDetachIsNoOpForUnusedThread(t *testing.T) {
	a := New()
	require.NotPanics(t, func() { a.Detach() })
}

// TestUnlockedGoroutinesNeverOverlap exercises many ordinary goroutines
// (none pinned with runtime.LockOSThread) hammering Malloc concurrently.
// Without threadState.mu (bucket.go), two goroutines that the scheduler
// happens to resume on the same OS thread could observe the same
// bytesDirty cursor and receive overlapping pointers; this asserts that
// every live allocation's byte range is disjoint from every other's.
func TestUnlockedGoroutinesNeverOverlap(t *testing.T) {
	a := New()

	const goroutines = 32
	const perGoroutine = 2000
	const size = 48

	type span struct{ lo, hi uintptr }
	spans := make(chan span, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < perGoroutine; k++ {
				p, err := a.Malloc(size)
				require.NoError(t, err)
				lo := uintptr(p)
				spans <- span{lo: lo, hi: lo + size}
			}
		}()
	}
	wg.Wait()
	close(spans)

	var all []span
	for s := range spans {
		all = append(all, s)
	}

	seen := map[uintptr]int{}
	for _, s := range all {
		for b := s.lo; b < s.hi; b += granularity {
			seen[b]++
			require.Equal(t, 1, seen[b], "byte %x claimed by more than one live allocation", b)
		}
	}
}
