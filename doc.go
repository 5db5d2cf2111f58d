// Package kissmalloc is a general-purpose heap allocator tuned for small-object
// throughput under many-goroutine workloads where each caller allocates
// independently, with large objects handled by direct page mapping.
//
// The allocator's data structures are:
//
//	PageMap:   the kernel collaborator, mmap/munmap of page-aligned runs.
//	PageCache: a bounded min-heap of retired page addresses, per thread,
//	           used to batch munmap calls over address-contiguous runs.
//	Bucket:    the per-thread bump-pointer frontier that serves small
//	           allocations, guarded only by its own slot's lock.
//	Allocator: the public entry points, dispatching by size and
//	           implementing Realloc/PosixMemalign/Calloc on top of the two.
//
// Allocating a small object:
//
//  1. Round the size up to the granularity G and look at the calling
//     thread's current Bucket. If it has room, bump the cursor and return.
//     This path makes no syscall; its only atomic operations are the
//     increment of the page's live-object counter and of the Allocator's
//     statistics counters. It briefly holds its own OS-thread slot's lock, which is
//     uncontended in the common case of one goroutine per OS thread (see
//     Allocator's doc comment for what happens when that's not true).
//  2. If the bucket is full, retire it (decrementing its live-object
//     counter; push it to the cache if that reaches zero) and replenish
//     from the thread's remaining page-run preallocation, or mmap a fresh
//     run if none remains.
//
// Freeing a small object decrements the owning page's object counter
// atomically; the thread that observes the count reach zero pushes the
// page into its own cache, not the allocating thread's — this is the one
// cross-thread coordination point in the whole design (see freeSmall in
// bucket.go).
//
// Allocations at or above half a page bypass the bucket entirely and are
// mmap'd directly, with a one-page prefix carrying the mapped size so that
// Free can recover it without consulting any shared state.
//
// Malloc(0) returns a valid, non-nil pointer into the calling thread's
// current bucket without advancing its cursor; repeated zero-size calls
// may alias the same address. nil is reserved exclusively for allocation
// failure.
package kissmalloc
