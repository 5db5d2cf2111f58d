// Command kissmalloc-bench is a multi-threaded malloc/free burst benchmark,
// restoring kiss/malloc/tools/bench_threads/main.c (SPEC_FULL §6): each
// worker allocates objectCount objects of random size in [sizeMin, sizeMax)
// and frees them all, and the burst is timed across threadCount workers.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/frankencode/kissmalloc"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		threadCount int
		objectCount int
		sizeMin     int
		sizeMax     int
	)

	cmd := &cobra.Command{
		Use:   "kissmalloc-bench",
		Short: "Multi-threaded malloc/free burst benchmark for kissmalloc",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(threadCount, objectCount, sizeMin, sizeMax)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&threadCount, "threads", "m", 4, "number of worker threads")
	flags.IntVarP(&objectCount, "objects", "n", 10_000_000, "number of objects allocated per thread")
	flags.IntVar(&sizeMin, "size-min", 12, "minimum object size in bytes")
	flags.IntVar(&sizeMax, "size-max", 130, "maximum object size in bytes (exclusive)")

	return cmd
}

// threadState mirrors the C benchmark's thread_state_t: a per-worker list
// of object sizes and the pointers malloc returned for them.
type threadState struct {
	sizes   []int
	objects []unsafe.Pointer
}

func newThreadState(objectCount, sizeMin, sizeMax int) *threadState {
	rng := rand.New(rand.NewSource(int64(objectCount) ^ int64(sizeMin)<<32 ^ int64(sizeMax)))
	ts := &threadState{
		sizes:   make([]int, objectCount),
		objects: make([]unsafe.Pointer, objectCount),
	}
	for k := range ts.sizes {
		ts.sizes[k] = sizeMin + rng.Intn(sizeMax-sizeMin)
	}
	return ts
}

func runBench(threadCount, objectCount, sizeMin, sizeMax int) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()
	kissmalloc.SetLogger(logger)

	fmt.Printf("kissmalloc threads malloc()/free() benchmark\n")
	fmt.Printf("------------------------------\n\n")
	fmt.Printf("n = %d (number of objects per thread)\n", objectCount)
	fmt.Printf("m = %d (number of threads)\n\n", threadCount)

	alloc := kissmalloc.New()

	states := make([]*threadState, threadCount)
	for i := range states {
		states[i] = newThreadState(objectCount, sizeMin, sizeMax)
	}

	// Each worker pins itself to its OS thread for the duration of the
	// burst: kissmalloc.Allocator's small-object fast path is keyed by OS
	// thread id (threadenv.go), exactly like the C original's pthread_key_t,
	// so a worker must stay put on one OS thread for its bucket to behave
	// as a real per-thread bucket rather than migrating mid-burst. Detach
	// runs the thread-exit cleanup before unlocking, substituting for the
	// pthread destructor Go has no equivalent of.
	runWorker := func(ctx context.Context, fn func(*threadState)) func() error {
		return func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer alloc.Detach()

			idx := ctx.Value(workerIndexKey{}).(int)
			fn(states[idx])
			return nil
		}
	}

	if err := timedBurst("malloc() burst speed", objectCount, func(g *errgroup.Group, ctx context.Context) {
		for i := range states {
			i := i
			wctx := context.WithValue(ctx, workerIndexKey{}, i)
			g.Go(runWorker(wctx, func(ts *threadState) {
				for k, sz := range ts.sizes {
					p, err := alloc.Malloc(sz)
					if err != nil {
						logger.Warn("malloc failed", zap.Int("size", sz), zap.Error(err))
						continue
					}
					ts.objects[k] = p
				}
			}))
		}
	}); err != nil {
		return err
	}

	if err := timedBurst("free() burst speed", objectCount, func(g *errgroup.Group, ctx context.Context) {
		for i := range states {
			i := i
			wctx := context.WithValue(ctx, workerIndexKey{}, i)
			g.Go(runWorker(wctx, func(ts *threadState) {
				for _, p := range ts.objects {
					alloc.Free(p)
				}
			}))
		}
	}); err != nil {
		return err
	}

	stats := alloc.Stats()
	fmt.Printf("final stats: mapped_runs=%d live_small_objects=%d live_small_bytes=%d "+
		"large_allocs=%d mmap_calls=%d munmap_calls=%d mapped_bytes=%d\n",
		stats.MappedRuns, stats.LiveSmallObjects, stats.LiveSmallBytes,
		stats.LargeAllocs, stats.PageMap.MapCalls, stats.PageMap.UnmapCalls, stats.PageMap.MappedSize)

	return nil
}

type workerIndexKey struct{}

// timedBurst runs launch against a fresh errgroup, waits for every worker,
// and reports throughput the way the C original's time_get()-bracketed
// sections do.
func timedBurst(label string, objectCount int, launch func(g *errgroup.Group, ctx context.Context)) error {
	g, ctx := errgroup.WithContext(context.Background())

	start := time.Now()
	launch(g, ctx)
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start).Seconds()

	fmt.Printf("%s:\n", label)
	fmt.Printf("  t = %f s (test duration)\n", elapsed)
	fmt.Printf("  n/t = %f MHz (average operations per second)\n", float64(objectCount)/elapsed/1e6)
	fmt.Printf("  t/n = %f ns (average latency)\n\n", elapsed/float64(objectCount)*1e9)

	return nil
}
