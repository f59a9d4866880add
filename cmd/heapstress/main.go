// heapstress drives the shared heap with concurrent mutators and reports
// collection statistics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/sharedheap/config"
	"github.com/chazu/sharedheap/daemon"
	"github.com/chazu/sharedheap/gctrace"
	"github.com/chazu/sharedheap/heap"
	"github.com/chazu/sharedheap/taskpool"
)

var log = commonlog.GetLogger("sharedheap.heapstress")

type options struct {
	mutators    int
	iterations  int
	live        int
	maxRefs     int
	maxData     int
	hugeEvery   int
	nativeEvery int
	verify      bool
	snapshot    string
	trace       bool
	fullGC      bool
}

func main() {
	var opts options
	configDir := flag.String("config", ".", "Directory to search upward for sharedheap.toml")
	verbosity := flag.Int("verbosity", -1, "Log verbosity (overrides the config file)")
	flag.IntVar(&opts.mutators, "mutators", 4, "Number of concurrent mutators")
	flag.IntVar(&opts.iterations, "n", 20000, "Allocations per mutator")
	flag.IntVar(&opts.live, "live", 256, "Rooted objects kept live per mutator")
	flag.IntVar(&opts.maxRefs, "max-refs", 4, "Maximum reference slots per object")
	flag.IntVar(&opts.maxData, "max-data", 512, "Maximum data bytes per object")
	flag.IntVar(&opts.hugeEvery, "huge-every", 500, "Allocate a huge object every N allocations (0 disables)")
	flag.IntVar(&opts.nativeEvery, "native-every", 200, "Allocate a native pointer every N allocations (0 disables)")
	flag.BoolVar(&opts.verify, "verify", true, "Verify the heap after the run")
	flag.StringVar(&opts.snapshot, "snapshot", "", "Write a CBOR heap snapshot to this file")
	flag.BoolVar(&opts.trace, "trace", false, "Record GC events in the trace database")
	flag.BoolVar(&opts.fullGC, "full-gc", true, "Run a full collection before reporting")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: heapstress [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs concurrent mutators against a shared heap.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  heapstress -mutators 8 -n 100000\n")
		fmt.Fprintf(os.Stderr, "  heapstress -trace -snapshot heap.cbor\n")
	}
	flag.Parse()

	cfg, err := config.FindAndLoad(*configDir)
	if errors.Is(err, config.ErrNotFound) {
		cfg = config.Default()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *verbosity >= 0 {
		cfg.Log.Verbosity = *verbosity
	}
	commonlog.Configure(cfg.Log.Verbosity, cfg.LogPath())

	if err := run(cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, opts options) error {
	workers := cfg.GC.SweepWorkers
	if workers == 0 {
		workers = taskpool.DefaultThreads()
	}
	pool := taskpool.New(workers)
	defer pool.Destroy()
	d := daemon.New()
	d.Start()
	defer d.Stop()

	var heapOpts []heap.Option
	runID := uuid.NewString()
	if opts.trace || cfg.Trace.Enabled {
		rec, err := gctrace.Open(cfg.TracePath(), runID)
		if err != nil {
			return err
		}
		defer rec.Close()
		heapOpts = append(heapOpts, heap.WithEventSink(rec))
		defer func() {
			if s, err := rec.Summarize(runID); err == nil {
				fmt.Printf("trace %s run %s: %d collections, max pause %v\n",
					rec.Path(), runID, s.Collections, s.MaxPause)
			}
		}()
	}

	h, err := heap.NewSharedHeap(cfg.HeapConfig(), pool, d, heapOpts...)
	if err != nil {
		return fmt.Errorf("creating heap: %w", err)
	}
	defer h.Destroy()

	var deleted atomic.Int64
	start := time.Now()
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < opts.mutators; i++ {
		seed := uint64(i) + 1
		g.Go(func() error {
			return mutate(ctx, h, opts, seed, &deleted)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	if opts.fullGC {
		h.CollectGarbage(nil, heap.SharedFullGC, heap.ReasonExternalTrigger)
	}
	if opts.verify {
		if err := h.Verify(nil); err != nil {
			return fmt.Errorf("heap verification failed: %w", err)
		}
	}
	if opts.snapshot != "" {
		snap := h.Snapshot()
		data, err := heap.MarshalSnapshot(&snap)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.snapshot, data, 0o644); err != nil {
			return fmt.Errorf("writing snapshot: %w", err)
		}
	}

	st := h.Stats()
	fmt.Printf("%d mutators x %d allocations in %v\n", opts.mutators, opts.iterations, elapsed)
	fmt.Printf("collections %d (full %d, concurrent %d), pauses %d totalling %v\n",
		st.Collections, st.FullCollections, st.ConcurrentMarks, st.Pauses, st.TotalPause)
	fmt.Printf("heap %d bytes, committed %d bytes, freed %d bytes, native deleters run %d\n",
		h.GetHeapObjectSize(), h.GetCommittedSize(), st.FreedBytes, deleted.Load())
	return nil
}

// mutate runs one mutator. It keeps a fixed window of rooted objects and
// links new objects into them so that the graph spans regions.
func mutate(ctx context.Context, h *heap.SharedHeap, opts options, seed uint64, deleted *atomic.Int64) error {
	m := h.NewMutator()
	defer m.Close()
	rng := rand.New(rand.NewPCG(seed, seed*7919))

	handles := make([]heap.Handle, 0, opts.live)
	for i := 0; i < opts.iterations; i++ {
		if i%1024 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}

		var (
			obj uintptr
			err error
		)
		switch {
		case opts.nativeEvery > 0 && i%opts.nativeEvery == opts.nativeEvery-1:
			obj, err = m.NewNativePointer(uintptr(1+rng.IntN(64))<<10, func() { deleted.Add(1) })
		case opts.hugeEvery > 0 && i%opts.hugeEvery == opts.hugeEvery-1:
			obj, err = m.NewObject(0, int(h.Config().HugeObjectThreshold), heap.SpaceHugeObject)
		default:
			obj, err = m.NewObject(rng.IntN(opts.maxRefs+1), rng.IntN(opts.maxData+1), heap.SpaceOld)
		}
		if err != nil {
			return fmt.Errorf("mutator %s: allocation %d: %w", m.ID(), i, err)
		}

		if len(handles) < opts.live {
			handles = append(handles, m.AddRoot(obj))
			continue
		}
		// Hang the new object off a random live one before replacing
		// another root with it.
		parent := m.Root(handles[rng.IntN(len(handles))])
		if n, _ := m.RefCount(parent); n > 0 {
			if err := m.SetField(parent, rng.IntN(n), obj); err != nil {
				return fmt.Errorf("mutator %s: %w", m.ID(), err)
			}
		}
		m.SetRoot(handles[rng.IntN(len(handles))], obj)
	}
	log.Debug("mutator finished", "id", m.ID(), "roots", m.RootCount())
	return nil
}
