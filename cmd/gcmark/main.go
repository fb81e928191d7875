// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Gcmark runs concurrent marking cycles over a synthetic heap while
// mutator goroutines modify it.
//
// Usage:
//
//	gcmark [flags]
//
// Gcmark builds a random object graph, starts -mutators goroutines that
// allocate and overwrite references in it, and runs -cycles complete
// marking cycles. It prints a summary of each cycle. With -bench, it
// also prints the cycles in the Go benchmark format for benchstat.
//
// With -verify, every cycle is checked against a stop-the-world
// reachability walk of the heap, and gcmark exits with status 1 if any
// reachable object was found dead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"regionmark/bench"
	"regionmark/heap"
	"regionmark/mark"
	"regionmark/oracle"
	"regionmark/roots"
	"regionmark/stats"
	"regionmark/workload"
)

var (
	flagHeap    = flag.Int("heap", 64, "heap capacity in `MiB`")
	flagRegion  = flag.Int("region", 256, "region size in `KiB`")
	flagObjects = flag.Int("objects", 100000, "build a random graph of `n` objects")
	flagRoots   = flag.Int("roots", 100, "number of objects in the random graph to root")
	flagDensity = flag.Float64("density", 0.5, "fraction of reference fields to fill")
	flagSeed    = flag.Uint64("seed", 1, "random `seed`")

	flagMutators = flag.Int("mutators", 2, "number of mutator goroutines")
	flagAnchors  = flag.Int("anchors", 64, "rooted objects each mutator churns under")
	flagInterval = flag.Duration("interval", 10*time.Millisecond, "mutator run time between cycles")

	flagCycles        = flag.Int("cycles", 5, "number of marking cycles to run")
	flagWorkers       = flag.Int("workers", 4, "number of marking tasks")
	flagStep          = flag.Duration("step", 0, "marking step time target (0 for the default)")
	flagStack         = flag.Int("stack", 0, "initial mark stack `entries` (0 for the default)")
	flagForceOverflow = flag.Int("force-overflow", 0, "inject `n` mark stack overflows per cycle")
	flagClearSoft     = flag.Bool("clear-soft", false, "clear soft references like weak ones")
	flagSerialRemark  = flag.Bool("serial-remark", false, "run remark with a single task")

	flagVerbose  = flag.Bool("v", false, "log marking phases")
	flagVerify   = flag.Bool("verify", false, "check every cycle against a reachability walk")
	flagBench    = flag.Bool("bench", false, "print cycles in Go benchmark format")
	flagPlot     = flag.String("plot", "", "write a gnuplot script of marking step times to `file`")
	flagLiveProf = flag.String("liveprof", "", "write a pprof profile of region liveness to `file`")
	flagDot      = flag.String("dot", "", "write the final object graph in DOT format to `file`")
)

func main() {
	log.SetPrefix("gcmark: ")
	log.SetFlags(0)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 0 {
		flag.Usage()
		os.Exit(2)
	}

	h, err := heap.New(heap.Config{
		Capacity:    heap.Bytes(*flagHeap) * heap.MiB,
		RegionBytes: heap.Bytes(*flagRegion) * heap.KiB,
	})
	if err != nil {
		log.Fatalf("creating heap: %s", err)
	}
	defer h.Close()

	cfg := mark.DefaultConfig()
	cfg.Workers = *flagWorkers
	if *flagStep != 0 {
		cfg.StepTarget = *flagStep
	}
	if *flagStack != 0 {
		cfg.MarkStackSize = *flagStack
		cfg.MarkStackMaxSize = max(cfg.MarkStackMaxSize, *flagStack)
	}
	cfg.ForceOverflow = *flagForceOverflow
	cfg.ClearSoftRefs = *flagClearSoft
	cfg.SerialRemark = *flagSerialRemark
	if *flagVerbose {
		cfg.Logger = log.Default()
	}
	rs := new(roots.Set)
	cm := mark.New(h, rs, cfg)

	// Register every mutator before building, so no pause can start
	// while a mutator is half set up.
	builders := make([]*workload.Builder, max(1, *flagMutators))
	for i := range builders {
		builders[i] = &workload.Builder{M: cm.NewMutator(heap.RegionOld), Roots: rs}
	}
	rnd := rand.New(rand.NewPCG(*flagSeed, 0))
	if _, err := builders[0].Random(rnd, *flagObjects, *flagRoots, *flagDensity); err != nil {
		log.Fatalf("building graph: %s", err)
	}
	anchors := make([][]heap.Addr, len(builders))
	for i, b := range builders {
		if anchors[i], err = b.Anchors(*flagAnchors, 8); err != nil {
			log.Fatalf("building anchors: %s", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range builders {
		if i >= *flagMutators {
			b.M.Close()
			continue
		}
		g.Go(func() error {
			defer b.M.Close()
			rnd := rand.New(rand.NewPCG(*flagSeed, uint64(i+1)))
			st, err := b.Churn(gctx, rnd, anchors[i], 0)
			if errors.Is(err, heap.ErrOutOfMemory) {
				// Without evacuation, a busy mutator eventually fills
				// regions that are never entirely dead.
				log.Printf("mutator %d stopped after %d operations: heap full", i, st.Ops)
				return nil
			}
			if err != nil {
				return fmt.Errorf("mutator %d: %w", i, err)
			}
			if *flagVerbose {
				log.Printf("mutator %d: %+v", i, st)
			}
			return nil
		})
	}

	r := runner{cm: cm, rs: rs, p: message.NewPrinter(language.English)}
	r.run(gctx)

	cancel()
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}

	r.report()
	if r.failures != 0 {
		log.Printf("%d cycles failed verification", r.failures)
		os.Exit(1)
	}
}

type runner struct {
	cm *mark.ConcurrentMark
	rs *roots.Set
	p  *message.Printer

	suite    *bench.Suite
	cycle    *bench.Benchmark
	pause    *bench.MetricAvg
	marked   *bench.MetricAvg
	scanRate *bench.MetricRate
	restarts *bench.MetricSum

	steps    stats.Dist[time.Duration]
	pauses   stats.Dist[time.Duration]
	failures int
}

func (r *runner) run(ctx context.Context) {
	r.suite = bench.NewSuite()
	r.cycle = r.suite.NewBenchmark("Cycle")
	r.pause = r.suite.NewMetricAvg("pause-ns")
	r.marked = r.suite.NewMetricAvg("marked-objects")
	r.scanRate = r.suite.NewMetricRate("scanned-B/ns")
	r.restarts = r.suite.NewMetricSum("overflows")

	for i := range *flagCycles {
		time.Sleep(*flagInterval)
		run := r.cycle.Start()
		st, err := r.cm.RunCycle(ctx)
		run.StopTimer()
		if err != nil {
			run.Done()
			if errors.Is(err, mark.ErrAborted) {
				log.Printf("cycle %d: %s", i, err)
				return
			}
			log.Fatalf("cycle %d: %s", i, err)
		}
		pause := st.InitialMarkPause + st.RemarkPause + st.CleanupPause
		r.pause.Set(run, float64(pause.Nanoseconds()))
		r.marked.Set(run, float64(st.MarkedObjects))
		r.scanRate.Set(run, float64(st.Tasks.WordsScanned.Bytes()), float64(st.ConcurrentMark.Nanoseconds()))
		r.restarts.Add(run, float64(st.Overflows+st.Restarts))
		run.Done()

		r.steps.AddAll(st.Tasks.StepTimes...)
		r.pauses.AddAll(st.InitialMarkPause, st.RemarkPause, st.CleanupPause)
		r.p.Printf("cycle %d: %d objects marked, %d bytes live, pauses %s/%s/%s, %d regions reclaimed\n",
			i, st.MarkedObjects, uint64(st.LiveBytes), st.InitialMarkPause, st.RemarkPause, st.CleanupPause, st.ReclaimedRegions)
		if *flagVerbose {
			st.Fprint(os.Stderr)
		}
		if *flagVerify {
			r.verify(i)
		}
	}

	if *flagDot != "" {
		r.cm.Safepoints().Pause(func() {
			g := oracle.Snapshot(r.cm.Heap(), r.rs)
			writeFile(*flagDot, func(f *os.File) error { return g.WriteDot(f, r.cm.IsLive) })
		})
	}
	if *flagLiveProf != "" {
		r.cm.Safepoints().Pause(func() {
			writeFile(*flagLiveProf, func(f *os.File) error { return writeLiveProfile(f, r.cm.Heap()) })
		})
	}
}

// verify checks the last cycle against reachability in the current
// heap, with the world stopped. Every object reachable now was either
// reachable when the cycle started or allocated since, so it must be
// live.
func (r *runner) verify(cycle int) {
	r.cm.Safepoints().Pause(func() {
		g := oracle.Snapshot(r.cm.Heap(), r.rs)
		live := g.Reachable(r.cm.Config().ClearSoftRefs)
		ok := true
		if slots := g.ReachableDangling(live); len(slots) != 0 {
			log.Printf("cycle %d: %d reachable references into free memory, first at %s", cycle, len(slots), slots[0])
			ok = false
		}
		d := g.Compare(live, r.cm.IsLive)
		if len(d.Missing) != 0 {
			log.Printf("cycle %d: live objects not marked: %s", cycle, d)
			ok = false
		}
		if !ok {
			r.failures++
		}
	})
}

func (r *runner) report() {
	r.p.Printf("step times: %s\n", r.steps)
	r.p.Printf("pause times: %s\n", r.pauses)
	if *flagBench {
		if err := r.suite.Report(os.Stdout); err != nil {
			log.Fatal(err)
		}
	}
	if *flagPlot != "" && r.steps.Len() != 0 {
		png := strings.TrimSuffix(*flagPlot, filepath.Ext(*flagPlot)) + ".png"
		writeFile(*flagPlot, func(f *os.File) error {
			return r.steps.Plot(f, stats.PlotOptions{
				PNG:    png,
				Title:  fmt.Sprintf("%d workers, %d cycles", r.cm.Config().Workers, *flagCycles),
				XLabel: "marking step time",
				YLabel: "steps",
				LogX:   10,
			})
		})
	}
}

func writeFile(path string, fn func(f *os.File) error) {
	f, err := os.Create(path)
	if err != nil {
		log.Fatal(err)
	}
	if err := fn(f); err != nil {
		log.Fatalf("writing %s: %s", path, err)
	}
	if err := f.Close(); err != nil {
		log.Fatal(err)
	}
}
