// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bench reports measurements taken inside a running program in
// the Go benchmark format, so they can be compared with benchstat.
//
// A Suite owns a set of metrics and benchmarks. Each Run of a benchmark
// times one operation, such as one marking cycle, and sets metrics on
// it. Report prints one line per benchmark with the average or total of
// every metric over its runs.
package bench

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// A Suite is a set of benchmarks and the metrics they report.
type Suite struct {
	lock       sync.Mutex
	metrics    []*metric
	benchmarks []*Benchmark
	pending    int
}

func NewSuite() *Suite {
	s := &Suite{}
	s.metrics = []*metric{{"ns/op", func(int) metricAccum { return &metricAvgAccum{} }}}
	return s
}

// metricNSPerOp is the ID of the ns/op metric every suite has.
const metricNSPerOp = 0

// A Benchmark accumulates runs of one operation.
type Benchmark struct {
	s    *Suite
	name string

	reportAll bool

	runs    int
	metrics []metricAccum // root accumulators
	lines   []string      // finished runs, if reportAll
}

// A Run is one timed execution of a benchmark's operation.
type Run struct {
	b     *Benchmark
	accum time.Duration
	start time.Time
	done  bool

	metrics []metricAccum
}

// NewBenchmark registers a benchmark named name. Its output line is
// "Benchmark" followed by name.
func (s *Suite) NewBenchmark(name string) *Benchmark {
	s.lock.Lock()
	defer s.lock.Unlock()
	b := &Benchmark{s: s, name: name}
	s.benchmarks = append(s.benchmarks, b)
	return b
}

// ReportAll makes b report every run on its own line as it finishes.
func (b *Benchmark) ReportAll() *Benchmark {
	b.reportAll = true
	return b
}

// Start begins a run of b and starts its timer.
func (b *Benchmark) Start() *Run {
	s := b.s
	s.lock.Lock()
	// Metrics registered after the first Start are still picked up:
	// the root accumulators grow to match.
	for len(b.metrics) < len(s.metrics) {
		m := s.metrics[len(b.metrics)]
		b.metrics = append(b.metrics, m.new(len(b.metrics)))
	}
	r := &Run{b: b, metrics: make([]metricAccum, len(b.metrics))}
	for i, root := range b.metrics {
		r.metrics[i] = root.new()
	}
	s.pending++
	s.lock.Unlock()
	r.StartTimer()
	return r
}

func (r *Run) StopTimer() {
	if r.start.IsZero() {
		return
	}
	r.accum += time.Since(r.start)
	r.start = time.Time{}
}

func (r *Run) StartTimer() {
	if !r.start.IsZero() {
		return
	}
	r.start = time.Now()
}

// Elapsed returns the time the run's timer has been running.
func (r *Run) Elapsed() time.Duration {
	e := r.accum
	if !r.start.IsZero() {
		e += time.Since(r.start)
	}
	return e
}

// Done ends the run and merges its metrics into the benchmark.
func (r *Run) Done() {
	if r.done {
		panic("bench: Done called twice")
	}
	r.done = true
	r.StopTimer()
	r.metrics[metricNSPerOp].(*metricAvgAccum).set(float64(r.accum))

	b := r.b
	s := b.s
	s.lock.Lock()
	defer s.lock.Unlock()
	s.pending--
	b.runs++
	if b.reportAll {
		b.lines = append(b.lines, formatLine(s, b.name, 1, r.metrics))
	}
	for _, m := range r.metrics {
		m.commit()
	}
}

// Report writes one line per benchmark with runs and then resets every
// benchmark. It panics if any run is still in progress.
func (s *Suite) Report(w io.Writer) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pending != 0 {
		panic(fmt.Sprintf("bench: %d runs still pending", s.pending))
	}
	for _, b := range s.benchmarks {
		if b.runs == 0 {
			continue
		}
		lines := b.lines
		if !b.reportAll {
			lines = []string{formatLine(s, b.name, b.runs, b.metrics)}
		}
		for _, line := range lines {
			if _, err := io.WriteString(w, line); err != nil {
				return err
			}
		}
		b.runs = 0
		b.lines = nil
		for _, m := range b.metrics {
			m.reset()
		}
	}
	return nil
}

func formatLine(s *Suite, name string, runs int, metrics []metricAccum) string {
	line := ""
	for i, m := range metrics {
		if n := m.count(); n != 0 && n != runs {
			line += fmt.Sprintf("# Warning: %q has samples from %d runs of %d\n", s.metrics[i].name, n, runs)
		}
	}
	line += fmt.Sprintf("Benchmark%s\t%d", name, runs)
	for i, m := range metrics {
		if m.count() == 0 {
			continue
		}
		line += fmt.Sprintf("\t%f %s", m.report(), s.metrics[i].name)
	}
	return line + "\n"
}
