// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stats collects distributions of marking measurements.
package stats

import (
	"fmt"
	"slices"
	"strings"

	"github.com/aclements/go-moremath/stats"
)

// Number is the set of types a Dist can hold. time.Duration and
// heap.Bytes qualify.
type Number interface {
	~int | ~int64 | ~uint64 | ~float64
}

// A Dist is a distribution of samples.
type Dist[T Number] struct {
	vals []T
}

func (d *Dist[T]) Add(v T) {
	d.vals = append(d.vals, v)
}

func (d *Dist[T]) AddAll(vs ...T) {
	d.vals = append(d.vals, vs...)
}

func (d Dist[T]) Len() int {
	return len(d.vals)
}

// sample returns d as a sorted go-moremath sample.
func (d Dist[T]) sample() *stats.Sample {
	slices.Sort(d.vals)
	xs := make([]float64, len(d.vals))
	for i, v := range d.vals {
		xs[i] = float64(v)
	}
	return &stats.Sample{Xs: xs, Sorted: true}
}

// Quantiles returns the values at each quantile in qs, interpolating
// between samples. An empty Dist has all-zero quantiles.
func (d Dist[T]) Quantiles(qs ...float64) []T {
	out := make([]T, len(qs))
	if len(d.vals) == 0 {
		return out
	}
	s := d.sample()
	for i, q := range qs {
		out[i] = T(s.Quantile(q))
	}
	return out
}

func (d Dist[T]) Mean() float64 {
	if len(d.vals) == 0 {
		return 0
	}
	return stats.Mean(d.sample().Xs)
}

func (d Dist[T]) StdDev() float64 {
	if len(d.vals) < 2 {
		return 0
	}
	return d.sample().StdDev()
}

func (d Dist[T]) Sum() T {
	var sum T
	for _, v := range d.vals {
		sum += v
	}
	return sum
}

// String summarizes d by its size and a few quantiles.
func (d Dist[T]) String() string {
	if len(d.vals) == 0 {
		return "n=0"
	}
	qs := d.Quantiles(0, 0.5, 0.95, 0.99, 1)
	var b strings.Builder
	fmt.Fprintf(&b, "n=%d", len(d.vals))
	for i, name := range []string{"min", "p50", "p95", "p99", "max"} {
		fmt.Fprintf(&b, " %s=%v", name, qs[i])
	}
	return b.String()
}
