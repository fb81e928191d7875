// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stats

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

// PlotOptions describes a distribution plot.
type PlotOptions struct {
	PNG    string // image the script renders to
	Title  string
	XLabel string
	YLabel string

	// LogX is the base of a logarithmic x axis, or 0 for a linear one.
	LogX int
}

// Plot writes a gnuplot script to w that draws the cumulative
// distribution of d, with a few quantiles labeled on a second y axis.
func (d Dist[T]) Plot(w io.Writer, o PlotOptions) error {
	if len(d.vals) == 0 {
		return fmt.Errorf("plotting %s: no samples", o.XLabel)
	}
	slices.Sort(d.vals)
	n := len(d.vals)
	lo, hi := d.plotBounds(o.LogX != 0)

	buf := bufio.NewWriter(w)
	p := func(format string, args ...any) { fmt.Fprintf(buf, format+"\n", args...) }
	p("set terminal pngcairo")
	p("set output %q", o.PNG)
	if o.Title != "" {
		p("set title %q", o.Title)
	}
	p("set xlabel %q", o.XLabel)
	p("set ylabel %q", o.YLabel)
	p("set yrange [0:%d]", n)
	p("set ytics nomirror")
	p(`set ytics add ("n=%d" %d)`, n, n)
	p(`set y2label "quantile"`)
	p("set y2range [0:1]")
	p("set y2tics nomirror")
	if o.LogX != 0 {
		p("set log x %d", o.LogX)
	}
	if lo, ok := any(lo).(time.Duration); ok {
		p("set xtics (%s)", durationTics(lo, any(hi).(time.Duration), o.LogX))
	}
	p("set xrange [%v:%v]", float64(lo), float64(hi))
	p("set label %q at graph 0,0 offset 0,char -1.75", fmt.Sprint("min ", d.vals[0]))
	p("set label %q at graph 1,0 right offset 0,char -1.75", fmt.Sprint("max ", d.vals[n-1]))

	p("plot '-' notitle with steps, " +
		"'-' notitle axes x1y2 with labels left offset char 0.2,char -0.25 point ps 2, " +
		"'-' notitle axes x1y2 with labels right offset char -1.2,char -0.25 point ps 2")
	for i, v := range d.vals {
		p("%v %d", float64(v), i)
	}
	p("e")
	left, right := d.quantileLabels(lo, hi)
	for _, points := range [][]string{left, right} {
		for _, pt := range points {
			p("%s", pt)
		}
		p("e")
	}

	p("unset output")
	p("reset")
	return buf.Flush()
}

// plotBounds returns the x range to draw. d.vals must be sorted. A tail
// reaching more than half the 1st to 99th percentile spread past those
// percentiles is cut off.
func (d Dist[T]) plotBounds(logX bool) (lo, hi T) {
	q := d.Quantiles(0, 0.01, 0.99, 1)
	lo, hi = q[0], q[3]
	slack := (float64(q[2]) - float64(q[1])) / 2
	if float64(lo) < float64(q[1])-slack {
		lo = q[1]
	}
	if float64(hi) > float64(q[2])+slack {
		hi = q[2]
	}
	if lo == hi {
		if lo > 0 {
			lo--
		}
		hi++
	}
	if logX && lo <= 0 {
		if i := slices.IndexFunc(d.vals, func(v T) bool { return v > 0 }); i >= 0 {
			lo = d.vals[i]
		}
	}
	return lo, hi
}

// quantileLabels returns labeled points for the 5th through 95th
// percentiles. Points left of the middle of [lo, hi] are returned in
// left and drawn with text to their right, and the rest the other way.
func (d Dist[T]) quantileLabels(lo, hi T) (left, right []string) {
	qs := []float64{0.05, 0.25, 0.5, 0.75, 0.95}
	mid := float64(lo)/2 + float64(hi)/2
	for i, v := range d.Quantiles(qs...) {
		pt := fmt.Sprintf("%v %g %v", float64(v), qs[i], v)
		if float64(v) <= mid {
			left = append(left, pt)
		} else {
			right = append(right, pt)
		}
	}
	return left, right
}

const maxMajorTics = 8

// durationTics returns a gnuplot xtics list for [lo, hi]. A log axis
// gets a labeled tic at each power of logBase. A linear axis gets
// labeled tics on a 1-2-5 step and unlabeled minor tics between them.
func durationTics(lo, hi time.Duration, logBase int) string {
	var tics []string
	major := func(d time.Duration) { tics = append(tics, fmt.Sprintf("%q %d 0", d, int64(d))) }
	minor := func(d time.Duration) { tics = append(tics, fmt.Sprintf(`"" %d 1`, int64(d))) }

	if logBase > 1 {
		for d := time.Nanosecond; d > 0 && d <= hi; d *= time.Duration(logBase) {
			if d >= lo {
				major(d)
			}
		}
		return strings.Join(tics, ",")
	}

	step, minors := ticStep(hi - lo)
	sub := step / time.Duration(minors)
	if sub == 0 {
		sub, minors = step, 1
	}
	for pos := lo.Truncate(step); pos <= hi; pos += step {
		if pos >= lo {
			major(pos)
		}
		for k := 1; k < minors; k++ {
			if m := pos + sub*time.Duration(k); m >= lo && m <= hi {
				minor(m)
			}
		}
	}
	return strings.Join(tics, ",")
}

// ticStep returns the smallest step of the form {1,2,5}×10^k that
// splits span into fewer than maxMajorTics intervals, and how many
// minor intervals to divide each step into.
func ticStep(span time.Duration) (step time.Duration, minors int) {
	for mag := time.Duration(1); ; mag *= 10 {
		for _, m := range []time.Duration{1, 2, 5} {
			if step = m * mag; span/step < maxMajorTics {
				if m == 2 {
					return step, 4
				}
				return step, 5
			}
		}
	}
}
