// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"time"

	"github.com/aclements/go-moremath/stats"
)

// overrunWindow is the number of recent overruns a task remembers.
const overrunWindow = 10

// An overrunPredictor tracks how far recent marking steps ran past their
// time target, so later steps can aim lower. Steps only check the clock
// every so often, so they always overrun a little.
type overrunPredictor struct {
	sample stats.Sample
	next   int
}

// record notes that a step ran d past its target.
func (p *overrunPredictor) record(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if len(p.sample.Xs) < overrunWindow {
		p.sample.Xs = append(p.sample.Xs, ms)
		return
	}
	p.sample.Xs[p.next] = ms
	p.next = (p.next + 1) % overrunWindow
}

// adjust returns target reduced by the predicted overrun: the mean of
// recent overruns plus one standard deviation. It never goes below half
// of target.
func (p *overrunPredictor) adjust(target time.Duration) time.Duration {
	if len(p.sample.Xs) == 0 {
		return target
	}
	predicted := p.sample.Mean()
	if len(p.sample.Xs) > 1 {
		predicted += p.sample.StdDev()
	}
	adj := target - time.Duration(predicted*float64(time.Millisecond))
	return max(adj, target/2)
}
