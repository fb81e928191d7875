// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bench

// metricAccum is a metric accumulator.
type metricAccum interface {
	// new returns a new child metricAccum that will commit its results to this
	// metricAccum.
	new() metricAccum
	// commit accumulates the value of this metricAccum into its parent.
	commit()
	// count returns the total number of samples accumulated into this metric.
	count() int
	// report returns the accumulated value of this metric.
	report() float64
	// reset clears a root accumulator.
	reset()
}

// metric is a registered metric.
type metric struct {
	name string
	new  func(id int) metricAccum // return a new root accumulator
}

func (s *Suite) registerMetric(name string, new func(id int) metricAccum) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	id := len(s.metrics)
	s.metrics = append(s.metrics, &metric{name, new})
	return id
}

// MetricAvg is a metric that takes the average of its samples.
type MetricAvg struct {
	id int
}

func (s *Suite) NewMetricAvg(name string) *MetricAvg {
	return &MetricAvg{s.registerMetric(name, func(int) metricAccum { return &metricAvgAccum{} })}
}

func (m *MetricAvg) Set(r *Run, val float64) {
	r.metrics[m.id].(*metricAvgAccum).set(val)
}

type metricAvgAccum struct {
	parent *metricAvgAccum

	n     int
	total float64
}

func (m *metricAvgAccum) set(val float64) {
	m.n = 1
	m.total = val
}

func (m *metricAvgAccum) new() metricAccum {
	return &metricAvgAccum{parent: m}
}

func (m *metricAvgAccum) commit() {
	p := m.parent
	p.n += m.n
	p.total += m.total
	m.n, m.total = 0, 0
}

func (m *metricAvgAccum) count() int { return m.n }
func (m *metricAvgAccum) reset()     { m.n, m.total = 0, 0 }

func (m *metricAvgAccum) report() float64 {
	return m.total / float64(m.n)
}

// MetricSum is a metric that reports the total of its samples over all
// runs, divided by the number of runs that set it.
type MetricSum struct {
	id int
}

func (s *Suite) NewMetricSum(name string) *MetricSum {
	return &MetricSum{s.registerMetric(name, func(int) metricAccum { return &metricSumAccum{} })}
}

// Add adds val to r's sample.
func (m *MetricSum) Add(r *Run, val float64) {
	accum := r.metrics[m.id].(*metricSumAccum)
	accum.n = 1
	accum.total += val
}

type metricSumAccum struct {
	parent *metricSumAccum

	n     int
	total float64
}

func (m *metricSumAccum) new() metricAccum {
	return &metricSumAccum{parent: m}
}

func (m *metricSumAccum) commit() {
	p := m.parent
	p.n += m.n
	p.total += m.total
	m.n, m.total = 0, 0
}

func (m *metricSumAccum) count() int { return m.n }
func (m *metricSumAccum) reset()     { m.n, m.total = 0, 0 }

func (m *metricSumAccum) report() float64 {
	return m.total / float64(m.n)
}

// MetricRate is a metric that accumulates a total rate.
type MetricRate struct {
	id int
}

func (s *Suite) NewMetricRate(name string) *MetricRate {
	return &MetricRate{s.registerMetric(name, func(int) metricAccum { return &metricRateAccum{} })}
}

func (m *MetricRate) Set(r *Run, numer, denom float64) {
	if denom == 0 {
		if numer == 0 {
			return
		}
		panic("divide by zero")
	}

	accum := r.metrics[m.id].(*metricRateAccum)
	accum.n = 1
	accum.numer = numer
	accum.denom = denom
}

type metricRateAccum struct {
	parent *metricRateAccum

	n     int
	numer float64
	denom float64
}

func (m *metricRateAccum) new() metricAccum {
	return &metricRateAccum{parent: m}
}

func (m *metricRateAccum) commit() {
	p := m.parent
	p.n += m.n
	p.numer += m.numer
	p.denom += m.denom
	m.n, m.numer, m.denom = 0, 0, 0
}

func (m *metricRateAccum) count() int { return m.n }
func (m *metricRateAccum) reset()     { m.n, m.numer, m.denom = 0, 0, 0 }

func (m *metricRateAccum) report() float64 {
	if m.denom == 0 {
		return 0
	}
	return m.numer / m.denom
}
