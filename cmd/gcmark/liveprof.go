// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"

	"regionmark/heap"
)

// liveProfile builds a pprof profile with one sample per in-use region.
// Each sample's stack is the region under its region type, so "pprof
// -top" ranks regions and "pprof -peek" groups them by type. The values
// are the region's live and used bytes as of the last completed cycle.
func liveProfile(h *heap.Heap) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "live", Unit: "bytes"},
			{Type: "used", Unit: "bytes"},
		},
		DefaultSampleType: "live",
		TimeNanos:         time.Now().UnixNano(),
	}

	fn := func(name string) *profile.Location {
		f := &profile.Function{ID: uint64(len(p.Function) + 1), Name: name, SystemName: name}
		p.Function = append(p.Function, f)
		loc := &profile.Location{ID: uint64(len(p.Location) + 1), Line: []profile.Line{{Function: f}}}
		p.Location = append(p.Location, loc)
		return loc
	}
	typeLocs := make(map[heap.RegionType]*profile.Location)

	for r := range h.Regions().All() {
		if r.IsFree() {
			continue
		}
		typ := r.Type()
		parent, ok := typeLocs[typ]
		if !ok {
			parent = fn(typ.String() + " regions")
			typeLocs[typ] = parent
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{fn(fmt.Sprintf("region %d", r.Index())), parent},
			Value:    []int64{int64(r.LiveBytes()), int64(r.Used())},
			Label:    map[string][]string{"remset": {r.RemSet().State().String()}},
			NumLabel: map[string][]int64{"ntams": {int64(r.NTAMS().Minus(r.Bottom()))}},
			NumUnit:  map[string][]string{"ntams": {"bytes"}},
		})
	}
	return p
}

func writeLiveProfile(w io.Writer, h *heap.Heap) error {
	p := liveProfile(h)
	if err := p.CheckValid(); err != nil {
		return err
	}
	return p.Write(w)
}
