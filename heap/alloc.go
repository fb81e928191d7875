// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

// An AllocContext bump-allocates objects for a single goroutine. It owns
// one allocation region at a time and retires it when it fills up.
//
// An AllocContext must not be used concurrently.
type AllocContext struct {
	h   *Heap
	typ RegionType
	cur *Region
}

// NewAllocContext returns an allocation context that takes regions of
// type typ.
func (h *Heap) NewAllocContext(typ RegionType) *AllocContext {
	return &AllocContext{h: h, typ: typ}
}

// Alloc allocates and initializes an object of the given shape. The
// object's fields are all zero.
func (c *AllocContext) Alloc(s Shape) (Addr, error) {
	hdr := s.header()
	size := s.Size()
	if size >= c.h.HumongousThreshold() {
		start, ok := c.h.regions.AllocHumongous(size)
		if !ok {
			return Null, ErrOutOfMemory
		}
		c.h.initObject(start.bottom, hdr)
		return start.bottom, nil
	}
	for {
		if c.cur != nil {
			if obj, ok := c.cur.bumpAllocate(size); ok {
				c.h.initObject(obj, hdr)
				return obj, nil
			}
			c.Retire()
		}
		r, ok := c.h.regions.AllocRegion(c.typ)
		if !ok {
			return Null, ErrOutOfMemory
		}
		c.cur = r
	}
}

// Region returns the current allocation region, or nil.
func (c *AllocContext) Region() *Region {
	return c.cur
}

// Retire gives up the current allocation region.
func (c *AllocContext) Retire() {
	if c.cur != nil {
		c.cur.allocating.Store(false)
		c.cur = nil
	}
}
