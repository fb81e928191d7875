// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"
	"unsafe"
)

// Bytes is a count of bytes or a byte offset.
type Bytes uint64

func (a Bytes) Div(b Bytes) int {
	return int(a / b)
}

func (a Bytes) CeilDiv(b Bytes) int {
	return int((a + b - 1) / b)
}

func (a Bytes) Mul(b int) Bytes {
	return a * Bytes(b)
}

func (a Bytes) Words() Words {
	return Words(a / WordBytes)
}

func (a Bytes) String() string {
	if a == 0 {
		return "0 bytes"
	} else if a%GiB == 0 {
		return fmt.Sprintf("%d GiB", a/GiB)
	} else if a%MiB == 0 {
		return fmt.Sprintf("%d MiB", a/MiB)
	} else if a%KiB == 0 {
		return fmt.Sprintf("%d KiB", a/KiB)
	}
	return fmt.Sprintf("%d bytes", a)
}

const (
	KiB Bytes = 1 << 10
	MiB Bytes = 1 << 20
	GiB Bytes = 1 << 30
)

const (
	// WordBytes is the size of a heap word, which is also the object
	// alignment and the granule covered by one mark bit.
	WordBytes Bytes = 8

	// LogWordBytes is log_2(WordBytes).
	LogWordBytes = 3

	// CardBytes is the granule recorded in remembered sets.
	CardBytes Bytes = 512

	// LogCardBytes is log_2(CardBytes).
	LogCardBytes = 9
)

// Words is a count of words or a word offset.
type Words uint64

func (a Words) Bytes() Bytes {
	return Bytes(a) * WordBytes
}

func (a Words) Mul(b int) Words {
	return a * Words(b)
}

func (a Words) Div(b Words) int {
	return int(a / b)
}

// Addr is an address in the simulated heap address space. The zero Addr
// is the null reference.
type Addr uint64

// Null is the null reference.
const Null Addr = 0

func (a Addr) Plus(b Bytes) Addr {
	c, ok := a.PlusOK(b)
	if !ok {
		panic(fmt.Sprintf("%s+%s overflowed", a, b))
	}
	return c
}

func (a Addr) PlusOK(b Bytes) (Addr, bool) {
	c := a + Addr(b)
	if c < a {
		return 0, false
	}
	return c, true
}

func (a Addr) PlusWords(w Words) Addr {
	return a.Plus(w.Bytes())
}

func (a Addr) Minus(b Addr) Bytes {
	c := a - b
	if c > a {
		panic(fmt.Sprintf("%s-%s overflowed", a, b))
	}
	return Bytes(c)
}

// Card returns the index of the card containing a, relative to base.
func (a Addr) Card(base Addr) uint64 {
	return uint64(a.Minus(base)) >> LogCardBytes
}

func (a Addr) String() string {
	return fmt.Sprintf("0x%010x", uint64(a))
}

// Range is a half-open range of addresses [Start, Start+Len).
type Range struct {
	Start Addr
	Len   Bytes
}

// RangeOf returns the range [start, end).
func RangeOf(start, end Addr) Range {
	return Range{start, end.Minus(start)}
}

func (r Range) End() Addr {
	end, ok := r.Start.PlusOK(r.Len)
	if !ok {
		panic(fmt.Sprintf("range end overflowed: %s", r))
	}
	return end
}

func (r Range) IsEmpty() bool {
	return r.Len == 0
}

func (r Range) Contains(x Addr) bool {
	return r.Start <= x && x.Minus(r.Start) < r.Len
}

func (r Range) Overlaps(r2 Range) bool {
	return r.Start < r2.End() && r2.Start < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[%s,%s)", r.Start, r.End())
}

func CastSlice[To any](src []byte) []To {
	// The heap only stores pointer-free words, so this is safe for the
	// element types we instantiate it with.
	d := (*To)(unsafe.Pointer(unsafe.SliceData(src)))
	return unsafe.Slice(d, len(src)/int(unsafe.Sizeof(*d)))
}
