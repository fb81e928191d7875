// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import "fmt"

// Kind is the shape of an object's payload.
type Kind uint8

const (
	KindInvalid Kind = iota

	// KindObject has NumRefs reference fields followed by data words.
	KindObject

	// KindRefArray has only reference elements.
	KindRefArray

	// KindPrimArray has only data elements. Marking never queues these.
	KindPrimArray

	// KindWeakRef and KindSoftRef hold a single referent that marking
	// does not trace. The reference object is discovered instead and
	// processed at remark.
	KindWeakRef
	KindSoftRef
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindObject:
		return "object"
	case KindRefArray:
		return "refArray"
	case KindPrimArray:
		return "primArray"
	case KindWeakRef:
		return "weakRef"
	case KindSoftRef:
		return "softRef"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// IsReference reports whether objects of kind k are reference objects
// whose referent is discovered rather than traced.
func (k Kind) IsReference() bool {
	return k == KindWeakRef || k == KindSoftRef
}

// Header is an object's first word.
//
//	[0,8)   kind
//	[8,32)  number of reference fields
//	[32,64) size in words, including the header
type Header uint64

const (
	maxRefs  = 1<<24 - 1
	maxWords = 1<<32 - 1
)

// HeaderWords is the size of an object header.
const HeaderWords Words = 1

func MakeHeader(kind Kind, nrefs int, size Words) Header {
	if nrefs < 0 || nrefs > maxRefs {
		panic(fmt.Sprintf("bad reference count %d", nrefs))
	}
	if size < HeaderWords+Words(nrefs) || size > maxWords {
		panic(fmt.Sprintf("bad object size %d words with %d refs", size, nrefs))
	}
	return Header(uint64(kind) | uint64(nrefs)<<8 | uint64(size)<<32)
}

func (h Header) Kind() Kind {
	return Kind(h & 0xff)
}

func (h Header) NumRefs() int {
	return int(h>>8) & maxRefs
}

func (h Header) Size() Words {
	return Words(h >> 32)
}

func (h Header) String() string {
	return fmt.Sprintf("%s{refs:%d size:%d}", h.Kind(), h.NumRefs(), h.Size())
}

// Shape describes an object to allocate.
type Shape struct {
	Kind Kind
	// Refs is the number of reference fields.
	Refs int
	// Data is the number of non-reference payload words.
	Data int
}

// Size returns the object's total size in words.
func (s Shape) Size() Words {
	return HeaderWords + Words(s.Refs+s.Data)
}

func (s Shape) header() Header {
	switch s.Kind {
	case KindPrimArray:
		if s.Refs != 0 {
			panic("primitive array with reference fields")
		}
	case KindRefArray:
		if s.Data != 0 {
			panic("reference array with data words")
		}
	case KindWeakRef, KindSoftRef:
		if s.Refs != 1 {
			panic("reference object must have exactly one referent")
		}
	case KindObject:
	default:
		panic(fmt.Sprintf("cannot allocate %s", s.Kind))
	}
	return MakeHeader(s.Kind, s.Refs, s.Size())
}

// Convenience shapes.
func ObjectShape(refs, data int) Shape { return Shape{KindObject, refs, data} }
func RefArrayShape(n int) Shape        { return Shape{KindRefArray, n, 0} }
func PrimArrayShape(n int) Shape       { return Shape{KindPrimArray, 0, n} }
func WeakRefShape() Shape              { return Shape{KindWeakRef, 1, 0} }
func SoftRefShape() Shape              { return Shape{KindSoftRef, 1, 0} }
