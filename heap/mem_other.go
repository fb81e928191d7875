// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package heap

import "unsafe"

func reserve(n Bytes) ([]byte, error) {
	// Allocate as words so the backing store is word aligned.
	words := make([]uint64, n.Words())
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*int(WordBytes)), nil
}

func release(mem []byte) error {
	return nil
}
