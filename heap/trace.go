// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import "log"

const (
	traceClaim = false
)

func logf(format string, args ...any) {
	log.Printf("heap: "+format, args...)
}
