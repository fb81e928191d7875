// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import "log"

const (
	traceStep     = false
	traceOverflow = false
	traceRefs     = false
)

func tracef(format string, args ...any) {
	log.Printf("mark: "+format, args...)
}

// logf logs to the configured logger, if any.
func (cm *ConcurrentMark) logf(format string, args ...any) {
	if cm.cfg.Logger != nil {
		cm.cfg.Logger.Printf(format, args...)
	}
}
