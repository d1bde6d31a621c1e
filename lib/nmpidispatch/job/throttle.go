// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package job

import (
	"sync"
	"time"
)

// throttle limits how often an action is attempted for each job.
type throttle struct {
	hold time.Duration

	mtx       sync.Mutex
	last      map[int]time.Time // last attempt that was allowed
	lastSweep time.Time
}

// Check returns true if it's OK to attempt [again] now for the given
// job, i.e., no attempt has been allowed in the last hold interval.
func (t *throttle) Check(jobID int) bool {
	if t.hold <= 0 {
		return true
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	now := time.Now()
	if t.last == nil {
		t.last = make(map[int]time.Time)
	}
	if now.Sub(t.lastSweep) >= t.hold {
		for id, last := range t.last {
			if now.Sub(last) >= t.hold {
				delete(t.last, id)
			}
		}
		t.lastSweep = now
	}
	if last, ok := t.last[jobID]; ok && now.Sub(last) < t.hold {
		return false
	}
	t.last[jobID] = now
	return true
}
