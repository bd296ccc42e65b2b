// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"sync/atomic"
)

// Common errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrLimitReached = errors.New("retained message limit reached")
)

// Gauge tracks a live count together with its peak. The peak never decreases.
type Gauge struct {
	cur  atomic.Int64
	peak atomic.Int64
}

// Add moves the count by delta and lifts the peak when exceeded.
func (g *Gauge) Add(delta int64) {
	v := g.cur.Add(delta)
	for {
		p := g.peak.Load()
		if v <= p || g.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

// Count returns the live count.
func (g *Gauge) Count() int {
	return int(g.cur.Load())
}

// Max returns the highest count seen.
func (g *Gauge) Max() int {
	return int(g.peak.Load())
}
