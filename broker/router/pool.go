// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import "sync"

// hit is a raw trie match collected under the read lock.
type hit struct {
	filter string
	key    subKey
	qos    byte
}

// Pool for hit slices to reduce allocations in Matches().
var hitSlicePool = sync.Pool{
	New: func() any {
		s := make([]hit, 0, 64)
		return &s
	},
}

func acquireHits() *[]hit {
	return hitSlicePool.Get().(*[]hit)
}

// releaseHits returns a slice to the pool. The slice must not be used afterwards.
func releaseHits(s *[]hit) {
	if s == nil {
		return
	}
	*s = (*s)[:0]
	hitSlicePool.Put(s)
}
