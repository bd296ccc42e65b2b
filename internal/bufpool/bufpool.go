// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the scratch buffers used to encode peer messages.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers that grew past this are left to the GC so one large forward does
// not pin memory in the pool.
const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// Framed returns a new slice holding flag followed by data. The result does
// not alias data, so data may live in a pooled buffer.
func Framed(flag byte, data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = flag
	copy(out[1:], data)
	return out
}
