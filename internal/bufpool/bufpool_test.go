// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"bytes"
	"sync"
	"testing"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	b := Get()
	b.WriteString("hello")
	Put(b)

	b2 := Get()
	if b2.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", b2.Len())
	}
	Put(b2)
}

func TestPutDiscardsOversizedBuffer(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	Put(b)
}

func TestFramedDoesNotAlias(t *testing.T) {
	b := Get()
	b.WriteString("payload")
	out := Framed(7, b.Bytes())
	b.Reset()
	b.WriteString("XXXXXXX")
	Put(b)

	if out[0] != 7 {
		t.Fatalf("expected flag 7, got %d", out[0])
	}
	if !bytes.Equal(out[1:], []byte("payload")) {
		t.Fatalf("unexpected body %q", out[1:])
	}
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				b := Get()
				b.WriteString("x")
				Put(b)
			}
		}()
	}
	wg.Wait()
}
