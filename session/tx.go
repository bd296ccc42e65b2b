// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"sync"

	"github.com/absmach/fluxroute/core"
)

var (
	ErrTxFull   = errors.New("delivery channel full")
	ErrTxClosed = errors.New("delivery channel closed")
)

// DefaultTxCapacity is used when a non-positive capacity is requested.
const DefaultTxCapacity = 128

// Message is anything pushed to a connection's delivery channel.
type Message interface {
	isMessage()
}

// Deliver carries a publish to the connection.
type Deliver struct {
	From    core.From
	Publish *core.Publish
}

// Kick tells the connection to terminate because another connection or an
// administrator took the session over.
type Kick struct {
	Admin bool
}

func (Deliver) isMessage() {}
func (Kick) isMessage()    {}

// Tx is the sending half of a connection's delivery channel.
// Send never blocks; ordering is preserved per Tx.
type Tx struct {
	mu     sync.RWMutex
	ch     chan Message
	done   chan struct{}
	closed bool
}

// NewTx creates a delivery channel and returns both halves.
func NewTx(capacity int) (*Tx, <-chan Message) {
	if capacity <= 0 {
		capacity = DefaultTxCapacity
	}
	tx := &Tx{
		ch:   make(chan Message, capacity),
		done: make(chan struct{}),
	}
	return tx, tx.ch
}

// Send enqueues msg without blocking.
func (tx *Tx) Send(msg Message) error {
	tx.mu.RLock()
	defer tx.mu.RUnlock()

	if tx.closed {
		return ErrTxClosed
	}
	select {
	case tx.ch <- msg:
		return nil
	default:
		return ErrTxFull
	}
}

// Close closes the channel. Pending messages stay readable. Idempotent.
func (tx *Tx) Close() {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.closed {
		return
	}
	tx.closed = true
	close(tx.done)
	close(tx.ch)
}

// Closed reports whether Close was called.
func (tx *Tx) Closed() bool {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.closed
}

// Done is closed when the Tx is closed.
func (tx *Tx) Done() <-chan struct{} {
	return tx.done
}

// Len returns the number of queued messages.
func (tx *Tx) Len() int {
	return len(tx.ch)
}
