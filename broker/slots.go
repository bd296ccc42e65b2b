// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"hash/fnv"
	"sync"

	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/session"
)

// slot holds the state of one client identity on this node.
type slot struct {
	// lock is a one-token semaphore; holding the token is exclusive ownership.
	lock chan struct{}

	mu      sync.RWMutex
	id      core.ID
	session *session.Session
	tx      *session.Tx
	client  *session.ClientInfo
	retired bool
}

func newSlot(id core.ID) *slot {
	return &slot{
		lock: make(chan struct{}, 1),
		id:   id,
	}
}

func (s *slot) state() (*session.Session, *session.Tx, *session.ClientInfo) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session, s.tx, s.client
}

func (s *slot) connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tx != nil && !s.tx.Closed()
}

const numShards = 64

type slotShard struct {
	mu    sync.RWMutex
	slots map[core.ClientID]*slot
}

// slotArena splits slots across multiple shards to reduce lock contention.
// Each shard has its own RWMutex so lookups of different clients don't
// block each other.
type slotArena struct {
	shards [numShards]slotShard
}

func newSlotArena() *slotArena {
	a := &slotArena{}
	for i := range a.shards {
		a.shards[i].slots = make(map[core.ClientID]*slot)
	}
	return a
}

func (a *slotArena) shard(key core.ClientID) *slotShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &a.shards[h.Sum32()%numShards]
}

// get returns the live slot of clientID, or nil.
func (a *slotArena) get(clientID core.ClientID) *slot {
	sh := a.shard(clientID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.slots[clientID]
}

// getOrCreate returns the slot of id, creating an empty one if needed.
func (a *slotArena) getOrCreate(id core.ID) *slot {
	if s := a.get(id.ClientID); s != nil {
		return s
	}

	sh := a.shard(id.ClientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.slots[id.ClientID]; ok {
		return s
	}
	s := newSlot(id)
	sh.slots[id.ClientID] = s
	return s
}

// retire drops s from the arena if it is still the live slot and holds no
// state. The caller must own s.lock.
func (a *slotArena) retire(s *slot) {
	sh := a.shard(s.id.ClientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil || s.tx != nil || s.retired {
		return
	}
	if sh.slots[s.id.ClientID] == s {
		delete(sh.slots, s.id.ClientID)
	}
	s.retired = true
}

// forEach visits every slot until fn returns false. The shard lock is not
// held while fn runs, so fn may lock slots or call back into the arena.
func (a *slotArena) forEach(fn func(*slot) bool) {
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.RLock()
		slots := make([]*slot, 0, len(sh.slots))
		for _, s := range sh.slots {
			slots = append(slots, s)
		}
		sh.mu.RUnlock()

		for _, s := range slots {
			if !fn(s) {
				return
			}
		}
	}
}
