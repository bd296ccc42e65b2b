// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
)

var (
	_ SharedSubscription = (*RandomSelector)(nil)
	_ SharedSubscription = (*RoundRobinSelector)(nil)
)

// NewSelector returns the selector for strategy, falling back to random.
func NewSelector(strategy string, router Router) SharedSubscription {
	if strategy == config.StrategyRoundRobin {
		return NewRoundRobinSelector(router)
	}
	return NewRandomSelector(router)
}

// online resolves the liveness of c, asking the router when it is unknown.
// A failed remote check answers false.
func online(ctx context.Context, router Router, c SharedCandidate) bool {
	switch c.Online {
	case core.LivenessOnline:
		return true
	case core.LivenessOffline:
		return false
	default:
		return router.IsOnline(ctx, c.NodeID, c.ClientID)
	}
}

// RandomSelector draws candidates uniformly without replacement and takes
// the first one online. If none is online the last one drawn is returned,
// so a message is never dropped only because its group is offline.
type RandomSelector struct {
	router Router
	intn   func(int) int
}

// NewRandomSelector creates a RandomSelector.
func NewRandomSelector(router Router) *RandomSelector {
	return &RandomSelector{router: router, intn: rand.IntN}
}

func (s *RandomSelector) IsSupported(listener config.ListenerConfig) bool {
	return listener.SharedSubscription
}

func (s *RandomSelector) Choose(ctx context.Context, _ string, candidates []SharedCandidate) (int, bool, bool) {
	if len(candidates) == 0 {
		return -1, false, false
	}

	remaining := make([]int, len(candidates))
	for i := range remaining {
		remaining[i] = i
	}

	last := -1
	for len(remaining) > 0 {
		i := s.intn(len(remaining))
		idx := remaining[i]
		remaining[i] = remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]

		last = idx
		if online(ctx, s.router, candidates[idx]) {
			return idx, true, true
		}
	}
	return last, false, true
}

// RoundRobinSelector rotates through a group's members, skipping offline
// ones. With every member offline it returns the member at the cursor.
type RoundRobinSelector struct {
	router Router

	mu      sync.Mutex
	cursors map[string]int
}

// NewRoundRobinSelector creates a RoundRobinSelector.
func NewRoundRobinSelector(router Router) *RoundRobinSelector {
	return &RoundRobinSelector{
		router:  router,
		cursors: make(map[string]int),
	}
}

func (s *RoundRobinSelector) IsSupported(listener config.ListenerConfig) bool {
	return listener.SharedSubscription
}

func (s *RoundRobinSelector) Choose(ctx context.Context, key string, candidates []SharedCandidate) (int, bool, bool) {
	n := len(candidates)
	if n == 0 {
		return -1, false, false
	}

	s.mu.Lock()
	start := s.cursors[key] % n
	s.mu.Unlock()

	// Liveness checks may go remote, so the cursor is not held across them.
	for k := range n {
		idx := (start + k) % n
		if online(ctx, s.router, candidates[idx]) {
			s.advance(key, idx+1)
			return idx, true, true
		}
	}
	s.advance(key, start+1)
	return start, false, true
}

func (s *RoundRobinSelector) advance(key string, next int) {
	s.mu.Lock()
	s.cursors[key] = next
	s.mu.Unlock()
}
