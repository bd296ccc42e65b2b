// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/config"
	"golang.org/x/time/rate"
)

var (
	_ broker.LimiterManager = (*Manager)(nil)
	_ broker.Limiter        = (*HandshakeLimiter)(nil)
)

// Admission errors.
var (
	ErrTooManyHandshakes = errors.New("too many concurrent handshakes")
	ErrRateLimited       = errors.New("handshake rate limited")
)

// HandshakeLimiter admits new connections on a single listener.
// It bounds both the number of handshakes in flight and their rate.
type HandshakeLimiter struct {
	name    string
	cfg     config.ListenerConfig
	limiter *rate.Limiter
}

// NewHandshakeLimiter creates a limiter from the listener's handshake settings.
func NewHandshakeLimiter(name string, cfg config.ListenerConfig) *HandshakeLimiter {
	return &HandshakeLimiter{
		name:    name,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.HandshakeRate), cfg.HandshakeBurst),
	}
}

// Acquire waits for a rate token. It fails fast when handshakings already
// reached the listener maximum and gives up after the handshake timeout.
func (l *HandshakeLimiter) Acquire(ctx context.Context, handshakings int) error {
	if l.cfg.MaxHandshaking > 0 && handshakings >= l.cfg.MaxHandshaking {
		return fmt.Errorf("%w: listener %s at %d", ErrTooManyHandshakes, l.name, handshakings)
	}

	wctx := ctx
	if l.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
		defer cancel()
	}

	if err := l.limiter.Wait(wctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: listener %s", ErrRateLimited, l.name)
	}
	return nil
}

// Allow reports whether a handshake may proceed right now without waiting.
func (l *HandshakeLimiter) Allow(handshakings int) bool {
	if l.cfg.MaxHandshaking > 0 && handshakings >= l.cfg.MaxHandshaking {
		return false
	}
	return l.limiter.Allow()
}

// Manager coordinates handshake limiters, one per listener.
type Manager struct {
	mu       sync.Mutex
	limiters map[string]*HandshakeLimiter
}

// NewManager creates a new rate limit manager.
func NewManager() *Manager {
	return &Manager{limiters: make(map[string]*HandshakeLimiter)}
}

// Get returns the limiter for the named listener, creating it on first use.
// Later calls return the same limiter regardless of cfg.
func (m *Manager) Get(name string, cfg config.ListenerConfig) (broker.Limiter, error) {
	if cfg.HandshakeRate <= 0 || cfg.HandshakeBurst < 1 {
		return nil, fmt.Errorf("listener %s: invalid handshake rate %v burst %d", name, cfg.HandshakeRate, cfg.HandshakeBurst)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.limiters[name]
	if !ok {
		l = NewHandshakeLimiter(name, cfg)
		m.limiters[name] = l
	}
	return l, nil
}

// Remove drops the limiter of a listener that was shut down.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, name)
}
