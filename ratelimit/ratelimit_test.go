// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/broker/router"
	"github.com/absmach/fluxroute/config"
)

func listener(rate float64, burst, maxHandshaking int, timeout time.Duration) config.ListenerConfig {
	l := config.DefaultListener()
	l.HandshakeRate = rate
	l.HandshakeBurst = burst
	l.MaxHandshaking = maxHandshaking
	l.HandshakeTimeout = timeout
	return l
}

func TestHandshakeLimiter_Burst(t *testing.T) {
	// 5 handshakes per second, burst of 2
	l := NewHandshakeLimiter("tcp", listener(5, 2, 10, 0))

	if !l.Allow(0) {
		t.Error("First handshake should be allowed")
	}
	if !l.Allow(0) {
		t.Error("Second handshake (within burst) should be allowed")
	}
	if l.Allow(0) {
		t.Error("Third handshake should be rate limited (burst exhausted)")
	}

	time.Sleep(250 * time.Millisecond)

	if !l.Allow(0) {
		t.Error("Handshake after token refill should be allowed")
	}
}

func TestHandshakeLimiter_TooManyHandshakes(t *testing.T) {
	l := NewHandshakeLimiter("tcp", listener(100, 10, 2, time.Second))

	if err := l.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Expected admission below the limit, got %v", err)
	}
	err := l.Acquire(context.Background(), 2)
	if !errors.Is(err, ErrTooManyHandshakes) {
		t.Errorf("Expected ErrTooManyHandshakes, got %v", err)
	}
	if l.Allow(2) {
		t.Error("Allow should refuse at the handshake limit")
	}
}

func TestHandshakeLimiter_Timeout(t *testing.T) {
	// One token per 10s: the second acquire cannot fit in 50ms.
	l := NewHandshakeLimiter("tcp", listener(0.1, 1, 10, 50*time.Millisecond))

	if err := l.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("First acquire should succeed, got %v", err)
	}
	err := l.Acquire(context.Background(), 0)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}
}

func TestHandshakeLimiter_CanceledContext(t *testing.T) {
	l := NewHandshakeLimiter("tcp", listener(0.1, 1, 10, time.Minute))
	if err := l.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("First acquire should succeed, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestManager_Get(t *testing.T) {
	m := NewManager()
	cfg := listener(5, 2, 10, time.Second)

	a, err := m.Get("tcp", cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	b, err := m.Get("tcp", cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if a != b {
		t.Error("Expected the same limiter for the same listener")
	}

	c, err := m.Get("ws", cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if a == c {
		t.Error("Expected distinct limiters per listener")
	}

	m.Remove("tcp")
	d, _ := m.Get("tcp", cfg)
	if a == d {
		t.Error("Expected a fresh limiter after Remove")
	}
}

func TestManager_InvalidConfig(t *testing.T) {
	m := NewManager()
	if _, err := m.Get("tcp", listener(0, 1, 10, 0)); err == nil {
		t.Error("Expected error for zero rate")
	}
	if _, err := m.Get("tcp", listener(1, 0, 10, 0)); err == nil {
		t.Error("Expected error for zero burst")
	}
}

func TestManager_RegistryAdmit(t *testing.T) {
	cfg := config.Default()
	cfg.Listeners = []config.ListenerConfig{listener(1000, 10, 2, time.Second)}
	cfg.Listeners[0].Name = "tcp"

	reg := broker.NewRegistry(cfg, router.New(1), nil, nil, nil, nil)
	reg.SetLimiters(NewManager())

	ctx := context.Background()
	if err := reg.Admit(ctx, "tcp", 1); err != nil {
		t.Errorf("Admit() with one handshake in progress: %v", err)
	}
	if err := reg.Admit(ctx, "tcp", 2); !errors.Is(err, ErrTooManyHandshakes) {
		t.Errorf("Admit() at the handshake cap = %v, want ErrTooManyHandshakes", err)
	}
}
