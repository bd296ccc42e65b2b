// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/fluxroute/config"
	"github.com/sony/gobreaker"
)

const (
	maxRetries     = 3
	retryBaseDelay = 50 * time.Millisecond
)

func newBreaker(name string, cfg config.BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !peerFault(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("peer circuit breaker state changed",
				slog.String("peer", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// peerFault reports whether err says something about the peer's health.
// Rejected requests mean the peer is up and answering.
func peerFault(err error) bool {
	switch connect.CodeOf(err) {
	case connect.CodeInvalidArgument, connect.CodeFailedPrecondition, connect.CodeNotFound:
		return false
	}
	return true
}

// retryWithBreaker runs fn through the breaker up to attempts times with
// exponential backoff. An open breaker or a rejected request ends the retries.
func retryWithBreaker(ctx context.Context, cb *gobreaker.CircuitBreaker, attempts int, fn func() error) error {
	var lastErr error
	for attempt := range attempts {
		_, lastErr = cb.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, gobreaker.ErrOpenState) || errors.Is(lastErr, gobreaker.ErrTooManyRequests) || !peerFault(lastErr) {
			return lastErr
		}

		if attempt < attempts-1 {
			delay := retryBaseDelay << attempt
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}
