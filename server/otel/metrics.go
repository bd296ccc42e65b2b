// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the routing core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// Counters
	forwardsTotal     metric.Int64Counter
	deliveredTotal    metric.Int64Counter
	undeliveredTotal  metric.Int64Counter
	kicksTotal        metric.Int64Counter
	lockFailuresTotal metric.Int64Counter
	peerErrorsTotal   metric.Int64Counter

	// UpDownCounters (Gauges)
	sessionsActive      metric.Int64UpDownCounter
	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter

	// Histograms
	forwardDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
// A nil provider uses the global one.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(instrumentationName),
	}

	var err error

	m.forwardsTotal, err = m.meter.Int64Counter(
		"fluxroute.forwards.total",
		metric.WithDescription("Total publishes routed through the forwarding facade"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwardsTotal counter: %w", err)
	}

	m.deliveredTotal, err = m.meter.Int64Counter(
		"fluxroute.deliveries.total",
		metric.WithDescription("Total publishes handed to local delivery channels"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveredTotal counter: %w", err)
	}

	m.undeliveredTotal, err = m.meter.Int64Counter(
		"fluxroute.undelivered.total",
		metric.WithDescription("Total recipients left unresolved, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create undeliveredTotal counter: %w", err)
	}

	m.kicksTotal, err = m.meter.Int64Counter(
		"fluxroute.kicks.total",
		metric.WithDescription("Total sessions kicked"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kicksTotal counter: %w", err)
	}

	m.lockFailuresTotal, err = m.meter.Int64Counter(
		"fluxroute.lock.failures.total",
		metric.WithDescription("Total session slot lock attempts that failed on contention"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lockFailuresTotal counter: %w", err)
	}

	m.peerErrorsTotal, err = m.meter.Int64Counter(
		"fluxroute.peer.errors.total",
		metric.WithDescription("Total failed calls to cluster peers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create peerErrorsTotal counter: %w", err)
	}

	m.sessionsActive, err = m.meter.Int64UpDownCounter(
		"fluxroute.sessions.active",
		metric.WithDescription("Number of sessions held by this node"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsActive gauge: %w", err)
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"fluxroute.connections.current",
		metric.WithDescription("Number of sessions with an attached connection"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"fluxroute.subscriptions.active",
		metric.WithDescription("Number of active subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.forwardDuration, err = m.meter.Float64Histogram(
		"fluxroute.forward.duration.ms",
		metric.WithDescription("Forwarding duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwardDuration histogram: %w", err)
	}

	return m, nil
}

// RecordForward records one forwarding call and its outcome.
func (m *Metrics) RecordForward(ctx context.Context, delivered int, durationMs float64) {
	if m == nil {
		return
	}
	m.forwardsTotal.Add(ctx, 1)
	m.deliveredTotal.Add(ctx, int64(delivered))
	m.forwardDuration.Record(ctx, durationMs)
}

// RecordUndelivered records recipients that were not delivered locally.
func (m *Metrics) RecordUndelivered(ctx context.Context, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.undeliveredTotal.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordKick records a kicked session.
func (m *Metrics) RecordKick(ctx context.Context, admin, cleared bool) {
	if m == nil {
		return
	}
	m.kicksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("admin", admin),
		attribute.Bool("cleared", cleared),
	))
}

// RecordLockFailure records a TryLock that lost on contention.
func (m *Metrics) RecordLockFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.lockFailuresTotal.Add(ctx, 1)
}

// RecordPeerError records a failed call to a cluster peer.
func (m *Metrics) RecordPeerError(ctx context.Context, peer uint64, op string) {
	if m == nil {
		return
	}
	m.peerErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Int64("peer", int64(peer)),
		attribute.String("op", op),
	))
}

// AddSessions moves the active session gauge.
func (m *Metrics) AddSessions(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.sessionsActive.Add(ctx, delta)
}

// AddConnections moves the attached connection gauge.
func (m *Metrics) AddConnections(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.connectionsCurrent.Add(ctx, delta)
}

// AddSubscriptions moves the active subscription gauge.
func (m *Metrics) AddSubscriptions(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.subscriptionsActive.Add(ctx, delta)
}
