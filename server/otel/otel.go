// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxroute/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	instrumentationName = "github.com/absmach/fluxroute"
	exportTimeout       = 30 * time.Second
	metricInterval      = 10 * time.Second
)

// Resource attribute keys describing a routing node.
const (
	AttrNodeID      = attribute.Key("fluxroute.node.id")
	AttrCluster     = attribute.Key("fluxroute.cluster.enabled")
	AttrRetain      = attribute.Key("fluxroute.retain.type")
	AttrStrategy    = attribute.Key("fluxroute.shared.strategy")
	AttrClusterAddr = attribute.Key("fluxroute.cluster.addr")
)

// Resource describes the node in cfg to telemetry backends.
func Resource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.Otel.ServiceName),
		attribute.String("service.version", cfg.Otel.ServiceVersion),
		attribute.String("service.instance.id", cfg.NodeName()),
		AttrNodeID.Int64(int64(cfg.Node.ID)),
		AttrCluster.Bool(cfg.Cluster.Enabled),
		AttrRetain.String(cfg.Retain.Type),
		AttrStrategy.String(cfg.Broker.SharedStrategy),
	}
	if cfg.Cluster.Enabled {
		addr := cfg.Cluster.AdvertiseAddr
		if addr == "" {
			addr = cfg.Cluster.BindAddr
		}
		attrs = append(attrs, AttrClusterAddr.String(addr))
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// InitProvider installs the global tracer and meter providers for the node
// and returns the function that flushes and stops them.
func InitProvider(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	res, err := Resource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
		return nil
	}

	if cfg.Otel.TracesEnabled {
		tp, err := newTracerProvider(ctx, cfg.Otel, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		otel.SetTracerProvider(tp)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.Otel.MetricsEnabled {
		mp, err := newMeterProvider(ctx, cfg.Otel, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	}

	return shutdown, nil
}

// Tracer returns the tracer used for forward spans, or nil when traces are off.
func Tracer(cfg config.OtelConfig) trace.Tracer {
	if !cfg.Enabled || !cfg.TracesEnabled {
		return nil
	}
	return otel.Tracer(instrumentationName)
}

func newTracerProvider(ctx context.Context, cfg config.OtelConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRate))),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.OtelConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(metricInterval))),
	), nil
}
