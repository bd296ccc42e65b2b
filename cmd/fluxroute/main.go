// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/broker/router"
	"github.com/absmach/fluxroute/cluster"
	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/ratelimit"
	"github.com/absmach/fluxroute/server/health"
	"github.com/absmach/fluxroute/server/otel"
	"github.com/absmach/fluxroute/storage/badger"
	"github.com/absmach/fluxroute/storage/memory"
	"go.opentelemetry.io/otel/trace"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	node := core.NodeID(cfg.Node.ID)
	slog.Info("Starting routing node", "node", cfg.NodeName(), "version", "0.1.0")
	slog.Info("Configuration loaded",
		"listeners", len(cfg.Listeners),
		"retain", cfg.Retain.Type,
		"shared_strategy", cfg.Broker.SharedStrategy,
		"cluster_enabled", cfg.Cluster.Enabled,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer
	if cfg.Otel.Enabled {
		shutdown, err := otel.InitProvider(context.Background(), cfg)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown

		if cfg.Otel.MetricsEnabled {
			m, err := otel.NewMetrics(nil)
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
		}
		tracer = otel.Tracer(cfg.Otel)
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint)
	}

	var retain broker.RetainStorage
	var retainClose func() error
	switch cfg.Retain.Type {
	case "memory":
		retain = memory.NewRetainStore(cfg.Retain.MaxRetained)
		slog.Info("Using in-memory retain store")
	case "badger":
		store, err := badger.Open(badger.Config{Dir: cfg.Retain.BadgerDir, MaxRetained: cfg.Retain.MaxRetained})
		if err != nil {
			slog.Error("Failed to open retain store", "error", err)
			os.Exit(1)
		}
		retain = store
		retainClose = store.Close
		slog.Info("Using BadgerDB retain store", "dir", cfg.Retain.BadgerDir, "retained", store.Count())
	default:
		slog.Info("Retained messages disabled")
	}

	// Limiters are built up front so a bad listener fails startup; the accept
	// path admits handshakes through the registry.
	limits := ratelimit.NewManager()
	for _, l := range cfg.Listeners {
		if _, err := limits.Get(l.Name, l); err != nil {
			slog.Error("Invalid listener limits", "listener", l.Name, "error", err)
			os.Exit(1)
		}
	}

	trie := router.New(node)

	var (
		shared    broker.Shared
		transport *cluster.Transport
		discovery *cluster.Discovery
	)
	if cfg.Cluster.Enabled {
		cl := cluster.New(node, cfg.Cluster, trie, nil, logger, metrics)
		reg := broker.NewRegistry(cfg, cl.Router(), retain, logger, metrics, tracer)
		reg.SetLimiters(limits)
		shared = cl.Bind(reg)

		transport = cluster.NewTransport(cfg.Cluster.BindAddr, cfg.Cluster.CompressThreshold, cl, logger)
		if err := transport.Listen(); err != nil {
			slog.Error("Failed to start cluster transport", "error", err)
			os.Exit(1)
		}

		ctx := context.Background()
		for id, addr := range cfg.Cluster.Peers {
			if err := cl.SetPeer(ctx, core.NodeID(id), addr); err != nil {
				slog.Warn("Failed to add static peer", "node_id", id, "error", err)
			}
		}

		if len(cfg.Cluster.Etcd.Endpoints) > 0 {
			advertise := cfg.Cluster.AdvertiseAddr
			if advertise == "" {
				advertise = cfg.Cluster.BindAddr
			}
			discovery, err = cluster.NewDiscovery(cfg.Cluster.Etcd, node, advertise, cl, logger)
			if err != nil {
				slog.Error("Failed to create discovery", "error", err)
				os.Exit(1)
			}
			if err := discovery.Start(ctx); err != nil {
				slog.Error("Failed to start discovery", "error", err)
				os.Exit(1)
			}
		}
		slog.Info("Cluster mode enabled", "bind_addr", cfg.Cluster.BindAddr, "static_peers", len(cfg.Cluster.Peers))
	} else {
		reg := broker.NewRegistry(cfg, trie, retain, logger, metrics, tracer)
		reg.SetLimiters(limits)
		shared = reg
		slog.Info("Running in single-node mode")
	}

	healthCtx, healthCancel := context.WithCancel(context.Background())
	healthDone := make(chan struct{})
	if cfg.Health.Enabled {
		hs := health.New(cfg.Health, shared, logger)
		go func() {
			defer close(healthDone)
			if err := hs.Listen(healthCtx); err != nil {
				slog.Error("Health check server error", "error", err)
			}
		}()
	} else {
		close(healthDone)
	}

	slog.Info("Node ready", "node", shared.NodeName(shared.NodeID()), "sessions", shared.Sessions())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	healthCancel()
	<-healthDone

	if discovery != nil {
		if err := discovery.Stop(shutdownCtx); err != nil {
			slog.Error("Failed to stop discovery", "error", err)
		}
	}
	if transport != nil {
		if err := transport.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to stop cluster transport", "error", err)
		}
	}
	if retainClose != nil {
		if err := retainClose(); err != nil {
			slog.Error("Failed to close retain store", "error", err)
		}
	}
	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Node stopped", "sessions", shared.Sessions(), "subscriptions", shared.Subscriptions())
}
