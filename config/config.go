// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Shared subscription selection strategies.
const (
	StrategyRandom     = "random"
	StrategyRoundRobin = "round_robin"
)

// Config holds all configuration for a routing node.
type Config struct {
	Node      NodeConfig       `yaml:"node"`
	Broker    BrokerConfig     `yaml:"broker"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Retain    RetainConfig     `yaml:"retain"`
	Cluster   ClusterConfig    `yaml:"cluster"`
	Health    HealthConfig     `yaml:"health"`
	Log       LogConfig        `yaml:"log"`
	Otel      OtelConfig       `yaml:"otel"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID   uint64 `yaml:"id"`
	Name string `yaml:"name"` // Human readable label, defaults to "<id>@127.0.0.1"
}

// BrokerConfig holds session and routing settings.
type BrokerConfig struct {
	MaxQoS byte `yaml:"max_qos"`

	// How long TryLock may wait for a contended session slot. Zero fails immediately.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// Capacity of each connection's delivery channel.
	TxCapacity int `yaml:"tx_capacity"`

	SharedStrategy string `yaml:"shared_strategy"` // random, round_robin
}

// ListenerConfig holds the per-listener feature flags consulted by the core.
type ListenerConfig struct {
	Name               string        `yaml:"name"`
	SharedSubscription bool          `yaml:"shared_subscription"`
	RetainAvailable    bool          `yaml:"retain_available"`
	MaxHandshaking     int           `yaml:"max_handshaking"` // Concurrent handshakes allowed
	HandshakeRate      float64       `yaml:"handshake_rate"`  // Handshakes per second
	HandshakeBurst     int           `yaml:"handshake_burst"` // Burst allowance
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
}

// RetainConfig holds retained message storage settings.
type RetainConfig struct {
	Type        string `yaml:"type"` // memory, badger
	BadgerDir   string `yaml:"badger_dir"`
	MaxRetained int    `yaml:"max_retained"` // 0 means unlimited
}

// ClusterConfig holds clustering configuration.
type ClusterConfig struct {
	Enabled           bool              `yaml:"enabled"`
	BindAddr          string            `yaml:"bind_addr"`      // Peer transport listen address
	AdvertiseAddr     string            `yaml:"advertise_addr"` // Address peers dial, defaults to bind_addr
	Peers             map[uint64]string `yaml:"peers"`          // Static node ID -> transport address
	RequestTimeout    time.Duration     `yaml:"request_timeout"`
	CompressThreshold int               `yaml:"compress_threshold"` // Bodies above this size are s2 compressed
	Breaker           BreakerConfig     `yaml:"breaker"`
	Etcd              EtcdConfig        `yaml:"etcd"`
}

// BreakerConfig holds per-peer circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// EtcdConfig holds membership discovery settings. No endpoints means static peers only.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	LeaseTTL    int64         `yaml:"lease_ttl"` // seconds
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// HealthConfig holds the health check endpoint configuration.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// DefaultListener is used for connections whose listener is not configured.
func DefaultListener() ListenerConfig {
	return ListenerConfig{
		Name:               "default",
		SharedSubscription: true,
		RetainAvailable:    true,
		MaxHandshaking:     1000,
		HandshakeRate:      500,
		HandshakeBurst:     100,
		HandshakeTimeout:   5 * time.Second,
	}
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	tcp := DefaultListener()
	tcp.Name = "tcp"

	return &Config{
		Node: NodeConfig{
			ID: 1,
		},
		Broker: BrokerConfig{
			MaxQoS:         2,
			LockTimeout:    100 * time.Millisecond,
			TxCapacity:     128,
			SharedStrategy: StrategyRandom,
		},
		Listeners: []ListenerConfig{tcp},
		Retain: RetainConfig{
			Type:        "memory",
			BadgerDir:   "/tmp/fluxroute/retain",
			MaxRetained: 10000,
		},
		Cluster: ClusterConfig{
			Enabled:           false,
			BindAddr:          "0.0.0.0:7948",
			RequestTimeout:    3 * time.Second,
			CompressThreshold: 4096,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
			Etcd: EtcdConfig{
				Prefix:      "/fluxroute",
				LeaseTTL:    10,
				DialTimeout: 5 * time.Second,
			},
		},
		Health: HealthConfig{
			Enabled:         false,
			Address:         ":8081",
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Otel: OtelConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxroute",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false, // Disabled by default for performance
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("node.id must be greater than 0")
	}

	if c.Broker.MaxQoS > 2 {
		return fmt.Errorf("broker.max_qos must be 0, 1 or 2")
	}
	if c.Broker.LockTimeout < 0 {
		return fmt.Errorf("broker.lock_timeout cannot be negative")
	}
	if c.Broker.TxCapacity < 1 {
		return fmt.Errorf("broker.tx_capacity must be at least 1")
	}
	if c.Broker.SharedStrategy != StrategyRandom && c.Broker.SharedStrategy != StrategyRoundRobin {
		return fmt.Errorf("broker.shared_strategy must be one of: random, round_robin")
	}

	names := make(map[string]bool, len(c.Listeners))
	for i, l := range c.Listeners {
		if l.Name == "" {
			return fmt.Errorf("listeners[%d].name cannot be empty", i)
		}
		if names[l.Name] {
			return fmt.Errorf("listeners[%d].name %q is duplicated", i, l.Name)
		}
		names[l.Name] = true
		if l.MaxHandshaking < 1 {
			return fmt.Errorf("listeners[%d].max_handshaking must be at least 1", i)
		}
		if l.HandshakeRate <= 0 {
			return fmt.Errorf("listeners[%d].handshake_rate must be positive", i)
		}
		if l.HandshakeBurst < 1 {
			return fmt.Errorf("listeners[%d].handshake_burst must be at least 1", i)
		}
	}

	validRetain := map[string]bool{"none": true, "memory": true, "badger": true}
	if !validRetain[c.Retain.Type] {
		return fmt.Errorf("retain.type must be one of: none, memory, badger")
	}
	if c.Retain.Type == "badger" && c.Retain.BadgerDir == "" {
		return fmt.Errorf("retain.badger_dir required when type is badger")
	}
	if c.Retain.MaxRetained < 0 {
		return fmt.Errorf("retain.max_retained cannot be negative")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health.address required when health is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Otel.Enabled {
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when otel is enabled")
		}
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	// Cluster validation (only if enabled)
	if c.Cluster.Enabled {
		if c.Cluster.BindAddr == "" {
			return fmt.Errorf("cluster.bind_addr required when clustering is enabled")
		}
		if c.Cluster.RequestTimeout <= 0 {
			return fmt.Errorf("cluster.request_timeout must be positive")
		}
		if c.Cluster.Breaker.FailureThreshold < 1 {
			return fmt.Errorf("cluster.breaker.failure_threshold must be at least 1")
		}
		if _, ok := c.Cluster.Peers[c.Node.ID]; ok {
			return fmt.Errorf("cluster.peers cannot contain this node's id %d", c.Node.ID)
		}
		if len(c.Cluster.Etcd.Endpoints) > 0 {
			if c.Cluster.Etcd.Prefix == "" {
				return fmt.Errorf("cluster.etcd.prefix required when etcd endpoints are set")
			}
			if c.Cluster.Etcd.LeaseTTL < 1 {
				return fmt.Errorf("cluster.etcd.lease_ttl must be at least 1 second")
			}
		}
	}

	return nil
}

// Listener returns the listener named name, or DefaultListener if it isn't configured.
func (c *Config) Listener(name string) ListenerConfig {
	for _, l := range c.Listeners {
		if l.Name == name {
			return l
		}
	}
	return DefaultListener()
}

// NodeName returns the configured node label.
func (c *Config) NodeName() string {
	if c.Node.Name != "" {
		return c.Node.Name
	}
	return fmt.Sprintf("%d@127.0.0.1", c.Node.ID)
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
