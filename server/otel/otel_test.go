// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/fluxroute/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestResource(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = 7
	cfg.Retain.Type = "badger"

	res, err := Resource(context.Background(), cfg)
	require.NoError(t, err)
	set := res.Set()

	for key, want := range map[attribute.Key]attribute.Value{
		"service.name":        attribute.StringValue(cfg.Otel.ServiceName),
		"service.instance.id": attribute.StringValue("7@127.0.0.1"),
		AttrNodeID:            attribute.Int64Value(7),
		AttrCluster:           attribute.BoolValue(false),
		AttrRetain:            attribute.StringValue("badger"),
		AttrStrategy:          attribute.StringValue(cfg.Broker.SharedStrategy),
	} {
		got, ok := set.Value(key)
		if assert.True(t, ok, key) {
			assert.Equal(t, want, got, key)
		}
	}
	_, ok := set.Value(AttrClusterAddr)
	assert.False(t, ok)

	cfg.Cluster.Enabled = true
	cfg.Cluster.BindAddr = ":7948"
	cfg.Cluster.AdvertiseAddr = "10.0.0.7:7948"
	res, err = Resource(context.Background(), cfg)
	require.NoError(t, err)
	addr, ok := res.Set().Value(AttrClusterAddr)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.7:7948", addr.AsString())
}

func TestTracer(t *testing.T) {
	cfg := config.Default().Otel
	cfg.Enabled = false
	cfg.TracesEnabled = true
	assert.Nil(t, Tracer(cfg))

	cfg.Enabled = true
	assert.NotNil(t, Tracer(cfg))

	cfg.TracesEnabled = false
	assert.Nil(t, Tracer(cfg))
}
