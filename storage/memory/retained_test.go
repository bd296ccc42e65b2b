// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func retain(topic, payload string) core.Retain {
	return core.Retain{
		From:    core.FromClientID(core.NewID(1, "pub")),
		Publish: &core.Publish{Topic: topic, Payload: []byte(payload), QoS: core.AtLeastOnce, Retain: true},
	}
}

func TestRetainStore_SetGet(t *testing.T) {
	ctx := context.Background()
	s := NewRetainStore(0)

	require.NoError(t, s.Set(ctx, "a/b", retain("a/b", "1")))
	require.NoError(t, s.Set(ctx, "a/c", retain("a/c", "2")))
	require.NoError(t, s.Set(ctx, "$SYS/x", retain("$SYS/x", "3")))
	require.NoError(t, s.Set(ctx, "a/b", retain("a/b", "updated")))
	assert.Equal(t, 3, s.Count())

	msgs, err := s.Get(ctx, "a/+")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a/b", msgs[0].Topic)
	assert.Equal(t, []byte("updated"), msgs[0].Retain.Publish.Payload)
	assert.Equal(t, "a/c", msgs[1].Topic)

	msgs, err = s.Get(ctx, "#")
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "# must not match $ topics")

	msgs, err = s.Get(ctx, "$SYS/#")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRetainStore_DeleteAndPeak(t *testing.T) {
	ctx := context.Background()
	s := NewRetainStore(0)

	require.NoError(t, s.Set(ctx, "a", retain("a", "1")))
	require.NoError(t, s.Set(ctx, "b", retain("b", "1")))
	require.NoError(t, s.Set(ctx, "a", retain("a", "")))
	require.NoError(t, s.Set(ctx, "missing", retain("missing", "")))

	assert.Equal(t, 1, s.Count())
	assert.Equal(t, 2, s.Max())
}

func TestRetainStore_Limit(t *testing.T) {
	ctx := context.Background()
	s := NewRetainStore(1)

	require.NoError(t, s.Set(ctx, "a", retain("a", "1")))
	assert.ErrorIs(t, s.Set(ctx, "b", retain("b", "1")), storage.ErrLimitReached)
	require.NoError(t, s.Set(ctx, "a", retain("a", "2")), "updates fit within the limit")
}

func TestRetainStore_Isolation(t *testing.T) {
	ctx := context.Background()
	s := NewRetainStore(0)
	r := retain("a", "1")
	r.Publish.Properties = map[string]string{"k": "v"}
	require.NoError(t, s.Set(ctx, "a", r))
	r.Publish.Properties["k"] = "changed"

	msgs, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "v", msgs[0].Retain.Publish.Properties["k"])
}

func TestRetainStore_IsSupported(t *testing.T) {
	s := NewRetainStore(0)
	l := config.DefaultListener()
	assert.True(t, s.IsSupported(l))
	l.RetainAvailable = false
	assert.False(t, s.IsSupported(l))
}
