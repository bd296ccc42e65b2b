// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/broker/router"
	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/topics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routeAdd(filter string, id core.ID) broker.RouteOp {
	return broker.RouteOp{Add: true, Filter: filter, ID: id, QoS: core.AtLeastOnce}
}

func newFakeCluster(t *testing.T, peers ...*fakePeer) (*Cluster, *router.Trie) {
	t.Helper()
	trie := router.New(1)
	c := New(1, config.Default().Cluster, trie, nil, testLogger(), nil)
	for _, p := range peers {
		c.AddPeer(context.Background(), p)
	}
	return c, trie
}

func TestRouterReplicatesLocalRoutes(t *testing.T) {
	ctx := context.Background()
	p2, p3 := newFakePeer(2), newFakePeer(3)
	c, trie := newFakeCluster(t, p2, p3)
	r := c.Router()

	require.NoError(t, r.Add(ctx, "a/+", core.NewID(1, "c1"), core.AtLeastOnce, ""))
	require.NoError(t, r.Add(ctx, "jobs", core.NewID(1, "c2"), core.AtMostOnce, "g"))
	assert.Equal(t, 2, trie.Relations())

	for _, p := range []*fakePeer{p2, p3} {
		routes := p.recordedRoutes()
		require.Len(t, routes, 2)
		assert.Equal(t, routeAdd("a/+", core.NewID(1, "c1")), routes[0])
		assert.Equal(t, core.SharedGroup("g"), routes[1].Group)
	}

	removed, err := r.Remove(ctx, "a/+", core.NewID(1, "c1"))
	require.NoError(t, err)
	assert.True(t, removed)
	routes := p2.recordedRoutes()
	require.Len(t, routes, 3)
	assert.False(t, routes[2].Add)

	// Unknown registrations are not broadcast.
	removed, err = r.Remove(ctx, "a/+", core.NewID(1, "c1"))
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Len(t, p2.recordedRoutes(), 3)
}

func TestRouterDoesNotEchoRemoteRoutes(t *testing.T) {
	ctx := context.Background()
	p2 := newFakePeer(2)
	c, trie := newFakeCluster(t, p2)

	require.NoError(t, c.ApplyRoute(ctx, routeAdd("x", core.NewID(2, "r"))))
	require.NoError(t, c.Router().Add(ctx, "y", core.NewID(2, "r"), core.AtMostOnce, ""))
	assert.Equal(t, 2, trie.Relations())
	assert.Empty(t, p2.recordedRoutes())

	assert.ErrorIs(t, c.ApplyRoute(ctx, routeAdd("x", core.NewID(1, "own"))), ErrLocalNode)
}

func TestRouterRejectsInvalidGroup(t *testing.T) {
	ctx := context.Background()
	p2 := newFakePeer(2)
	c, trie := newFakeCluster(t, p2)

	op := routeAdd("x", core.NewID(2, "r"))
	op.Group = "a/b"
	assert.ErrorIs(t, c.ApplyRoute(ctx, op), topics.ErrInvalidTopicFilter)

	err := c.Router().Add(ctx, "y", core.NewID(1, "c1"), core.AtMostOnce, "g/+")
	assert.ErrorIs(t, err, topics.ErrInvalidTopicFilter)
	assert.Equal(t, 0, trie.Relations())
	assert.Empty(t, p2.recordedRoutes())
}

func TestRouterSyncOnAddPeer(t *testing.T) {
	ctx := context.Background()
	c, _ := newFakeCluster(t)
	require.NoError(t, c.Router().Add(ctx, "a", core.NewID(1, "c1"), core.AtLeastOnce, ""))
	require.NoError(t, c.Router().Add(ctx, "b", core.NewID(1, "c1"), core.AtLeastOnce, "g"))
	require.NoError(t, c.ApplyRoute(ctx, routeAdd("c", core.NewID(3, "other"))))

	p2 := newFakePeer(2)
	c.AddPeer(ctx, p2)

	routes := p2.recordedRoutes()
	require.Len(t, routes, 2, "only routes of the local node are pushed")
	assert.Equal(t, "a", routes[0].Filter)
	assert.Equal(t, "$share/g/b", routes[1].Filter)
	assert.Equal(t, core.SharedGroup("g"), routes[1].Group)
}

func TestRouterIsOnline(t *testing.T) {
	ctx := context.Background()
	p2 := newFakePeer(2)
	p2.online["up"] = true
	c, _ := newFakeCluster(t, p2)
	r := c.Router()

	local := map[core.ClientID]bool{"me": true}
	r.SetOnlineFunc(func(id core.ClientID) bool { return local[id] })

	assert.True(t, r.IsOnline(ctx, 1, "me"))
	assert.False(t, r.IsOnline(ctx, 1, "up"))
	assert.True(t, r.IsOnline(ctx, 2, "up"))
	assert.False(t, r.IsOnline(ctx, 2, "down"))
	assert.False(t, r.IsOnline(ctx, 5, "up"), "unknown peer")

	p2.mu.Lock()
	p2.err = errors.New("unreachable")
	p2.mu.Unlock()
	assert.False(t, r.IsOnline(ctx, 2, "up"))
}
