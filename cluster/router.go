// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"

	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/core"
)

var _ broker.Router = (*Router)(nil)

// Router is the local router with replication: registrations of local
// clients are pushed to every peer, and liveness of remote clients is asked
// from the node that owns them. Matching and counting stay local.
type Router struct {
	broker.Router
	c *Cluster
}

// SetOnlineFunc passes the local connection check to the wrapped router.
func (r *Router) SetOnlineFunc(fn func(core.ClientID) bool) {
	if s, ok := r.Router.(interface{ SetOnlineFunc(func(core.ClientID) bool) }); ok {
		s.SetOnlineFunc(fn)
	}
}

func (r *Router) Add(ctx context.Context, filter core.TopicFilter, id core.ID, qos core.QoS, group core.SharedGroup) error {
	if err := r.Router.Add(ctx, filter, id, qos, group); err != nil {
		return err
	}
	if id.NodeID == r.c.node {
		r.c.broadcast(ctx, broker.RouteOp{Add: true, Filter: filter, ID: id, QoS: qos, Group: group})
	}
	return nil
}

func (r *Router) Remove(ctx context.Context, filter core.TopicFilter, id core.ID) (bool, error) {
	removed, err := r.Router.Remove(ctx, filter, id)
	if err != nil || !removed {
		return removed, err
	}
	if id.NodeID == r.c.node {
		r.c.broadcast(ctx, broker.RouteOp{Filter: filter, ID: id})
	}
	return true, nil
}

// IsOnline asks the owning peer about remote clients. An unknown or
// unreachable peer counts as offline.
func (r *Router) IsOnline(ctx context.Context, node core.NodeID, clientID core.ClientID) bool {
	if node == r.c.node {
		return r.Router.IsOnline(ctx, node, clientID)
	}
	p, ok := r.c.Peer(node)
	if !ok {
		return false
	}
	online, err := p.IsOnline(ctx, clientID)
	if err != nil {
		r.c.peerError(ctx, node, "is_online", err)
		return false
	}
	return online
}
