// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"connectrpc.com/connect"
	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/server/otel"
)

var (
	ErrPeerNotFound = errors.New("peer not found")
	ErrLocalNode    = errors.New("operation refers to the local node")
)

var _ Handler = (*Cluster)(nil)

// Cluster tracks the peers of the local node and serves their requests.
// Routes owned by the local node are replicated to every peer so each node
// matches publishes against the whole cluster.
type Cluster struct {
	node       core.NodeID
	cfg        config.ClusterConfig
	local      broker.Router
	router     *Router
	httpClient connect.HTTPClient

	mu    sync.RWMutex
	reg   *broker.Registry
	peers map[core.NodeID]broker.Peer

	logger  *slog.Logger
	metrics *otel.Metrics // nil if metrics disabled
}

// New creates the cluster view of node. local is the node's own router; it
// also receives the routes replicated by peers. A nil httpClient dials
// cleartext HTTP/2.
func New(node core.NodeID, cfg config.ClusterConfig, local broker.Router, httpClient connect.HTTPClient, logger *slog.Logger, metrics *otel.Metrics) *Cluster {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cluster{
		node:       node,
		cfg:        cfg,
		local:      local,
		httpClient: httpClient,
		peers:      make(map[core.NodeID]broker.Peer),
		logger:     logger,
		metrics:    metrics,
	}
	c.router = &Router{Router: local, c: c}
	return c
}

// NodeID returns the local node id.
func (c *Cluster) NodeID() core.NodeID {
	return c.node
}

// Router returns the replicating router to build the registry with.
func (c *Cluster) Router() *Router {
	return c.router
}

// Bind attaches the local registry and returns the cluster-wide view of it.
// It must be called before the transport serves requests.
func (c *Cluster) Bind(reg *broker.Registry) *Shared {
	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()

	return &Shared{
		Registry:   reg,
		c:          c,
		dispatcher: NewDispatcher(c),
	}
}

func (c *Cluster) registry() *broker.Registry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reg
}

// Peer returns the handle of a peer node.
func (c *Cluster) Peer(id core.NodeID) (broker.Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[id]
	return p, ok
}

// Peers returns a snapshot of the peer handles.
func (c *Cluster) Peers() broker.GrpcClients {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(broker.GrpcClients, len(c.peers))
	for id, p := range c.peers {
		out[id] = p
	}
	return out
}

func (c *Cluster) sortedPeers() []broker.Peer {
	peers := c.Peers()
	ids := make([]core.NodeID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]broker.Peer, len(ids))
	for i, id := range ids {
		out[i] = peers[id]
	}
	return out
}

// SetPeer registers the node id reachable at addr. An unchanged address is a
// no-op; a new one replaces the previous handle.
func (c *Cluster) SetPeer(ctx context.Context, id core.NodeID, addr string) error {
	if id == c.node {
		return ErrLocalNode
	}
	if addr == "" {
		return fmt.Errorf("peer %d: empty address", id)
	}

	if p, ok := c.Peer(id); ok && p.Addr() == addr {
		return nil
	}
	c.AddPeer(ctx, NewPeerClient(id, addr, c.cfg, c.httpClient, c.logger))
	return nil
}

// AddPeer installs p and pushes the local routes to it.
func (c *Cluster) AddPeer(ctx context.Context, p broker.Peer) {
	c.mu.Lock()
	c.peers[p.NodeID()] = p
	c.mu.Unlock()

	c.logger.Info("peer_added",
		slog.Uint64("node_id", uint64(p.NodeID())),
		slog.String("address", p.Addr()),
	)
	c.syncRoutes(ctx, p)
}

// RemovePeer forgets a peer and drops the routes it replicated.
func (c *Cluster) RemovePeer(ctx context.Context, id core.NodeID) {
	c.mu.Lock()
	_, ok := c.peers[id]
	delete(c.peers, id)
	c.mu.Unlock()
	if !ok {
		return
	}

	dropped := 0
	for _, r := range c.local.ListRelations(0) {
		if r.NodeID != id {
			continue
		}
		removed, err := c.local.Remove(ctx, r.Filter, core.NewID(r.NodeID, r.ClientID))
		if err != nil {
			c.logger.Warn("route_drop_failed",
				slog.String("filter", r.Filter),
				slog.String("error", err.Error()),
			)
			continue
		}
		if removed {
			dropped++
		}
	}

	c.logger.Info("peer_removed",
		slog.Uint64("node_id", uint64(id)),
		slog.Int("routes_dropped", dropped),
	)
}

func (c *Cluster) syncRoutes(ctx context.Context, p broker.Peer) {
	for _, r := range c.local.ListRelations(0) {
		if r.NodeID != c.node {
			continue
		}
		op := broker.RouteOp{
			Add:    true,
			Filter: r.Filter,
			ID:     core.NewID(r.NodeID, r.ClientID),
			QoS:    r.QoS,
			Group:  r.Group,
		}
		if err := p.Route(ctx, op); err != nil {
			c.peerError(ctx, p.NodeID(), "route", err)
			return
		}
	}
}

// broadcast replicates op to every peer. Failures are logged.
func (c *Cluster) broadcast(ctx context.Context, op broker.RouteOp) {
	peers := c.sortedPeers()
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Route(ctx, op); err != nil {
				c.peerError(ctx, p.NodeID(), "route", err)
			}
		}()
	}
	wg.Wait()
}

func (c *Cluster) peerError(ctx context.Context, id core.NodeID, op string, err error) {
	c.logger.Warn("peer_call_failed",
		slog.Uint64("node_id", uint64(id)),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	c.metrics.RecordPeerError(ctx, uint64(id), op)
}

// IsOnline answers a peer asking about a local client.
func (c *Cluster) IsOnline(_ context.Context, clientID core.ClientID) bool {
	reg := c.registry()
	return reg != nil && reg.IsConnected(clientID)
}

// Forward delivers a publish a peer routed to local relations.
func (c *Cluster) Forward(ctx context.Context, from core.From, p *core.Publish, rels core.Relations) []core.Undelivered {
	reg := c.registry()
	if reg == nil {
		out := make([]core.Undelivered, len(rels))
		for i, rel := range rels {
			out[i] = core.Undelivered{
				To:        core.NewID(c.node, rel.ClientID),
				From:      from,
				Publish:   p,
				Reason:    core.ReasonNoSession,
				Relations: core.Relations{rel},
			}
		}
		return out
	}
	return reg.ForwardsTo(ctx, from, p, rels)
}

// ApplyRoute applies a route a peer replicated. Routes of the local node
// are owned here and never accepted from outside.
func (c *Cluster) ApplyRoute(ctx context.Context, op broker.RouteOp) error {
	if op.ID.NodeID == c.node {
		return ErrLocalNode
	}
	if op.Add {
		return c.local.Add(ctx, op.Filter, op.ID, op.QoS, op.Group)
	}
	_, err := c.local.Remove(ctx, op.Filter, op.ID)
	return err
}

// Stats reports local counts to a peer.
func (c *Cluster) Stats(context.Context) broker.Stats {
	reg := c.registry()
	if reg == nil {
		return broker.Stats{}
	}
	return broker.Stats{Clients: reg.Clients(), Sessions: reg.Sessions()}
}

// SessionStatus classifies a local client for a peer.
func (c *Cluster) SessionStatus(ctx context.Context, clientID core.ClientID) core.SessionStatus {
	reg := c.registry()
	if reg == nil {
		return core.StatusAbsent
	}
	return reg.SessionStatus(ctx, clientID)
}
