// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"fmt"
	"net"

	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/core"
)

var _ broker.Shared = (*Shared)(nil)

// Shared is the registry of the local node extended with cluster-wide
// counts, status lookups and remote delivery.
type Shared struct {
	*broker.Registry
	c          *Cluster
	dispatcher *Dispatcher
}

// Publish stores and forwards p, then ships the remote partitions.
func (s *Shared) Publish(ctx context.Context, from core.From, p *core.Publish) ([]core.Undelivered, error) {
	undelivered, err := s.Registry.Publish(ctx, from, p)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.Dispatch(ctx, undelivered), nil
}

// Dispatcher returns the dispatcher used by Publish.
func (s *Shared) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// AllClients adds the connected clients of reachable peers to the local count.
func (s *Shared) AllClients(ctx context.Context) int {
	n := s.Clients()
	for _, p := range s.c.sortedPeers() {
		st, err := p.Stats(ctx)
		if err != nil {
			s.c.peerError(ctx, p.NodeID(), "stats", err)
			continue
		}
		n += st.Clients
	}
	return n
}

// AllSessions adds the sessions of reachable peers to the local count.
func (s *Shared) AllSessions(ctx context.Context) int {
	n := s.Sessions()
	for _, p := range s.c.sortedPeers() {
		st, err := p.Stats(ctx)
		if err != nil {
			s.c.peerError(ctx, p.NodeID(), "stats", err)
			continue
		}
		n += st.Sessions
	}
	return n
}

// SessionStatus checks the local node first, then the peers in node order.
func (s *Shared) SessionStatus(ctx context.Context, clientID core.ClientID) core.SessionStatus {
	if st := s.Registry.SessionStatus(ctx, clientID); st != core.StatusAbsent {
		return st
	}
	for _, p := range s.c.sortedPeers() {
		st, err := p.SessionStatus(ctx, clientID)
		if err != nil {
			s.c.peerError(ctx, p.NodeID(), "session_status", err)
			continue
		}
		if st != core.StatusAbsent {
			return st
		}
	}
	return core.StatusAbsent
}

// GrpcClients returns the current peer handles.
func (s *Shared) GrpcClients() broker.GrpcClients {
	return s.c.Peers()
}

// NodeName renders a peer as id@host of its transport address.
func (s *Shared) NodeName(id core.NodeID) string {
	if id != s.NodeID() {
		if p, ok := s.c.Peer(id); ok {
			return fmt.Sprintf("%d@%s", id, host(p.Addr()))
		}
	}
	return s.Registry.NodeName(id)
}

func host(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
