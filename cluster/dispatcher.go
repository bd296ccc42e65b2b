// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"log/slog"
	"sync"

	"github.com/absmach/fluxroute/core"
)

// Dispatcher ships the remote partitions of a forward to their nodes.
type Dispatcher struct {
	c *Cluster
}

// NewDispatcher creates a dispatcher over the peers of c.
func NewDispatcher(c *Cluster) *Dispatcher {
	return &Dispatcher{c: c}
}

// Dispatch sends every ReasonRemote record to its node, concurrently per
// record, and returns what is still undelivered: records with other reasons
// unchanged, partitions that could not be shipped as ReasonPeerUnavailable,
// and the failures the peers reported.
func (d *Dispatcher) Dispatch(ctx context.Context, undelivered []core.Undelivered) []core.Undelivered {
	var (
		out    []core.Undelivered
		remote []core.Undelivered
	)
	for _, u := range undelivered {
		if u.Reason == core.ReasonRemote {
			remote = append(remote, u)
			continue
		}
		out = append(out, u)
	}
	if len(remote) == 0 {
		return out
	}

	results := make([][]core.Undelivered, len(remote))
	var wg sync.WaitGroup
	for i, u := range remote {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.ship(ctx, u)
		}()
	}
	wg.Wait()

	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

func (d *Dispatcher) ship(ctx context.Context, u core.Undelivered) []core.Undelivered {
	node := u.To.NodeID
	p, ok := d.c.Peer(node)
	if !ok {
		d.c.logger.Warn("forward_no_peer", slog.Uint64("node_id", uint64(node)))
		u.Reason = core.ReasonPeerUnavailable
		return []core.Undelivered{u}
	}

	failed, err := p.Forward(ctx, u.From, u.Publish, u.Relations)
	if err != nil {
		d.c.peerError(ctx, node, "forward", err)
		u.Reason = core.ReasonPeerUnavailable
		return []core.Undelivered{u}
	}
	return failed
}
