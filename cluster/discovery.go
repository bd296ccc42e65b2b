// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Membership receives the peers discovered in etcd.
type Membership interface {
	SetPeer(ctx context.Context, id core.NodeID, addr string) error
	RemovePeer(ctx context.Context, id core.NodeID)
}

type nodeRecord struct {
	ID   core.NodeID `json:"id"`
	Addr string      `json:"addr"`
}

// Discovery registers the local node in etcd under a lease and follows the
// registrations of the other nodes.
type Discovery struct {
	cfg     config.EtcdConfig
	node    core.NodeID
	addr    string
	members Membership
	client  *clientv3.Client
	lease   clientv3.LeaseID
	logger  *slog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewDiscovery connects to the etcd endpoints of cfg.
func NewDiscovery(cfg config.EtcdConfig, node core.NodeID, addr string, members Membership, logger *slog.Logger) (*Discovery, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return &Discovery{
		cfg:     cfg,
		node:    node,
		addr:    addr,
		members: members,
		client:  client,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

func (d *Discovery) nodesPrefix() string {
	return strings.TrimSuffix(d.cfg.Prefix, "/") + "/nodes/"
}

func (d *Discovery) nodeKey(id core.NodeID) string {
	return d.nodesPrefix() + strconv.FormatUint(uint64(id), 10)
}

func (d *Discovery) parseKey(key []byte) (core.NodeID, bool) {
	s, ok := strings.CutPrefix(string(key), d.nodesPrefix())
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return core.NodeID(id), true
}

// Start registers the node, loads the current members and watches for changes.
func (d *Discovery) Start(ctx context.Context) error {
	leaseResp, err := d.client.Grant(ctx, d.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}
	d.lease = leaseResp.ID

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	ch, err := d.client.KeepAlive(runCtx, d.lease)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	data, err := json.Marshal(nodeRecord{ID: d.node, Addr: d.addr})
	if err != nil {
		cancel()
		return err
	}
	if _, err := d.client.Put(ctx, d.nodeKey(d.node), string(data), clientv3.WithLease(d.lease)); err != nil {
		cancel()
		return fmt.Errorf("failed to register node: %w", err)
	}

	resp, err := d.client.Get(ctx, d.nodesPrefix(), clientv3.WithPrefix())
	if err != nil {
		cancel()
		return fmt.Errorf("failed to load members: %w", err)
	}
	for _, kv := range resp.Kvs {
		d.handlePut(ctx, kv.Key, kv.Value)
	}

	watchCh := d.client.Watch(runCtx, d.nodesPrefix(), clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go d.watch(runCtx, watchCh)

	d.logger.Info("discovery_started",
		slog.Uint64("node_id", uint64(d.node)),
		slog.Int("members", len(resp.Kvs)),
	)
	return nil
}

func (d *Discovery) watch(ctx context.Context, watchCh clientv3.WatchChan) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return
		case watchResp, ok := <-watchCh:
			if !ok {
				return
			}
			if err := watchResp.Err(); err != nil {
				d.logger.Warn("member watch error", slog.String("error", err.Error()))
				continue
			}
			for _, event := range watchResp.Events {
				switch event.Type {
				case clientv3.EventTypePut:
					d.handlePut(ctx, event.Kv.Key, event.Kv.Value)
				case clientv3.EventTypeDelete:
					d.handleDelete(ctx, event.Kv.Key)
				}
			}
		}
	}
}

func (d *Discovery) handlePut(ctx context.Context, key, value []byte) {
	id, ok := d.parseKey(key)
	if !ok || id == d.node {
		return
	}

	var rec nodeRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		d.logger.Warn("invalid member record",
			slog.String("key", string(key)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := d.members.SetPeer(ctx, id, rec.Addr); err != nil {
		d.logger.Warn("failed to add member",
			slog.Uint64("node_id", uint64(id)),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Discovery) handleDelete(ctx context.Context, key []byte) {
	id, ok := d.parseKey(key)
	if !ok || id == d.node {
		return
	}
	d.members.RemovePeer(ctx, id)
}

// Stop deregisters the node and closes the etcd client.
func (d *Discovery) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
			select {
			case <-d.done:
			case <-time.After(time.Second):
			}
		}
		if d.lease != 0 {
			if _, rerr := d.client.Revoke(ctx, d.lease); rerr != nil {
				d.logger.Warn("failed to revoke lease", slog.String("error", rerr.Error()))
			}
		}
		err = d.client.Close()
	})
	return err
}
