// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/broker/router"
	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/session"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testNode struct {
	id     core.NodeID
	trie   *router.Trie
	c      *Cluster
	reg    *broker.Registry
	shared *Shared
	srv    *httptest.Server
}

func (n *testNode) addr() string {
	return n.srv.Listener.Addr().String()
}

// newTestNode starts a node whose peer service is served by an httptest server.
func newTestNode(t *testing.T, id core.NodeID) *testNode {
	t.Helper()

	cfg := config.Default()
	cfg.Node.ID = uint64(id)
	cfg.Broker.LockTimeout = 0
	cfg.Cluster.Enabled = true
	cfg.Cluster.RequestTimeout = time.Second
	cfg.Cluster.CompressThreshold = 64

	trie := router.New(id)
	c := New(id, cfg.Cluster, trie, &http.Client{}, testLogger(), nil)
	reg := broker.NewRegistry(cfg, c.Router(), nil, testLogger(), nil, nil)
	shared := c.Bind(reg)

	tr := NewTransport("127.0.0.1:0", cfg.Cluster.CompressThreshold, c, testLogger())
	srv := httptest.NewServer(tr.HTTPHandler())
	t.Cleanup(srv.Close)

	return &testNode{id: id, trie: trie, c: c, reg: reg, shared: shared, srv: srv}
}

// link makes a and b peers of each other.
func link(t *testing.T, a, b *testNode) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.c.SetPeer(ctx, b.id, b.addr()))
	require.NoError(t, b.c.SetPeer(ctx, a.id, a.addr()))
}

func connectClient(t *testing.T, n *testNode, client string) <-chan session.Message {
	t.Helper()
	id := core.NewID(n.id, core.ClientID(client))
	le, err := n.reg.Entry(id).TryLock(context.Background())
	require.NoError(t, err)
	defer le.Unlock()

	tx, rx := session.NewTx(64)
	require.NoError(t, le.Set(session.New(id, false, 0), tx, session.NewClientInfo(id, 5, "tcp")))
	return rx
}

func subscribe(t *testing.T, n *testNode, client, filter string) {
	t.Helper()
	e := n.reg.Entry(core.NewID(n.id, core.ClientID(client)))
	_, err := e.Subscribe(context.Background(), broker.Subscribe{Filter: filter, QoS: core.AtLeastOnce})
	require.NoError(t, err)
}

func deliveries(rx <-chan session.Message) []session.Deliver {
	var out []session.Deliver
	for {
		select {
		case msg := <-rx:
			if d, ok := msg.(session.Deliver); ok {
				out = append(out, d)
			}
		default:
			return out
		}
	}
}

// fakePeer records calls and answers from canned state.
type fakePeer struct {
	id   core.NodeID
	addr string

	mu       sync.Mutex
	routes   []broker.RouteOp
	forwards []core.Relations
	online   map[core.ClientID]bool
	failed   []core.Undelivered
	stats    broker.Stats
	status   core.SessionStatus
	err      error
}

var _ broker.Peer = (*fakePeer)(nil)

func newFakePeer(id core.NodeID) *fakePeer {
	return &fakePeer{id: id, addr: "10.0.0.9:7948", online: make(map[core.ClientID]bool)}
}

func (f *fakePeer) NodeID() core.NodeID { return f.id }
func (f *fakePeer) Addr() string        { return f.addr }

func (f *fakePeer) IsOnline(_ context.Context, clientID core.ClientID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[clientID], f.err
}

func (f *fakePeer) Forward(_ context.Context, _ core.From, _ *core.Publish, rels core.Relations) ([]core.Undelivered, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.forwards = append(f.forwards, rels)
	return f.failed, nil
}

func (f *fakePeer) Route(_ context.Context, op broker.RouteOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.routes = append(f.routes, op)
	return nil
}

func (f *fakePeer) Stats(context.Context) (broker.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.err
}

func (f *fakePeer) SessionStatus(context.Context, core.ClientID) (core.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err
}

func (f *fakePeer) recordedRoutes() []broker.RouteOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.RouteOp(nil), f.routes...)
}
