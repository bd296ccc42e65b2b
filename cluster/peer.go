// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/sony/gobreaker"
	"golang.org/x/net/http2"
)

var _ broker.Peer = (*PeerClient)(nil)

// PeerClient calls the peer service of another node. Every call is bounded
// by the request timeout and guarded by a per-peer circuit breaker.
type PeerClient struct {
	id      core.NodeID
	addr    string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker

	isOnline      *connect.Client[IsOnlineRequest, IsOnlineResponse]
	forward       *connect.Client[ForwardRequest, ForwardResponse]
	route         *connect.Client[broker.RouteOp, RouteResponse]
	stats         *connect.Client[StatsRequest, broker.Stats]
	sessionStatus *connect.Client[SessionStatusRequest, SessionStatusResponse]
}

// NewPeerClient creates a client for the node id listening on addr. A nil
// httpClient dials cleartext HTTP/2.
func NewPeerClient(id core.NodeID, addr string, cfg config.ClusterConfig, httpClient connect.HTTPClient, logger *slog.Logger) *PeerClient {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = newH2CClient()
	}

	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	base = strings.TrimSuffix(base, "/")

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	opts := connect.WithCodec(newCodec(cfg.CompressThreshold))
	return &PeerClient{
		id:            id,
		addr:          addr,
		timeout:       timeout,
		breaker:       newBreaker(fmt.Sprintf("node-%d", id), cfg.Breaker, logger),
		isOnline:      connect.NewClient[IsOnlineRequest, IsOnlineResponse](httpClient, base+procIsOnline, opts),
		forward:       connect.NewClient[ForwardRequest, ForwardResponse](httpClient, base+procForward, opts),
		route:         connect.NewClient[broker.RouteOp, RouteResponse](httpClient, base+procRoute, opts),
		stats:         connect.NewClient[StatsRequest, broker.Stats](httpClient, base+procStats, opts),
		sessionStatus: connect.NewClient[SessionStatusRequest, SessionStatusResponse](httpClient, base+procSessionStatus, opts),
	}
}

func newH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

func (p *PeerClient) NodeID() core.NodeID {
	return p.id
}

func (p *PeerClient) Addr() string {
	return p.addr
}

func (p *PeerClient) IsOnline(ctx context.Context, clientID core.ClientID) (bool, error) {
	res, err := unary(ctx, p, "is_online", maxRetries, p.isOnline, &IsOnlineRequest{ClientID: clientID})
	if err != nil {
		return false, err
	}
	return res.Online, nil
}

// Forward is not retried: a request that timed out may still have been delivered.
func (p *PeerClient) Forward(ctx context.Context, from core.From, pub *core.Publish, rels core.Relations) ([]core.Undelivered, error) {
	req := &ForwardRequest{From: from, Publish: pub, Relations: rels}
	res, err := unary(ctx, p, "forward", 1, p.forward, req)
	if err != nil {
		return nil, err
	}
	return res.Undelivered, nil
}

func (p *PeerClient) Route(ctx context.Context, op broker.RouteOp) error {
	_, err := unary(ctx, p, "route", maxRetries, p.route, &op)
	return err
}

func (p *PeerClient) Stats(ctx context.Context) (broker.Stats, error) {
	res, err := unary(ctx, p, "stats", maxRetries, p.stats, &StatsRequest{})
	if err != nil {
		return broker.Stats{}, err
	}
	return *res, nil
}

func (p *PeerClient) SessionStatus(ctx context.Context, clientID core.ClientID) (core.SessionStatus, error) {
	res, err := unary(ctx, p, "session_status", maxRetries, p.sessionStatus, &SessionStatusRequest{ClientID: clientID})
	if err != nil {
		return core.StatusAbsent, err
	}
	return res.Status, nil
}

func unary[Req, Res any](ctx context.Context, p *PeerClient, op string, attempts int, c *connect.Client[Req, Res], req *Req) (*Res, error) {
	var res *Res
	err := retryWithBreaker(ctx, p.breaker, attempts, func() error {
		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		resp, err := c.CallUnary(cctx, connect.NewRequest(req))
		if err != nil {
			return err
		}
		res = resp.Msg
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("peer %d %s: %w", p.id, op, err)
	}
	return res, nil
}
