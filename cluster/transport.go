// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/core"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var (
	errNoHandler      = errors.New("no handler configured")
	errMissingPublish = errors.New("missing publish")
)

// Handler serves requests from peer nodes against the local node.
type Handler interface {
	IsOnline(ctx context.Context, clientID core.ClientID) bool
	// Forward delivers p to local relations and returns the failures.
	Forward(ctx context.Context, from core.From, p *core.Publish, rels core.Relations) []core.Undelivered
	// ApplyRoute applies a router change made by a peer.
	ApplyRoute(ctx context.Context, op broker.RouteOp) error
	Stats(ctx context.Context) broker.Stats
	SessionStatus(ctx context.Context, clientID core.ClientID) core.SessionStatus
}

// Transport serves the peer RPC service over cleartext HTTP/2.
type Transport struct {
	mu       sync.Mutex
	addr     string
	handler  Handler
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// NewTransport creates a transport bound to addr. Bodies above
// compressThreshold bytes are compressed.
func NewTransport(addr string, compressThreshold int, handler Handler, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Transport{
		addr:    addr,
		handler: handler,
		logger:  logger,
	}

	opts := connect.WithCodec(newCodec(compressThreshold))
	mux := http.NewServeMux()
	mux.Handle(procIsOnline, connect.NewUnaryHandler(procIsOnline, t.isOnline, opts))
	mux.Handle(procForward, connect.NewUnaryHandler(procForward, t.forward, opts))
	mux.Handle(procRoute, connect.NewUnaryHandler(procRoute, t.route, opts))
	mux.Handle(procStats, connect.NewUnaryHandler(procStats, t.stats, opts))
	mux.Handle(procSessionStatus, connect.NewUnaryHandler(procSessionStatus, t.sessionStatus, opts))

	t.server = &http.Server{
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return t
}

// HTTPHandler returns the h2c handler serving the peer service.
func (t *Transport) HTTPHandler() http.Handler {
	return t.server.Handler
}

// Listen binds the transport address and serves in the background.
func (t *Transport) Listen() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.addr, err)
	}

	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go func() {
		t.logger.Info("Starting cluster transport (h2c)", slog.String("address", ln.Addr().String()))
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("cluster transport error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.logger.Info("Shutting down cluster transport")
	return t.server.Shutdown(ctx)
}

func (t *Transport) isOnline(ctx context.Context, req *IsOnlineReq) (*IsOnlineResp, error) {
	if t.handler == nil {
		return nil, connect.NewError(connect.CodeUnavailable, errNoHandler)
	}
	online := t.handler.IsOnline(ctx, req.Msg.ClientID)
	return connect.NewResponse(&IsOnlineResponse{Online: online}), nil
}

func (t *Transport) forward(ctx context.Context, req *ForwardReq) (*ForwardResp, error) {
	if t.handler == nil {
		return nil, connect.NewError(connect.CodeUnavailable, errNoHandler)
	}
	if req.Msg.Publish == nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errMissingPublish)
	}

	undelivered := t.handler.Forward(ctx, req.Msg.From, req.Msg.Publish, req.Msg.Relations)
	if len(undelivered) > 0 {
		t.logger.Debug("forward_partial",
			slog.String("topic", req.Msg.Publish.Topic),
			slog.Int("relations", len(req.Msg.Relations)),
			slog.Int("undelivered", len(undelivered)),
		)
	}
	return connect.NewResponse(&ForwardResponse{Undelivered: undelivered}), nil
}

func (t *Transport) route(ctx context.Context, req *RouteReq) (*RouteResp, error) {
	if t.handler == nil {
		return nil, connect.NewError(connect.CodeUnavailable, errNoHandler)
	}
	if err := t.handler.ApplyRoute(ctx, *req.Msg); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	return connect.NewResponse(&RouteResponse{}), nil
}

func (t *Transport) stats(ctx context.Context, _ *StatsReq) (*StatsResp, error) {
	if t.handler == nil {
		return nil, connect.NewError(connect.CodeUnavailable, errNoHandler)
	}
	st := t.handler.Stats(ctx)
	return connect.NewResponse(&st), nil
}

func (t *Transport) sessionStatus(ctx context.Context, req *SessionStatusReq) (*SessionStatusResp, error) {
	if t.handler == nil {
		return nil, connect.NewError(connect.CodeUnavailable, errNoHandler)
	}
	status := t.handler.SessionStatus(ctx, req.Msg.ClientID)
	return connect.NewResponse(&SessionStatusResponse{Status: status}), nil
}
