// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"connectrpc.com/connect"
	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/core"
)

const servicePath = "/fluxroute.cluster.v1.Peer/"

const (
	procIsOnline      = servicePath + "IsOnline"
	procForward       = servicePath + "Forward"
	procRoute         = servicePath + "Route"
	procStats         = servicePath + "Stats"
	procSessionStatus = servicePath + "SessionStatus"
)

type IsOnlineRequest struct {
	ClientID core.ClientID `json:"client_id"`
}

type IsOnlineResponse struct {
	Online bool `json:"online"`
}

// ForwardRequest carries one publish for a set of relations owned by the
// receiving node.
type ForwardRequest struct {
	From      core.From      `json:"from"`
	Publish   *core.Publish  `json:"publish"`
	Relations core.Relations `json:"relations"`
}

// ForwardResponse lists the relations the receiving node failed to deliver.
type ForwardResponse struct {
	Undelivered []core.Undelivered `json:"undelivered,omitempty"`
}

type RouteResponse struct{}

type StatsRequest struct{}

type SessionStatusRequest struct {
	ClientID core.ClientID `json:"client_id"`
}

type SessionStatusResponse struct {
	Status core.SessionStatus `json:"status"`
}

type (
	IsOnlineReq       = connect.Request[IsOnlineRequest]
	IsOnlineResp      = connect.Response[IsOnlineResponse]
	ForwardReq        = connect.Request[ForwardRequest]
	ForwardResp       = connect.Response[ForwardResponse]
	RouteReq          = connect.Request[broker.RouteOp]
	RouteResp         = connect.Response[RouteResponse]
	StatsReq          = connect.Request[StatsRequest]
	StatsResp         = connect.Response[broker.Stats]
	SessionStatusReq  = connect.Request[SessionStatusRequest]
	SessionStatusResp = connect.Response[SessionStatusResponse]
)
