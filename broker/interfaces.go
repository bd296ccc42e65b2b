// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"iter"

	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/session"
)

// Entry is a handle to the session slot of one client identity.
// Read accessors report an empty slot as nil or false. Mutations that
// change ownership require the LockedEntry returned by TryLock.
type Entry interface {
	ID() core.ID

	// TryLock acquires exclusive ownership of the slot. Contention fails
	// with ErrLocked after a bounded wait.
	TryLock(ctx context.Context) (LockedEntry, error)

	// Online reports liveness, asking the owning node for remote identities.
	Online(ctx context.Context) bool
	IsConnected() bool
	Exist() bool

	Session() *session.Session
	Client() *session.ClientInfo
	Tx() *session.Tx

	// Subscribe and Unsubscribe hold the slot token for their duration,
	// waiting for it until ctx is done. On a LockedEntry they use the
	// token already held.
	Subscribe(ctx context.Context, sub Subscribe) (*SubscribeReturn, error)
	Unsubscribe(ctx context.Context, filter core.TopicFilter) (bool, error)

	// Publish hands p to the connection without blocking. A non-nil
	// result describes why it was not delivered.
	Publish(ctx context.Context, from core.From, p *core.Publish) *core.Undelivered
}

// LockedEntry is an Entry whose slot is exclusively owned by the caller
// until Unlock. Calls after Unlock fail with ErrNotLocked.
type LockedEntry interface {
	Entry

	Set(s *session.Session, tx *session.Tx, client *session.ClientInfo) error
	Remove() (*Removed, error)
	Kick(ctx context.Context, clearSubscriptions, isAdmin bool) (*session.OfflineInfo, error)
	Disconnect(ctx context.Context, connID string) (*session.OfflineInfo, error)
	Unlock()
}

// Shared is the node-wide registry of entries and the forwarding facade.
type Shared interface {
	NodeID() core.NodeID
	Entry(id core.ID) Entry
	ID(clientID core.ClientID) (core.ID, bool)
	Exist(clientID core.ClientID) bool

	Forwards(ctx context.Context, from core.From, p *core.Publish) ([]core.Undelivered, error)
	ForwardsAndGetShareds(ctx context.Context, from core.From, p *core.Publish) ([]core.Undelivered, core.RelationsMap, error)
	ForwardsTo(ctx context.Context, from core.From, p *core.Publish, rels core.Relations) []core.Undelivered

	Clients() int
	Sessions() int
	AllClients(ctx context.Context) int
	AllSessions(ctx context.Context) int
	Subscriptions() int
	SubscriptionsShared() int

	Iter() iter.Seq[Entry]
	RandomSession() (*session.Session, *session.ClientInfo, bool)
	SessionStatus(ctx context.Context, clientID core.ClientID) core.SessionStatus

	GrpcClients() GrpcClients
	NodeName(id core.NodeID) string
}

// Router stores subscriptions and resolves publishes to subscribers.
type Router interface {
	// Add registers id under filter. Repeating a registration updates its QoS.
	Add(ctx context.Context, filter core.TopicFilter, id core.ID, qos core.QoS, group core.SharedGroup) error
	// Remove drops a registration; shared ones are addressed by their $share form.
	Remove(ctx context.Context, filter core.TopicFilter, id core.ID) (bool, error)
	Matches(ctx context.Context, topic core.TopicName) (core.RelationsMap, error)
	IsOnline(ctx context.Context, node core.NodeID, clientID core.ClientID) bool

	Topics() int
	TopicsMax() int
	Relations() int
	RelationsMax() int
	SharedRelations() int

	ListTopics(top int) []string
	ListRelations(top int) []core.Route
}

// SharedCandidate is one member of a shared group competing for a message.
type SharedCandidate struct {
	NodeID   core.NodeID
	ClientID core.ClientID
	QoS      core.QoS
	Online   core.Liveness
}

// SharedSubscription picks the member of a shared group that receives a message.
type SharedSubscription interface {
	IsSupported(listener config.ListenerConfig) bool
	// Choose returns the index of the chosen candidate and whether it was
	// online. ok is false only for an empty candidate list. key identifies
	// the shared subscription, e.g. "$share/group/filter".
	Choose(ctx context.Context, key string, candidates []SharedCandidate) (idx int, online, ok bool)
}

// RetainStorage keeps the last retained message per topic.
type RetainStorage interface {
	IsSupported(listener config.ListenerConfig) bool
	// Set stores r under topic; an empty payload deletes.
	Set(ctx context.Context, topic core.TopicName, r core.Retain) error
	Get(ctx context.Context, filter core.TopicFilter) ([]RetainedMessage, error)
	Count() int
	Max() int
}

// RetainedMessage is a stored retained message with its topic.
type RetainedMessage struct {
	Topic  core.TopicName
	Retain core.Retain
}

// LimiterManager hands out admission limiters per listener.
type LimiterManager interface {
	Get(name string, listener config.ListenerConfig) (Limiter, error)
}

// Limiter admits new connection handshakes.
type Limiter interface {
	// Acquire waits for admission given the number of handshakes in progress.
	Acquire(ctx context.Context, handshakings int) error
}

// Peer is a remote-call handle to another node.
type Peer interface {
	NodeID() core.NodeID
	Addr() string
	IsOnline(ctx context.Context, clientID core.ClientID) (bool, error)
	Forward(ctx context.Context, from core.From, p *core.Publish, rels core.Relations) ([]core.Undelivered, error)
	Route(ctx context.Context, op RouteOp) error
	Stats(ctx context.Context) (Stats, error)
	SessionStatus(ctx context.Context, clientID core.ClientID) (core.SessionStatus, error)
}

// GrpcClients maps peer nodes to their remote-call handles.
type GrpcClients map[core.NodeID]Peer

// RouteOp replicates one router change to a peer.
type RouteOp struct {
	Add    bool             `json:"add"`
	Filter core.TopicFilter `json:"filter"`
	ID     core.ID          `json:"id"`
	QoS    core.QoS         `json:"qos"`
	Group  core.SharedGroup `json:"group,omitempty"`
}

// Stats are the local counts a node reports to its peers.
type Stats struct {
	Clients  int `json:"clients"`
	Sessions int `json:"sessions"`
}

// Subscribe is a subscription request for one filter.
type Subscribe struct {
	Filter core.TopicFilter // may carry a $share prefix
	QoS    core.QoS
}

// SubscribeReturn reports the outcome of a successful subscription.
type SubscribeReturn struct {
	QoS      core.QoS // granted
	Retained int      // retained messages replayed to the subscriber
}

// Removed is the state an entry held before Remove.
type Removed struct {
	Session *session.Session
	Tx      *session.Tx
	Client  *session.ClientInfo
}
