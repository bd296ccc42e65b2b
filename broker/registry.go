// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/server/otel"
	"github.com/absmach/fluxroute/session"
	"github.com/absmach/fluxroute/topics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var _ Shared = (*Registry)(nil)

// onlineSetter is implemented by routers that answer IsOnline for the local
// node through the registry.
type onlineSetter interface {
	SetOnlineFunc(func(core.ClientID) bool)
}

// Registry owns the session entries of the local node and forwards
// publishes to them.
type Registry struct {
	node      core.NodeID
	name      string
	cfg       config.BrokerConfig
	listeners map[string]config.ListenerConfig

	router   Router
	selector SharedSubscription
	retain   RetainStorage // nil if retained messages are disabled
	limits   LimiterManager // nil admits every handshake

	slots    *slotArena
	sessions atomic.Int64
	clients  atomic.Int64

	logger  *slog.Logger
	metrics *otel.Metrics // nil if metrics disabled
	tracer  trace.Tracer  // nil if tracing disabled
}

// NewRegistry creates the registry of the node described by cfg.
func NewRegistry(cfg *config.Config, router Router, retain RetainStorage, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	listeners := make(map[string]config.ListenerConfig, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		listeners[l.Name] = l
	}

	r := &Registry{
		node:      core.NodeID(cfg.Node.ID),
		name:      cfg.Node.Name,
		cfg:       cfg.Broker,
		listeners: listeners,
		router:    router,
		selector:  NewSelector(cfg.Broker.SharedStrategy, router),
		retain:    retain,
		slots:     newSlotArena(),
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
	}
	if setter, ok := router.(onlineSetter); ok {
		setter.SetOnlineFunc(r.IsConnected)
	}
	return r
}

// NodeID returns the local node id.
func (r *Registry) NodeID() core.NodeID {
	return r.node
}

// Router returns the router the registry routes through.
func (r *Registry) Router() Router {
	return r.router
}

// Selector returns the shared subscription selector in use.
func (r *Registry) Selector() SharedSubscription {
	return r.selector
}

func (r *Registry) listener(name string) config.ListenerConfig {
	if l, ok := r.listeners[name]; ok {
		return l
	}
	return config.DefaultListener()
}

// SetLimiters installs the admission limiters. Call it before the first Admit.
func (r *Registry) SetLimiters(m LimiterManager) {
	r.limits = m
}

// Admit gates a new handshake on the named listener, given the number of
// handshakes already in progress there. It runs before any entry is touched.
func (r *Registry) Admit(ctx context.Context, listener string, handshakings int) error {
	if r.limits == nil {
		return nil
	}
	l, err := r.limits.Get(listener, r.listener(listener))
	if err != nil {
		return err
	}
	return l.Acquire(ctx, handshakings)
}

// Entry returns a handle for id. It never fails; absence shows through the
// handle's accessors.
func (r *Registry) Entry(id core.ID) Entry {
	return &entry{r: r, id: id}
}

// ID returns the full identity of a local client.
func (r *Registry) ID(clientID core.ClientID) (core.ID, bool) {
	s := r.slots.get(clientID)
	if s == nil {
		return core.ID{}, false
	}
	sess, _, _ := s.state()
	if sess == nil {
		return core.ID{}, false
	}
	return s.id, true
}

// Exist reports whether a local session exists for clientID.
func (r *Registry) Exist(clientID core.ClientID) bool {
	_, ok := r.ID(clientID)
	return ok
}

// IsConnected reports whether a local client has a live connection.
func (r *Registry) IsConnected(clientID core.ClientID) bool {
	s := r.slots.get(clientID)
	return s != nil && s.connected()
}

// Publish stores p when it is retained and forwards it to subscribers.
func (r *Registry) Publish(ctx context.Context, from core.From, p *core.Publish) ([]core.Undelivered, error) {
	if p.Retain && r.retain != nil {
		if err := r.retain.Set(ctx, p.Topic, core.Retain{From: from, Publish: p, SetAt: time.Now()}); err != nil {
			return nil, fmt.Errorf("failed to store retained message: %w", err)
		}
	}
	return r.Forwards(ctx, from, p)
}

// Forwards delivers p to every local subscriber and returns what is left:
// one ReasonRemote record per other node plus local delivery failures.
func (r *Registry) Forwards(ctx context.Context, from core.From, p *core.Publish) ([]core.Undelivered, error) {
	undelivered, _, err := r.forwards(ctx, from, p)
	return undelivered, err
}

// ForwardsAndGetShareds is Forwards that also returns the matched relations
// before shared group resolution.
func (r *Registry) ForwardsAndGetShareds(ctx context.Context, from core.From, p *core.Publish) ([]core.Undelivered, core.RelationsMap, error) {
	return r.forwards(ctx, from, p)
}

func (r *Registry) forwards(ctx context.Context, from core.From, p *core.Publish) ([]core.Undelivered, core.RelationsMap, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "broker.forwards",
			trace.WithAttributes(attribute.String("topic", p.Topic)),
		)
		defer span.End()
	}
	start := time.Now()

	rels, err := r.router.Matches(ctx, p.Topic)
	if err != nil {
		return nil, nil, err
	}

	live := p
	if p.Retain {
		live = p.Clone()
		live.Retain = false
	}

	resolved := r.resolveShared(ctx, rels)
	var undelivered []core.Undelivered
	delivered := 0
	for _, node := range sortedNodes(resolved) {
		targets := resolved[node]
		if node == r.node {
			failed := r.ForwardsTo(ctx, from, live, targets)
			delivered += len(targets) - len(failed)
			undelivered = append(undelivered, failed...)
			continue
		}
		undelivered = append(undelivered, core.Undelivered{
			To:        core.ID{NodeID: node},
			From:      from,
			Publish:   live,
			Reason:    core.ReasonRemote,
			Relations: targets,
		})
		r.logger.Debug("forward_remote",
			slog.String("topic", p.Topic),
			slog.Uint64("node_id", uint64(node)),
			slog.Int("relations", len(targets)),
		)
	}

	if r.metrics != nil {
		r.metrics.RecordForward(ctx, delivered, float64(time.Since(start).Microseconds())/1000)
		reasons := make(map[core.Reason]int)
		for _, u := range undelivered {
			reasons[u.Reason]++
		}
		for reason, n := range reasons {
			r.metrics.RecordUndelivered(ctx, reason.String(), n)
		}
	}
	return undelivered, rels, nil
}

type member struct {
	node core.NodeID
	rel  core.Relation
}

// resolveShared keeps non-shared relations and replaces every shared group
// by the single member the selector picks across all nodes.
func (r *Registry) resolveShared(ctx context.Context, rels core.RelationsMap) core.RelationsMap {
	out := make(core.RelationsMap, len(rels))
	groups := make(map[string][]member)
	for node, list := range rels {
		for _, rel := range list {
			if rel.Shared == nil {
				out[node] = append(out[node], rel)
				continue
			}
			key := topics.JoinShared(rel.Shared.Group, rel.Filter)
			groups[key] = append(groups[key], member{node: node, rel: rel})
		}
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		members := groups[key]
		sort.Slice(members, func(i, j int) bool {
			if members[i].node != members[j].node {
				return members[i].node < members[j].node
			}
			return members[i].rel.ClientID < members[j].rel.ClientID
		})

		candidates := make([]SharedCandidate, len(members))
		for i, m := range members {
			candidates[i] = SharedCandidate{
				NodeID:   m.node,
				ClientID: m.rel.ClientID,
				QoS:      m.rel.QoS,
				Online:   m.rel.Shared.Online,
			}
		}
		idx, online, ok := r.selector.Choose(ctx, key, candidates)
		if !ok {
			continue
		}
		chosen := members[idx]
		rel := chosen.rel
		rel.Shared = &core.SharedInfo{Group: chosen.rel.Shared.Group, Online: core.LivenessOf(online)}
		out[chosen.node] = append(out[chosen.node], rel)
	}
	return out
}

// ForwardsTo delivers p to the given local relations, each at the lower of
// the publish and subscription QoS.
func (r *Registry) ForwardsTo(ctx context.Context, from core.From, p *core.Publish, rels core.Relations) []core.Undelivered {
	var undelivered []core.Undelivered
	for _, rel := range rels {
		pub := p.Clone()
		pub.QoS = core.MinQoS(p.QoS, rel.QoS)
		if u := r.Entry(core.NewID(r.node, rel.ClientID)).Publish(ctx, from, pub); u != nil {
			undelivered = append(undelivered, *u)
		}
	}
	return undelivered
}

// replayRetained sends the retained messages matching filter to one new
// subscriber and returns how many were handed over.
func (r *Registry) replayRetained(ctx context.Context, clientID core.ClientID, filter core.TopicFilter, qos core.QoS) int {
	msgs, err := r.retain.Get(ctx, filter)
	if err != nil {
		r.logger.Warn("retained_lookup_failed",
			slog.String("filter", filter),
			slog.String("error", err.Error()),
		)
		return 0
	}

	target := core.Relations{{Filter: filter, ClientID: clientID, QoS: qos}}
	n := 0
	for _, m := range msgs {
		pub := m.Retain.Publish.Clone()
		pub.Retain = true
		if len(r.ForwardsTo(ctx, m.Retain.From, pub, target)) == 0 {
			n++
		}
	}
	return n
}

// Clients returns the number of local sessions with an attached connection.
func (r *Registry) Clients() int {
	return int(r.clients.Load())
}

// Sessions returns the number of local sessions.
func (r *Registry) Sessions() int {
	return int(r.sessions.Load())
}

// AllClients equals Clients on a single node.
func (r *Registry) AllClients(context.Context) int {
	return r.Clients()
}

// AllSessions equals Sessions on a single node.
func (r *Registry) AllSessions(context.Context) int {
	return r.Sessions()
}

func (r *Registry) Subscriptions() int {
	return r.router.Relations()
}

func (r *Registry) SubscriptionsShared() int {
	return r.router.SharedRelations()
}

// Iter yields the entries that hold a session. Entries added or removed
// during iteration may or may not be seen.
func (r *Registry) Iter() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		r.slots.forEach(func(s *slot) bool {
			if sess, _, _ := s.state(); sess == nil {
				return true
			}
			return yield(&entry{r: r, id: s.id})
		})
	}
}

// RandomSession returns a uniformly sampled local session.
func (r *Registry) RandomSession() (*session.Session, *session.ClientInfo, bool) {
	var (
		pickedSession *session.Session
		pickedClient  *session.ClientInfo
		n             int
	)
	r.slots.forEach(func(s *slot) bool {
		sess, _, client := s.state()
		if sess == nil {
			return true
		}
		n++
		if rand.IntN(n) == 0 {
			pickedSession, pickedClient = sess, client
		}
		return true
	})
	return pickedSession, pickedClient, pickedSession != nil
}

// SessionStatus classifies a local client.
func (r *Registry) SessionStatus(_ context.Context, clientID core.ClientID) core.SessionStatus {
	s := r.slots.get(clientID)
	if s == nil {
		return core.StatusAbsent
	}
	sess, tx, _ := s.state()
	switch {
	case sess == nil:
		return core.StatusAbsent
	case tx != nil && !tx.Closed():
		return core.StatusOnline
	default:
		return core.StatusOffline
	}
}

// GrpcClients has no peers on a single node.
func (r *Registry) GrpcClients() GrpcClients {
	return GrpcClients{}
}

// NodeName renders a node label.
func (r *Registry) NodeName(id core.NodeID) string {
	if id == r.node && r.name != "" {
		return r.name
	}
	return fmt.Sprintf("%d@127.0.0.1", id)
}

func sortedNodes(m core.RelationsMap) []core.NodeID {
	nodes := make([]core.NodeID, 0, len(m))
	for node := range m {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	return nodes
}
