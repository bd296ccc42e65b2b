// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/topics"
)

// OnlineFunc reports whether a client of the local node is connected.
type OnlineFunc = func(core.ClientID) bool

type subKey struct {
	id    core.ID
	group core.SharedGroup
}

type node struct {
	children map[string]*node
	subs     map[subKey]core.QoS // Subscriptions at this exact level
	filter   string              // plain filter this node terminates
}

func newNode() *node {
	return &node{
		children: make(map[string]*node),
	}
}

func (n *node) empty() bool {
	return len(n.subs) == 0 && len(n.children) == 0
}

// Trie is a segment trie of topic filters. A single RWMutex guards the tree:
// matching takes the read lock so publishes run in parallel, while
// subscription changes take the write lock.
type Trie struct {
	mu   sync.RWMutex
	root *node

	local  core.NodeID
	online atomic.Pointer[OnlineFunc]

	topics       atomic.Int64
	relations    atomic.Int64
	shared       atomic.Int64
	topicsMax    atomic.Int64
	relationsMax atomic.Int64
}

// New returns a router for the node local.
func New(local core.NodeID) *Trie {
	return &Trie{
		root:  newNode(),
		local: local,
	}
}

// SetOnlineFunc installs the connection check used by IsOnline and by the
// online hint of shared relations owned by the local node.
func (t *Trie) SetOnlineFunc(fn OnlineFunc) {
	t.online.Store(&fn)
}

func (t *Trie) onlineFunc() OnlineFunc {
	if fn := t.online.Load(); fn != nil {
		return *fn
	}
	return nil
}

// Add registers id under filter. The filter may carry a $share prefix, in which
// case group is taken from it. Re-adding the same registration only updates QoS.
func (t *Trie) Add(_ context.Context, filter core.TopicFilter, id core.ID, qos core.QoS, group core.SharedGroup) error {
	if g, plain, ok := topics.ParseShared(filter); ok {
		if group != "" && group != g {
			return fmt.Errorf("%w: group %q conflicts with %q", topics.ErrInvalidTopicFilter, group, filter)
		}
		group, filter = g, plain
	}
	if group != "" {
		if err := topics.ValidateShareName(group); err != nil {
			return fmt.Errorf("%w: group %q", err, group)
		}
	}
	if err := topics.ValidateTopicFilter(filter); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, level := range topics.Levels(filter) {
		child, ok := n.children[level]
		if !ok {
			child = newNode()
			n.children[level] = child
		}
		n = child
	}

	if n.subs == nil {
		n.subs = make(map[subKey]core.QoS)
		n.filter = filter
	}
	key := subKey{id: id, group: group}
	if _, exists := n.subs[key]; !exists {
		if len(n.subs) == 0 {
			raiseMax(&t.topicsMax, t.topics.Add(1))
		}
		raiseMax(&t.relationsMax, t.relations.Add(1))
		if group != "" {
			t.shared.Add(1)
		}
	}
	n.subs[key] = qos
	return nil
}

// Remove deletes the registration of id under filter. A shared registration
// is addressed by its $share form. It reports whether anything was removed.
func (t *Trie) Remove(_ context.Context, filter core.TopicFilter, id core.ID) (bool, error) {
	group, plain, _ := topics.ParseShared(filter)

	t.mu.Lock()
	defer t.mu.Unlock()

	levels := topics.Levels(plain)
	path := make([]*node, 0, len(levels)+1)
	n := t.root
	path = append(path, n)
	for _, level := range levels {
		child, ok := n.children[level]
		if !ok {
			return false, nil
		}
		n = child
		path = append(path, n)
	}

	key := subKey{id: id, group: group}
	if _, ok := n.subs[key]; !ok {
		return false, nil
	}
	delete(n.subs, key)
	t.relations.Add(-1)
	if group != "" {
		t.shared.Add(-1)
	}
	if len(n.subs) == 0 {
		n.subs = nil
		n.filter = ""
		t.topics.Add(-1)
	}

	// Prune empty branches bottom-up.
	for i := len(levels); i > 0; i-- {
		if !path[i].empty() {
			break
		}
		delete(path[i-1].children, levels[i-1])
	}
	return true, nil
}

// Matches returns every registration whose filter matches topic, grouped by node.
func (t *Trie) Matches(_ context.Context, topic core.TopicName) (core.RelationsMap, error) {
	if err := topics.ValidateTopicName(topic); err != nil {
		return nil, err
	}

	levels := topics.Levels(topic)
	matched := acquireHits()
	defer releaseHits(matched)

	t.mu.RLock()
	matchLevel(t.root, levels, 0, topics.IsSystem(topic), matched)
	t.mu.RUnlock()

	online := t.onlineFunc()
	rels := make(core.RelationsMap)
	for _, h := range *matched {
		rel := core.Relation{
			Filter:   h.filter,
			ClientID: h.key.id.ClientID,
			QoS:      core.QoS(h.qos),
		}
		if h.key.group != "" {
			hint := core.LivenessUnknown
			if h.key.id.NodeID == t.local && online != nil {
				hint = core.LivenessOf(online(h.key.id.ClientID))
			}
			rel.Shared = &core.SharedInfo{Group: h.key.group, Online: hint}
		}
		rels[h.key.id.NodeID] = append(rels[h.key.id.NodeID], rel)
	}
	return rels, nil
}

func matchLevel(n *node, levels []string, index int, system bool, matched *[]hit) {
	wildcards := !(system && index == 0)

	if index == len(levels) {
		// Reached end of topic - include exact matches and # wildcards
		collect(n, matched)
		if wild, ok := n.children[topics.MultiLevel]; ok {
			collect(wild, matched)
		}
		return
	}

	if child, ok := n.children[levels[index]]; ok {
		matchLevel(child, levels, index+1, system, matched)
	}
	if !wildcards {
		return
	}
	if child, ok := n.children[topics.SingleLevel]; ok {
		matchLevel(child, levels, index+1, system, matched)
	}
	if child, ok := n.children[topics.MultiLevel]; ok {
		collect(child, matched)
	}
}

func collect(n *node, matched *[]hit) {
	for key, qos := range n.subs {
		*matched = append(*matched, hit{filter: n.filter, key: key, qos: byte(qos)})
	}
}

// IsOnline reports whether a client of the local node is connected.
// Clients of other nodes are unknown to a local router and reported offline.
func (t *Trie) IsOnline(_ context.Context, nodeID core.NodeID, clientID core.ClientID) bool {
	if nodeID != t.local {
		return false
	}
	fn := t.onlineFunc()
	return fn != nil && fn(clientID)
}

// Topics returns the number of distinct filters currently held.
func (t *Trie) Topics() int { return int(t.topics.Load()) }

// TopicsMax returns the peak of Topics.
func (t *Trie) TopicsMax() int { return int(t.topicsMax.Load()) }

// Relations returns the number of registrations currently held.
func (t *Trie) Relations() int { return int(t.relations.Load()) }

// RelationsMax returns the peak of Relations.
func (t *Trie) RelationsMax() int { return int(t.relationsMax.Load()) }

// SharedRelations returns the number of registrations that belong to a shared group.
func (t *Trie) SharedRelations() int { return int(t.shared.Load()) }

// ListTopics returns up to top filters in lexical level order.
// A non-positive top lists everything.
func (t *Trie) ListTopics(top int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	walk(t.root, func(n *node) bool {
		out = append(out, n.filter)
		return top <= 0 || len(out) < top
	})
	return out
}

// ListRelations returns up to top registrations in the same filter order as
// ListTopics, then by group, node and client.
func (t *Trie) ListRelations(top int) []core.Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []core.Route
	walk(t.root, func(n *node) bool {
		routes := make([]core.Route, 0, len(n.subs))
		for key, qos := range n.subs {
			routes = append(routes, core.Route{
				Filter:   topics.JoinShared(key.group, n.filter),
				NodeID:   key.id.NodeID,
				ClientID: key.id.ClientID,
				QoS:      qos,
				Group:    key.group,
			})
		}
		sort.Slice(routes, func(i, j int) bool {
			a, b := routes[i], routes[j]
			if a.Group != b.Group {
				return a.Group < b.Group
			}
			if a.NodeID != b.NodeID {
				return a.NodeID < b.NodeID
			}
			return a.ClientID < b.ClientID
		})
		for _, r := range routes {
			if top > 0 && len(out) >= top {
				return false
			}
			out = append(out, r)
		}
		return top <= 0 || len(out) < top
	})
	return out
}

// walk visits nodes holding subscriptions depth-first with children in
// sorted order, until fn returns false.
func walk(n *node, fn func(*node) bool) bool {
	if len(n.subs) > 0 && !fn(n) {
		return false
	}
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !walk(n.children[k], fn) {
			return false
		}
	}
	return true
}

// raiseMax lifts peak to v if v is higher.
func raiseMax(peak *atomic.Int64, v int64) {
	for {
		cur := peak.Load()
		if v <= cur || peak.CompareAndSwap(cur, v) {
			return
		}
	}
}
