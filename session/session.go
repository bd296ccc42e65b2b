// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/topics"
)

// SubscriptionOptions are the per-filter options a session subscribed with.
type SubscriptionOptions struct {
	QoS   core.QoS         `json:"qos"`
	Group core.SharedGroup `json:"group,omitempty"`
}

// Subscription is a filter with its options, as stored on the session.
// Filter is the full filter, $share prefix included for shared subscriptions.
type Subscription struct {
	Filter core.TopicFilter `json:"filter"`
	SubscriptionOptions
}

// PlainFilter returns the filter without the $share prefix.
func (s Subscription) PlainFilter() core.TopicFilter {
	if s.Group == "" {
		return s.Filter
	}
	_, plain, _ := topics.ParseShared(s.Filter)
	return plain
}

// Session is the per-client state that outlives a single connection.
type Session struct {
	mu sync.RWMutex

	// Identity
	ID core.ID

	// MQTT options from CONNECT
	CleanStart     bool
	ExpiryInterval uint32 // Session expiry in seconds (v5)

	CreatedAt time.Time

	subscriptions map[core.TopicFilter]SubscriptionOptions
}

// New creates an empty session for id.
func New(id core.ID, cleanStart bool, expiry uint32) *Session {
	return &Session{
		ID:             id,
		CleanStart:     cleanStart,
		ExpiryInterval: expiry,
		CreatedAt:      time.Now(),
		subscriptions:  make(map[core.TopicFilter]SubscriptionOptions),
	}
}

// AddSubscription records a subscription. Re-adding a filter replaces its options.
// It reports whether the filter is new to this session.
func (s *Session) AddSubscription(filter core.TopicFilter, opts SubscriptionOptions) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.subscriptions[filter]
	s.subscriptions[filter] = opts
	return !exists
}

// RemoveSubscription forgets a subscription and returns its options.
func (s *Session) RemoveSubscription(filter core.TopicFilter) (SubscriptionOptions, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts, ok := s.subscriptions[filter]
	if ok {
		delete(s.subscriptions, filter)
	}
	return opts, ok
}

// Subscription returns the options recorded for filter.
func (s *Session) Subscription(filter core.TopicFilter) (SubscriptionOptions, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	opts, ok := s.subscriptions[filter]
	return opts, ok
}

// Subscriptions returns a snapshot sorted by filter.
func (s *Session) Subscriptions() []Subscription {
	s.mu.RLock()
	subs := make([]Subscription, 0, len(s.subscriptions))
	for filter, opts := range s.subscriptions {
		subs = append(subs, Subscription{Filter: filter, SubscriptionOptions: opts})
	}
	s.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Filter < subs[j].Filter })
	return subs
}

// SubscriptionCount returns the number of filters held.
func (s *Session) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// ClearSubscriptions drops every subscription and returns what was dropped.
func (s *Session) ClearSubscriptions() []Subscription {
	subs := s.Subscriptions()
	s.mu.Lock()
	clear(s.subscriptions)
	s.mu.Unlock()
	return subs
}
