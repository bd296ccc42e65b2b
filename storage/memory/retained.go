// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/storage"
	"github.com/absmach/fluxroute/topics"
)

var _ broker.RetainStorage = (*RetainStore)(nil)

// RetainStore is an in-memory implementation of broker.RetainStorage.
type RetainStore struct {
	mu    sync.RWMutex
	data  map[string]core.Retain // topic -> message
	limit int
	gauge storage.Gauge
}

// NewRetainStore creates a store holding at most limit messages; 0 is unlimited.
func NewRetainStore(limit int) *RetainStore {
	return &RetainStore{
		data:  make(map[string]core.Retain),
		limit: limit,
	}
}

// IsSupported reports whether the listener advertises retained messages.
func (s *RetainStore) IsSupported(listener config.ListenerConfig) bool {
	return listener.RetainAvailable
}

// Set stores or updates a retained message.
// Empty payload deletes the retained message.
func (s *RetainStore) Set(_ context.Context, topic core.TopicName, r core.Retain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.data[topic]
	if r.Publish == nil || len(r.Publish.Payload) == 0 {
		if exists {
			delete(s.data, topic)
			s.gauge.Add(-1)
		}
		return nil
	}

	if !exists && s.limit > 0 && len(s.data) >= s.limit {
		return storage.ErrLimitReached
	}
	r.Publish = r.Publish.Clone()
	s.data[topic] = r
	if !exists {
		s.gauge.Add(1)
	}
	return nil
}

// Get returns all retained messages matching filter, sorted by topic.
func (s *RetainStore) Get(_ context.Context, filter core.TopicFilter) ([]broker.RetainedMessage, error) {
	s.mu.RLock()
	var result []broker.RetainedMessage
	for topic, r := range s.data {
		if topics.TopicMatch(filter, topic) {
			r.Publish = r.Publish.Clone()
			result = append(result, broker.RetainedMessage{Topic: topic, Retain: r})
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result, nil
}

// Count returns the number of stored messages.
func (s *RetainStore) Count() int {
	return s.gauge.Count()
}

// Max returns the highest Count seen.
func (s *RetainStore) Max() int {
	return s.gauge.Max()
}
