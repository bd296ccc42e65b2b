// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/storage"
	"github.com/absmach/fluxroute/topics"
	"github.com/dgraph-io/badger/v4"
)

var _ broker.RetainStorage = (*RetainStore)(nil)

const retainPrefix = "retain:"

// Config holds BadgerDB configuration.
type Config struct {
	Dir         string // Directory for BadgerDB data
	InMemory    bool   // Keep everything in memory; Dir is ignored
	MaxRetained int    // 0 means unlimited
}

// RetainStore is a BadgerDB-backed implementation of broker.RetainStorage.
type RetainStore struct {
	db    *badger.DB
	limit int
	gauge storage.Gauge

	// Serializes writers so the existence check and the gauge agree.
	wmu sync.Mutex

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Open opens (or creates) the store and counts the messages already on disk.
func Open(cfg Config) (*RetainStore, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Retained messages can be republished by their owners after a crash.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open retain store: %w", err)
	}

	s := &RetainStore{
		db:       db,
		limit:    cfg.MaxRetained,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	n, err := s.countKeys()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.gauge.Add(int64(n))

	go s.runGC()

	return s, nil
}

// IsSupported reports whether the listener advertises retained messages.
func (s *RetainStore) IsSupported(listener config.ListenerConfig) bool {
	return listener.RetainAvailable
}

// Set stores or updates a retained message.
// Empty payload deletes the retained message.
func (s *RetainStore) Set(_ context.Context, topic core.TopicName, r core.Retain) error {
	key := []byte(retainPrefix + topic)

	s.wmu.Lock()
	defer s.wmu.Unlock()

	var delta int64
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		exists := err == nil
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if r.Publish == nil || len(r.Publish.Payload) == 0 {
			if !exists {
				return nil
			}
			delta = -1
			return txn.Delete(key)
		}

		if !exists {
			if s.limit > 0 && s.gauge.Count() >= s.limit {
				return storage.ErrLimitReached
			}
			delta = 1
		}

		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal retained message: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return err
	}
	if delta != 0 {
		s.gauge.Add(delta)
	}
	return nil
}

// Get returns all retained messages matching filter, sorted by topic.
func (s *RetainStore) Get(_ context.Context, filter core.TopicFilter) ([]broker.RetainedMessage, error) {
	var result []broker.RetainedMessage

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(retainPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			topic := strings.TrimPrefix(string(item.Key()), retainPrefix)
			if !topics.TopicMatch(filter, topic) {
				continue
			}

			var r core.Retain
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				return err
			}
			result = append(result, broker.RetainedMessage{Topic: topic, Retain: r})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read retained messages: %w", err)
	}

	return result, nil
}

// Count returns the number of stored messages.
func (s *RetainStore) Count() int {
	return s.gauge.Count()
}

// Max returns the highest Count seen since Open.
func (s *RetainStore) Max() int {
	return s.gauge.Max()
}

// Close gracefully closes the BadgerDB database.
func (s *RetainStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func (s *RetainStore) countKeys() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(retainPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *RetainStore) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when nothing was collected.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
