// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/absmach/fluxroute/broker/router"
	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/session"
	"github.com/absmach/fluxroute/topics"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Broker.LockTimeout = 0
	noShare := config.DefaultListener()
	noShare.Name = "noshare"
	noShare.SharedSubscription = false
	noShare.RetainAvailable = false
	cfg.Listeners = append(cfg.Listeners, noShare)
	return cfg
}

func newTestRegistry(t *testing.T, retain RetainStorage) *Registry {
	t.Helper()
	return NewRegistry(testConfig(), router.New(1), retain, testLogger(), nil, nil)
}

// connect installs an online session for client and returns its receive side.
func connect(t *testing.T, r *Registry, client, listener string, capacity int) (*session.Tx, <-chan session.Message) {
	t.Helper()
	id := core.NewID(r.NodeID(), core.ClientID(client))
	le, err := r.Entry(id).TryLock(context.Background())
	require.NoError(t, err)
	defer le.Unlock()

	tx, rx := session.NewTx(capacity)
	require.NoError(t, le.Set(session.New(id, false, 0), tx, session.NewClientInfo(id, 5, listener)))
	return tx, rx
}

func subscribe(t *testing.T, r *Registry, client, filter string, qos core.QoS) {
	t.Helper()
	_, err := r.Entry(core.NewID(r.NodeID(), core.ClientID(client))).Subscribe(context.Background(), Subscribe{Filter: filter, QoS: qos})
	require.NoError(t, err)
}

func drain(rx <-chan session.Message) []session.Message {
	var out []session.Message
	for {
		select {
		case msg, ok := <-rx:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

// fakeRetain is an in-memory RetainStorage for tests.
type fakeRetain struct {
	mu   sync.Mutex
	msgs map[string]core.Retain
}

func newFakeRetain() *fakeRetain {
	return &fakeRetain{msgs: make(map[string]core.Retain)}
}

func (f *fakeRetain) IsSupported(l config.ListenerConfig) bool { return l.RetainAvailable }

func (f *fakeRetain) Set(_ context.Context, topic core.TopicName, r core.Retain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(r.Publish.Payload) == 0 {
		delete(f.msgs, topic)
		return nil
	}
	f.msgs[topic] = r
	return nil
}

func (f *fakeRetain) Get(_ context.Context, filter core.TopicFilter) ([]RetainedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RetainedMessage
	for topic, r := range f.msgs {
		if topics.TopicMatch(filter, topic) {
			out = append(out, RetainedMessage{Topic: topic, Retain: r})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

func (f *fakeRetain) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func (f *fakeRetain) Max() int { return f.Count() }
