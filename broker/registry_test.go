// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwards_SingleNode(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	var rxs []<-chan session.Message
	for i, filter := range []string{"a/b", "a/+", "#"} {
		client := fmt.Sprintf("c%d", i)
		_, rx := connect(t, r, client, "tcp", 4)
		subscribe(t, r, client, filter, core.AtLeastOnce)
		rxs = append(rxs, rx)
	}

	undelivered, err := r.Forwards(ctx, core.FromClientID(core.NewID(1, "pub")), &core.Publish{Topic: "a/b", QoS: core.AtLeastOnce})
	require.NoError(t, err)
	assert.Empty(t, undelivered)
	for _, rx := range rxs {
		assert.Len(t, drain(rx), 1)
	}
}

func TestForwards_RemotePartition(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	_, rx1 := connect(t, r, "c1", "tcp", 4)
	_, rx2 := connect(t, r, "c2", "tcp", 4)
	subscribe(t, r, "c1", "a/b", core.AtMostOnce)
	subscribe(t, r, "c2", "a/#", core.AtMostOnce)
	require.NoError(t, r.Router().Add(ctx, "a/+", core.NewID(2, "remote"), core.AtLeastOnce, ""))

	p := &core.Publish{Topic: "a/b", Payload: []byte("hi"), QoS: core.AtLeastOnce}
	from := core.FromClientID(core.NewID(1, "pub"))
	undelivered, err := r.Forwards(ctx, from, p)
	require.NoError(t, err)

	assert.Len(t, drain(rx1), 1)
	assert.Len(t, drain(rx2), 1)
	require.Len(t, undelivered, 1)
	u := undelivered[0]
	assert.Equal(t, core.NodeID(2), u.To.NodeID)
	assert.Equal(t, core.ReasonRemote, u.Reason)
	assert.Equal(t, from, u.From)
	require.Len(t, u.Relations, 1)
	assert.Equal(t, core.ClientID("remote"), u.Relations[0].ClientID)
	assert.Equal(t, core.AtLeastOnce, u.Relations[0].QoS)
}

func TestForwards_DowngradesQoSAndClearsRetain(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	_, rx := connect(t, r, "c1", "tcp", 4)
	subscribe(t, r, "c1", "a/b", core.AtMostOnce)

	p := &core.Publish{Topic: "a/b", QoS: core.ExactlyOnce, Retain: true}
	undelivered, err := r.Forwards(ctx, core.From{Type: core.FromSystem}, p)
	require.NoError(t, err)
	assert.Empty(t, undelivered)

	msgs := drain(rx)
	require.Len(t, msgs, 1)
	d := msgs[0].(session.Deliver)
	assert.Equal(t, core.AtMostOnce, d.Publish.QoS)
	assert.False(t, d.Publish.Retain)
	// The caller's publish is left untouched.
	assert.Equal(t, core.ExactlyOnce, p.QoS)
	assert.True(t, p.Retain)
}

func TestForwards_ReportsLocalFailures(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	connect(t, r, "c1", "tcp", 4)
	subscribe(t, r, "c1", "a/b", core.AtMostOnce)

	le, err := r.Entry(core.NewID(1, "c1")).TryLock(ctx)
	require.NoError(t, err)
	_, err = le.Kick(ctx, false, false)
	require.NoError(t, err)
	le.Unlock()

	undelivered, err := r.Forwards(ctx, core.From{}, &core.Publish{Topic: "a/b"})
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	assert.Equal(t, core.ReasonOffline, undelivered[0].Reason)
	assert.Equal(t, core.NewID(1, "c1"), undelivered[0].To)

	_, err = r.Forwards(ctx, core.From{}, &core.Publish{Topic: "a/+"})
	assert.Error(t, err)
}

func TestForwards_SharedGroupSingleDelivery(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	rxs := make(map[string]<-chan session.Message)
	for _, client := range []string{"m1", "m2", "m3"} {
		_, rx := connect(t, r, client, "tcp", 64)
		subscribe(t, r, client, "$share/workers/jobs/#", core.AtLeastOnce)
		rxs[client] = rx
	}
	// m1 and m3 go offline; only m2 can receive.
	for _, client := range []string{"m1", "m3"} {
		le, err := r.Entry(core.NewID(1, core.ClientID(client))).TryLock(ctx)
		require.NoError(t, err)
		_, err = le.Kick(ctx, false, false)
		require.NoError(t, err)
		le.Unlock()
	}

	for range 20 {
		undelivered, err := r.Forwards(ctx, core.From{}, &core.Publish{Topic: "jobs/1"})
		require.NoError(t, err)
		assert.Empty(t, undelivered)
	}
	assert.Len(t, drain(rxs["m2"]), 20)
	assert.Empty(t, drain(rxs["m1"]))
	assert.Empty(t, drain(rxs["m3"]))
}

func TestForwards_SharedGroupAllOffline(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	for _, client := range []string{"m1", "m2"} {
		connect(t, r, client, "tcp", 4)
		subscribe(t, r, client, "$share/g/t", core.AtLeastOnce)
		le, err := r.Entry(core.NewID(1, core.ClientID(client))).TryLock(ctx)
		require.NoError(t, err)
		_, err = le.Kick(ctx, false, false)
		require.NoError(t, err)
		le.Unlock()
	}

	undelivered, err := r.Forwards(ctx, core.From{}, &core.Publish{Topic: "t"})
	require.NoError(t, err)
	require.Len(t, undelivered, 1, "the group still resolves to exactly one member")
	assert.Equal(t, core.ReasonOffline, undelivered[0].Reason)
}

func TestForwardsAndGetShareds(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	for _, client := range []string{"m1", "m2", "m3"} {
		connect(t, r, client, "tcp", 4)
		subscribe(t, r, client, "$share/g/t/+", core.AtLeastOnce)
	}
	connect(t, r, "plain", "tcp", 4)
	subscribe(t, r, "plain", "t/+", core.AtLeastOnce)
	require.NoError(t, r.Router().Add(ctx, "$share/g/t/+", core.NewID(2, "far"), core.AtLeastOnce, ""))

	undelivered, rels, err := r.ForwardsAndGetShareds(ctx, core.From{}, &core.Publish{Topic: "t/x"})
	require.NoError(t, err)
	assert.Equal(t, 5, rels.Len())
	assert.Len(t, rels[1], 4)
	assert.Len(t, rels[2], 1)

	delivered := 0
	for _, client := range []string{"m1", "m2", "m3", "far"} {
		if e := r.Entry(core.NewID(1, core.ClientID(client))); e.Tx() != nil {
			delivered += e.Tx().Len()
		}
	}
	remote := 0
	for _, u := range undelivered {
		if u.Reason == core.ReasonRemote {
			remote += len(u.Relations)
		}
	}
	assert.Equal(t, 1, delivered+remote, "one shared member across the cluster")
	assert.Equal(t, 1, r.Entry(core.NewID(1, "plain")).Tx().Len())
}

func TestForwardsTo(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	_, rx := connect(t, r, "c1", "tcp", 4)

	rels := core.Relations{
		{Filter: "x", ClientID: "c1", QoS: core.AtLeastOnce},
		{Filter: "x", ClientID: "missing", QoS: core.AtLeastOnce},
	}
	undelivered := r.ForwardsTo(ctx, core.From{}, &core.Publish{Topic: "x", QoS: core.ExactlyOnce}, rels)
	require.Len(t, undelivered, 1)
	assert.Equal(t, core.ReasonNoSession, undelivered[0].Reason)

	msgs := drain(rx)
	require.Len(t, msgs, 1)
	assert.Equal(t, core.AtLeastOnce, msgs[0].(session.Deliver).Publish.QoS)
}

func TestRegistry_PublishStoresRetained(t *testing.T) {
	ctx := context.Background()
	retain := newFakeRetain()
	r := newTestRegistry(t, retain)

	_, err := r.Publish(ctx, core.From{}, &core.Publish{Topic: "r/1", Payload: []byte("v"), Retain: true})
	require.NoError(t, err)
	assert.Equal(t, 1, retain.Count())

	_, err = r.Publish(ctx, core.From{}, &core.Publish{Topic: "r/1", Retain: true})
	require.NoError(t, err)
	assert.Equal(t, 0, retain.Count())
}

func TestRegistry_Lookups(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	_, _, ok := r.RandomSession()
	assert.False(t, ok)
	_, ok = r.ID("c1")
	assert.False(t, ok)

	connect(t, r, "c1", "tcp", 4)
	connect(t, r, "c2", "tcp", 4)
	le, err := r.Entry(core.NewID(1, "c2")).TryLock(ctx)
	require.NoError(t, err)
	_, err = le.Kick(ctx, false, false)
	require.NoError(t, err)
	le.Unlock()

	id, ok := r.ID("c1")
	require.True(t, ok)
	assert.Equal(t, core.NewID(1, "c1"), id)
	assert.True(t, r.Exist("c2"))
	assert.False(t, r.Exist("c3"))

	assert.Equal(t, 1, r.Clients())
	assert.Equal(t, 2, r.Sessions())
	assert.Equal(t, 1, r.AllClients(ctx))
	assert.Equal(t, 2, r.AllSessions(ctx))

	assert.Equal(t, core.StatusOnline, r.SessionStatus(ctx, "c1"))
	assert.Equal(t, core.StatusOffline, r.SessionStatus(ctx, "c2"))
	assert.Equal(t, core.StatusAbsent, r.SessionStatus(ctx, "c3"))

	seen := map[core.ClientID]bool{}
	for e := range r.Iter() {
		seen[e.ID().ClientID] = true
	}
	assert.Equal(t, map[core.ClientID]bool{"c1": true, "c2": true}, seen)

	count := 0
	for range r.Iter() {
		count++
		break
	}
	assert.Equal(t, 1, count)

	sess, _, ok := r.RandomSession()
	require.True(t, ok)
	assert.Contains(t, []core.ClientID{"c1", "c2"}, sess.ID.ClientID)

	assert.Empty(t, r.GrpcClients())
	assert.Equal(t, "1@127.0.0.1", r.NodeName(1))
	assert.Equal(t, "9@127.0.0.1", r.NodeName(9))
}

var errBusy = errors.New("busy")

type fakeLimits struct {
	asked []string
}

func (f *fakeLimits) Get(name string, l config.ListenerConfig) (Limiter, error) {
	f.asked = append(f.asked, name)
	if l.HandshakeBurst < 1 {
		return nil, fmt.Errorf("listener %s: bad burst", name)
	}
	return fakeLimiter{max: l.MaxHandshaking}, nil
}

type fakeLimiter struct {
	max int
}

func (f fakeLimiter) Acquire(ctx context.Context, handshakings int) error {
	if handshakings >= f.max {
		return errBusy
	}
	return ctx.Err()
}

func TestRegistry_Admit(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	// Without limiters every handshake is admitted.
	require.NoError(t, r.Admit(ctx, "tcp", 1<<20))

	limits := &fakeLimits{}
	r.SetLimiters(limits)
	limit := r.listener("tcp").MaxHandshaking
	assert.NoError(t, r.Admit(ctx, "tcp", limit-1))
	assert.ErrorIs(t, r.Admit(ctx, "tcp", limit), errBusy)

	// Unknown listeners are limited with the default listener settings.
	assert.ErrorIs(t, r.Admit(ctx, "unknown", config.DefaultListener().MaxHandshaking), errBusy)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, r.Admit(cctx, "noshare", 0), context.Canceled)
	assert.Equal(t, []string{"tcp", "tcp", "unknown", "noshare"}, limits.asked)
}
