// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/session"
	"github.com/absmach/fluxroute/topics"
)

var (
	_ Entry       = (*entry)(nil)
	_ LockedEntry = (*lockedEntry)(nil)
)

// entry is an unlocked view of a slot. It resolves the slot on every call,
// so it never pins a retired one.
type entry struct {
	r  *Registry
	id core.ID
}

func (e *entry) ID() core.ID {
	return e.id
}

func (e *entry) local() bool {
	return e.id.NodeID == e.r.node
}

func (e *entry) slot() *slot {
	if !e.local() {
		return nil
	}
	return e.r.slots.get(e.id.ClientID)
}

func (e *entry) TryLock(ctx context.Context) (LockedEntry, error) {
	l, err := e.lock(ctx, func(s *slot) error {
		return acquire(ctx, s.lock, e.r.cfg.LockTimeout)
	})
	if err != nil {
		if errors.Is(err, ErrLocked) {
			e.r.metrics.RecordLockFailure(ctx)
		}
		return nil, err
	}
	return l, nil
}

// wait takes the slot token, blocking until it is free or ctx is done.
func (e *entry) wait(ctx context.Context) (*lockedEntry, error) {
	return e.lock(ctx, func(s *slot) error {
		select {
		case s.lock <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (e *entry) lock(ctx context.Context, take func(*slot) error) (*lockedEntry, error) {
	if !e.local() {
		return nil, ErrNotLocal
	}

	for {
		s := e.r.slots.getOrCreate(e.id)
		if err := take(s); err != nil {
			return nil, err
		}

		s.mu.RLock()
		retired := s.retired
		s.mu.RUnlock()
		if !retired {
			return &lockedEntry{entry: e, s: s}, nil
		}
		// The slot emptied and left the arena while we waited; take the new one.
		<-s.lock
	}
}

// acquire takes the token from lock, waiting at most timeout.
func acquire(ctx context.Context, lock chan struct{}, timeout time.Duration) error {
	select {
	case lock <- struct{}{}:
		return nil
	default:
	}
	if timeout <= 0 {
		return ErrLocked
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case lock <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLocked
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) Online(ctx context.Context) bool {
	if !e.local() {
		return e.r.router.IsOnline(ctx, e.id.NodeID, e.id.ClientID)
	}
	return e.IsConnected()
}

func (e *entry) IsConnected() bool {
	s := e.slot()
	return s != nil && s.connected()
}

func (e *entry) Exist() bool {
	return e.Session() != nil
}

func (e *entry) Session() *session.Session {
	if s := e.slot(); s != nil {
		sess, _, _ := s.state()
		return sess
	}
	return nil
}

func (e *entry) Client() *session.ClientInfo {
	if s := e.slot(); s != nil {
		_, _, client := s.state()
		return client
	}
	return nil
}

func (e *entry) Tx() *session.Tx {
	if s := e.slot(); s != nil {
		_, tx, _ := s.state()
		return tx
	}
	return nil
}

// Subscribe waits for the slot token so it cannot interleave with a kick.
func (e *entry) Subscribe(ctx context.Context, sub Subscribe) (*SubscribeReturn, error) {
	if !e.local() {
		return nil, ErrSessionNotFound
	}
	l, err := e.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	return l.subscribe(ctx, sub)
}

func (e *entry) Unsubscribe(ctx context.Context, filter core.TopicFilter) (bool, error) {
	l, err := e.wait(ctx)
	if err != nil {
		return false, err
	}
	defer l.Unlock()
	return l.unsubscribe(ctx, filter)
}

func (e *entry) Publish(_ context.Context, from core.From, p *core.Publish) *core.Undelivered {
	undelivered := func(reason core.Reason) *core.Undelivered {
		return &core.Undelivered{To: e.id, From: from, Publish: p, Reason: reason}
	}

	if !e.local() {
		return undelivered(core.ReasonRemote)
	}
	s := e.slot()
	if s == nil {
		return undelivered(core.ReasonNoSession)
	}
	sess, tx, _ := s.state()
	switch {
	case sess == nil:
		return undelivered(core.ReasonNoSession)
	case tx == nil:
		return undelivered(core.ReasonOffline)
	}

	switch err := tx.Send(session.Deliver{From: from, Publish: p}); {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrTxFull):
		return undelivered(core.ReasonChannelFull)
	default:
		return undelivered(core.ReasonChannelClosed)
	}
}

// lockedEntry owns s.lock until Unlock.
type lockedEntry struct {
	*entry
	s        *slot
	released atomic.Bool
}

func (l *lockedEntry) Set(sess *session.Session, tx *session.Tx, client *session.ClientInfo) error {
	if l.released.Load() {
		return ErrNotLocked
	}
	if sess == nil || tx == nil || client == nil || sess.ID != l.id || client.ID != l.id {
		return ErrInvalidSession
	}

	l.s.mu.Lock()
	if l.s.tx != nil && !l.s.tx.Closed() {
		l.s.mu.Unlock()
		return ErrOnline
	}
	hadSession, hadTx := l.s.session != nil, l.s.tx != nil
	l.s.session, l.s.tx, l.s.client = sess, tx, client
	l.s.mu.Unlock()

	ctx := context.Background()
	if !hadSession {
		l.r.sessions.Add(1)
		l.r.metrics.AddSessions(ctx, 1)
	}
	if !hadTx {
		l.r.clients.Add(1)
		l.r.metrics.AddConnections(ctx, 1)
	}
	return nil
}

func (l *lockedEntry) Remove() (*Removed, error) {
	if l.released.Load() {
		return nil, ErrNotLocked
	}

	l.s.mu.Lock()
	removed := &Removed{Session: l.s.session, Tx: l.s.tx, Client: l.s.client}
	l.s.session, l.s.tx, l.s.client = nil, nil, nil
	l.s.mu.Unlock()

	if removed.Session == nil && removed.Tx == nil {
		return nil, nil
	}
	l.forget(removed.Session != nil, removed.Tx != nil)
	return removed, nil
}

func (l *lockedEntry) Kick(ctx context.Context, clearSubscriptions, isAdmin bool) (*session.OfflineInfo, error) {
	if l.released.Load() {
		return nil, ErrNotLocked
	}

	l.s.mu.Lock()
	sess, tx, client := l.s.session, l.s.tx, l.s.client
	if sess == nil {
		l.s.mu.Unlock()
		return nil, nil
	}
	l.s.tx, l.s.client = nil, nil
	if clearSubscriptions {
		l.s.session = nil
	}
	l.s.mu.Unlock()

	info := session.Snapshot(sess, client)
	info.Admin = isAdmin
	info.Cleared = clearSubscriptions

	if tx != nil {
		// Best effort: a full channel still sees the close.
		_ = tx.Send(session.Kick{Admin: isAdmin})
		tx.Close()
	}
	if clearSubscriptions {
		l.clearRoutes(ctx, sess)
	}
	l.forget(clearSubscriptions, tx != nil)

	l.r.metrics.RecordKick(ctx, isAdmin, clearSubscriptions)
	l.r.logger.Debug("entry_kicked",
		slog.String("client_id", string(l.id.ClientID)),
		slog.String("kick_id", info.KickID),
		slog.Bool("admin", isAdmin),
		slog.Bool("cleared", clearSubscriptions),
	)
	return info, nil
}

func (l *lockedEntry) Disconnect(_ context.Context, connID string) (*session.OfflineInfo, error) {
	if l.released.Load() {
		return nil, ErrNotLocked
	}

	l.s.mu.Lock()
	sess, tx, client := l.s.session, l.s.tx, l.s.client
	if sess == nil || client == nil || client.ConnID != connID {
		// A newer connection already took over.
		l.s.mu.Unlock()
		return nil, nil
	}
	l.s.tx, l.s.client = nil, nil
	l.s.mu.Unlock()

	if tx != nil {
		tx.Close()
	}
	l.forget(false, tx != nil)
	return session.Snapshot(sess, client), nil
}

func (l *lockedEntry) Subscribe(ctx context.Context, sub Subscribe) (*SubscribeReturn, error) {
	if l.released.Load() {
		return nil, ErrNotLocked
	}
	return l.subscribe(ctx, sub)
}

func (l *lockedEntry) Unsubscribe(ctx context.Context, filter core.TopicFilter) (bool, error) {
	if l.released.Load() {
		return false, ErrNotLocked
	}
	return l.unsubscribe(ctx, filter)
}

func (l *lockedEntry) subscribe(ctx context.Context, sub Subscribe) (*SubscribeReturn, error) {
	l.s.mu.RLock()
	sess, client := l.s.session, l.s.client
	l.s.mu.RUnlock()
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if err := topics.ValidateTopicFilter(sub.Filter); err != nil {
		return nil, err
	}

	listener := config.DefaultListener()
	if client != nil {
		listener = l.r.listener(client.Listener)
	}
	group, plain, shared := topics.ParseShared(sub.Filter)
	if shared && !l.r.selector.IsSupported(listener) {
		return nil, ErrSharedNotSupported
	}

	qos := core.MinQoS(sub.QoS, core.QoS(l.r.cfg.MaxQoS))
	isNew := sess.AddSubscription(sub.Filter, session.SubscriptionOptions{QoS: qos, Group: group})
	if err := l.r.router.Add(ctx, plain, l.id, qos, group); err != nil {
		if isNew {
			sess.RemoveSubscription(sub.Filter)
		}
		return nil, err
	}
	if isNew {
		l.r.metrics.AddSubscriptions(ctx, 1)
	}

	ret := &SubscribeReturn{QoS: qos}
	if !shared && l.r.retain != nil && l.r.retain.IsSupported(listener) {
		ret.Retained = l.r.replayRetained(ctx, l.id.ClientID, plain, qos)
	}
	return ret, nil
}

func (l *lockedEntry) unsubscribe(ctx context.Context, filter core.TopicFilter) (bool, error) {
	l.s.mu.RLock()
	sess := l.s.session
	l.s.mu.RUnlock()
	if sess != nil {
		if _, ok := sess.RemoveSubscription(filter); ok {
			l.r.metrics.AddSubscriptions(ctx, -1)
		}
	}
	return l.r.router.Remove(ctx, filter, l.id)
}

// Unlock releases ownership. A slot left empty leaves the arena.
func (l *lockedEntry) Unlock() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.r.slots.retire(l.s)
	<-l.s.lock
}

func (l *lockedEntry) clearRoutes(ctx context.Context, sess *session.Session) {
	subs := sess.ClearSubscriptions()
	for _, sub := range subs {
		if _, err := l.r.router.Remove(ctx, sub.Filter, l.id); err != nil {
			l.r.logger.Warn("route_remove_failed",
				slog.String("client_id", string(l.id.ClientID)),
				slog.String("filter", sub.Filter),
				slog.String("error", err.Error()),
			)
		}
	}
	l.r.metrics.AddSubscriptions(ctx, -int64(len(subs)))
}

func (l *lockedEntry) forget(sess, conn bool) {
	ctx := context.Background()
	if sess {
		l.r.sessions.Add(-1)
		l.r.metrics.AddSessions(ctx, -1)
	}
	if conn {
		l.r.clients.Add(-1)
		l.r.metrics.AddConnections(ctx, -1)
	}
}
