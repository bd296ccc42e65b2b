// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/absmach/fluxroute/core"
	"github.com/google/uuid"
)

// OfflineInfo is a snapshot of a session taken when its connection was
// kicked or dropped. Callers use it to migrate or audit state.
type OfflineInfo struct {
	ID            core.ID        `json:"id"`
	KickID        string         `json:"kick_id"`
	ConnID        string         `json:"conn_id,omitempty"`
	Subscriptions []Subscription `json:"subscriptions"`
	CreatedAt     time.Time      `json:"created_at"`
	ConnectedAt   time.Time      `json:"connected_at,omitempty"`
	OfflineAt     time.Time      `json:"offline_at"`
	Admin         bool           `json:"admin"`
	Cleared       bool           `json:"cleared"`
}

// Snapshot captures s and the optional client into an OfflineInfo.
func Snapshot(s *Session, client *ClientInfo) *OfflineInfo {
	info := &OfflineInfo{
		ID:            s.ID,
		KickID:        uuid.NewString(),
		Subscriptions: s.Subscriptions(),
		CreatedAt:     s.CreatedAt,
		OfflineAt:     time.Now(),
	}
	if client != nil {
		info.ConnID = client.ConnID
		info.ConnectedAt = client.ConnectedAt
	}
	return info
}
