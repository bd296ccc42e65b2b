// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/absmach/fluxroute/core"
	"github.com/google/uuid"
)

// ClientInfo describes the connection currently attached to a session.
type ClientInfo struct {
	ID         core.ID
	ConnID     string // unique per connection, survives nothing
	Version    byte   // MQTT version (3=3.1, 4=3.1.1, 5=5.0)
	Username   string
	RemoteAddr string
	LocalAddr  string
	Listener   string
	KeepAlive  uint16

	ConnectedAt time.Time
}

// NewClientInfo creates connection metadata with a fresh ConnID.
func NewClientInfo(id core.ID, version byte, listener string) *ClientInfo {
	return &ClientInfo{
		ID:          id,
		ConnID:      uuid.NewString(),
		Version:     version,
		Listener:    listener,
		ConnectedAt: time.Now(),
	}
}
