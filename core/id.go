// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"fmt"
	"strconv"
)

// NodeID identifies a broker node in the cluster.
type NodeID uint64

func (n NodeID) String() string {
	return strconv.FormatUint(uint64(n), 10)
}

// ClientID is the client identifier, unique across the cluster.
type ClientID string

// ID is the fully qualified identity of a session: the node that owns it
// plus the client identifier.
type ID struct {
	NodeID   NodeID   `json:"node_id"`
	ClientID ClientID `json:"client_id"`
}

// NewID builds an ID.
func NewID(node NodeID, client ClientID) ID {
	return ID{NodeID: node, ClientID: client}
}

func (id ID) String() string {
	return fmt.Sprintf("%d/%s", id.NodeID, id.ClientID)
}

// IsZero reports whether id carries no client identifier.
func (id ID) IsZero() bool {
	return id.ClientID == ""
}
