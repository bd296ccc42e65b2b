// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

// SharedInfo marks a relation as belonging to a shared group.
type SharedInfo struct {
	Group  SharedGroup `json:"group"`
	Online Liveness    `json:"online"`
}

// Relation binds a matched filter to one subscriber.
// Filter is the plain filter, without any $share prefix.
type Relation struct {
	Filter   TopicFilter `json:"filter"`
	ClientID ClientID    `json:"client_id"`
	QoS      QoS         `json:"qos"`
	Shared   *SharedInfo `json:"shared,omitempty"`
}

// IsShared reports whether r belongs to a shared group.
func (r Relation) IsShared() bool {
	return r.Shared != nil
}

// Relations is the list of subscribers matched on one node.
type Relations []Relation

// RelationsMap groups matched relations by owning node.
type RelationsMap map[NodeID]Relations

// Len returns the total number of relations across all nodes.
func (m RelationsMap) Len() int {
	n := 0
	for _, rels := range m {
		n += len(rels)
	}
	return n
}

// Reason tells why a publish could not be delivered.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonOffline
	ReasonNoSession
	ReasonChannelFull
	ReasonChannelClosed
	ReasonRemote
	ReasonPeerUnavailable
	ReasonExpired
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonOffline:
		return "offline"
	case ReasonNoSession:
		return "no session"
	case ReasonChannelFull:
		return "channel full"
	case ReasonChannelClosed:
		return "channel closed"
	case ReasonRemote:
		return "remote"
	case ReasonPeerUnavailable:
		return "peer unavailable"
	case ReasonExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Undelivered is a publish that was not handed to its target, together with
// the reason. Records with ReasonRemote address a whole remote node: To.ClientID
// is empty and Relations lists the subscribers to deliver to there.
type Undelivered struct {
	To        To        `json:"to"`
	From      From      `json:"from"`
	Publish   *Publish  `json:"publish"`
	Reason    Reason    `json:"reason"`
	Relations Relations `json:"relations,omitempty"`
}

// Route is one registered (filter, subscriber) pair, as listed for diagnostics.
type Route struct {
	Filter   TopicFilter `json:"topic_filter"`
	NodeID   NodeID      `json:"node_id"`
	ClientID ClientID    `json:"client_id"`
	QoS      QoS         `json:"qos"`
	Group    SharedGroup `json:"group,omitempty"`
}
