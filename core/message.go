// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"maps"
	"time"
)

type (
	// TopicName is a concrete, wildcard-free topic a message is published to.
	TopicName = string
	// TopicFilter is a subscription pattern that may contain '+' and '#'.
	TopicFilter = string
	// SharedGroup names a shared subscription group.
	SharedGroup = string
)

// QoS is the MQTT delivery guarantee level.
type QoS byte

const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

// Valid reports whether q is one of the three defined levels.
func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

// MinQoS returns the lower of two QoS levels.
func MinQoS(a, b QoS) QoS {
	if a < b {
		return a
	}
	return b
}

// Publish is an application message as it flows through the routing core.
// It carries only the fields needed for delivery; packet framing lives elsewhere.
type Publish struct {
	Topic      TopicName         `json:"topic"`
	Payload    []byte            `json:"payload,omitempty"`
	QoS        QoS               `json:"qos"`
	Retain     bool              `json:"retain,omitempty"`
	Dup        bool              `json:"dup,omitempty"`
	PacketID   uint16            `json:"packet_id,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Clone returns a copy of p that shares the payload bytes but not the
// property map, so per-recipient adjustments don't leak between deliveries.
func (p *Publish) Clone() *Publish {
	c := *p
	if p.Properties != nil {
		c.Properties = maps.Clone(p.Properties)
	}
	return &c
}

// FromType tells where a message originated.
type FromType uint8

const (
	FromClient FromType = iota
	FromSystem
	FromAdmin
	FromLastWill
	FromBridge
	FromCluster
)

func (t FromType) String() string {
	switch t {
	case FromClient:
		return "client"
	case FromSystem:
		return "system"
	case FromAdmin:
		return "admin"
	case FromLastWill:
		return "lastwill"
	case FromBridge:
		return "bridge"
	case FromCluster:
		return "cluster"
	default:
		return "unknown"
	}
}

// From describes the origin of a publish.
type From struct {
	Type FromType `json:"type"`
	ID   ID       `json:"id"`
}

// FromClientID is a shortcut for a client-originated From.
func FromClientID(id ID) From {
	return From{Type: FromClient, ID: id}
}

// To addresses a delivery target.
type To = ID

// Retain is a stored retained message.
type Retain struct {
	From    From      `json:"from"`
	Publish *Publish  `json:"publish"`
	SetAt   time.Time `json:"set_at"`
}
