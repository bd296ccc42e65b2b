// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

// SessionStatus is the coarse state of a client identity.
type SessionStatus int

const (
	StatusAbsent SessionStatus = iota
	StatusOffline
	StatusOnline
)

func (s SessionStatus) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusOffline:
		return "offline"
	case StatusOnline:
		return "online"
	default:
		return "unknown"
	}
}

// Liveness is a tri-state online hint. Unknown means the caller must ask.
type Liveness int8

const (
	LivenessUnknown Liveness = iota
	LivenessOnline
	LivenessOffline
)

// LivenessOf converts a known boolean into a Liveness.
func LivenessOf(online bool) Liveness {
	if online {
		return LivenessOnline
	}
	return LivenessOffline
}

func (l Liveness) String() string {
	switch l {
	case LivenessOnline:
		return "online"
	case LivenessOffline:
		return "offline"
	default:
		return "unknown"
	}
}
