// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	ErrLocked             = errors.New("session entry is locked by another owner")
	ErrNotLocked          = errors.New("session entry lock was released")
	ErrNotLocal           = errors.New("session entry belongs to another node")
	ErrInvalidSession     = errors.New("session, tx and client must be set and match the entry id")
	ErrOnline             = errors.New("session entry already has a live connection")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSharedNotSupported = errors.New("shared subscriptions are disabled on this listener")
)
