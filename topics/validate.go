// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Common validation errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

// ValidateTopicName checks if the topic name is valid for PUBLISH (no wildcards).
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, SingleLevel+MultiLevel) {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	if strings.Contains(topic, "\u0000") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter checks a SUBSCRIBE filter, shared form included.
// '+' and '#' must occupy a whole level and '#' must be the last level.
func ValidateTopicFilter(filter string) error {
	if strings.HasPrefix(filter, SharePrefix) {
		group, plain, ok := ParseShared(filter)
		if !ok || ValidateShareName(group) != nil {
			return ErrInvalidTopicFilter
		}
		filter = plain
	}
	if filter == "" || !utf8.ValidString(filter) || strings.Contains(filter, "\u0000") {
		return ErrInvalidTopicFilter
	}

	levels := Levels(filter)
	for i, level := range levels {
		switch {
		case level == MultiLevel:
			if i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		case level == SingleLevel:
		case strings.ContainsAny(level, SingleLevel+MultiLevel):
			return ErrInvalidTopicFilter
		}
	}
	return nil
}

// ValidateShareName checks a shared subscription group name. It must be
// non-empty and free of separators and wildcards.
func ValidateShareName(group string) error {
	if group == "" || !utf8.ValidString(group) || strings.ContainsAny(group, Separator+SingleLevel+MultiLevel+"\u0000") {
		return ErrInvalidTopicFilter
	}
	return nil
}
