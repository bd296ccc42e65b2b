// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const (
	// Separator splits topic levels.
	Separator = "/"
	// SingleLevel matches exactly one level.
	SingleLevel = "+"
	// MultiLevel matches the parent level and any number of child levels.
	MultiLevel = "#"
)

// Levels splits a topic or filter into its levels.
func Levels(s string) []string {
	return strings.Split(s, Separator)
}

// IsSystem reports whether topic is a '$'-prefixed topic. Such topics are
// not matched by filters whose first level is a wildcard.
func IsSystem(topic string) bool {
	return strings.HasPrefix(topic, "$")
}

// TopicMatch checks if the topic matches the given filter according to MQTT wildcard rules.
// Rules:
// - filter can contain '+' (single level wildcard) and '#' (multi-level wildcard at end).
// - topic must not contain wildcards.
// - '$' prefix topics only match filters that name their first level explicitly.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := Levels(filter)
	topicLevels := Levels(topic)

	if IsSystem(topic) && (filterLevels[0] == SingleLevel || filterLevels[0] == MultiLevel) {
		return false
	}

	for i, fLevel := range filterLevels {
		if fLevel == MultiLevel {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if fLevel == SingleLevel {
			continue
		}
		if fLevel != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
