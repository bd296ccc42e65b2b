// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// SharePrefix starts every shared subscription filter.
const SharePrefix = "$share/"

// ParseShared parses a shared subscription filter.
// Format: $share/{ShareName}/{TopicFilter}
// Returns: shareName, topicFilter, isShared
//
// Examples:
//   - "$share/group1/sensors/#" -> ("group1", "sensors/#", true)
//   - "sensors/#" -> ("", "sensors/#", false)
func ParseShared(filter string) (shareName, topicFilter string, isShared bool) {
	if !strings.HasPrefix(filter, SharePrefix) {
		return "", filter, false
	}

	rest := filter[len(SharePrefix):]
	name, topicFilter, ok := strings.Cut(rest, Separator)
	if !ok || name == "" || topicFilter == "" {
		return "", filter, false
	}

	return name, topicFilter, true
}

// IsShared returns true if the filter is a shared subscription.
func IsShared(filter string) bool {
	_, _, ok := ParseShared(filter)
	return ok
}

// JoinShared renders a group and a plain filter back into the $share form.
// An empty group returns the filter unchanged.
func JoinShared(group, filter string) string {
	if group == "" {
		return filter
	}
	return SharePrefix + group + Separator + filter
}
