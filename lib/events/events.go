/*
 * Bookd
 * Copyright (C) 2025  Bookd Authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package events implements the in-process pub/sub bus that fans
// domain events out to WebSocket subscribers and the webhook
// dispatcher.
package events

import (
	"strings"
	"time"
)

// Event is a typed domain event. Data is the JSON-marshalable payload
// pushed to WebSocket clients and webhooks.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`

	// UserID scopes the event to an account (e.g. the reservation
	// owner); empty means not user-scoped.
	UserID string `json:"-"`
	// Resource scopes the event to a resource timeline.
	Resource string `json:"-"`
}

// Match selects which events a subscriber receives.
type Match struct {
	// Topics are event-type filters; an entry may be exact or a prefix
	// glob such as "reservation.*". Empty matches every type.
	Topics []string
	// UserID, when set, admits only events scoped to this user or to
	// one of the watched Resources.
	UserID string
	// Resources are additionally watched resource ids.
	Resources []string
}

// Matches reports whether the event passes the filter.
func (m Match) Matches(e Event) bool {
	if !matchTopic(m.Topics, e.Type) {
		return false
	}
	if m.UserID == "" {
		return true
	}
	if e.UserID == m.UserID {
		return true
	}
	for _, r := range m.Resources {
		if e.Resource != "" && e.Resource == r {
			return true
		}
	}
	return false
}

func matchTopic(topics []string, eventType string) bool {
	if len(topics) == 0 {
		return true
	}
	for _, t := range topics {
		if t == eventType {
			return true
		}
		if prefix, ok := strings.CutSuffix(t, "*"); ok && strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}
