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

package services

import (
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Webhook is an outbound event subscription. Payloads are signed with
// HMAC-SHA256 under Secret.
type Webhook struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	// EventTypes filters deliveries; an entry may be a full event type
	// or a prefix glob such as "reservation.*". Empty matches all.
	EventTypes []string `json:"event_types,omitempty"`
	Secret     string   `json:"secret"`
	Active     bool     `json:"active"`

	// ConsecutiveFailures counts exhausted deliveries since the last
	// success; reaching the disable threshold deactivates the hook.
	ConsecutiveFailures int  `json:"consecutive_failures"`
	Suspect             bool `json:"suspect"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAndSetDefaults validates the webhook.
func (w *Webhook) CheckAndSetDefaults() error {
	if w.ID == "" {
		return trace.BadParameter("missing webhook id")
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return trace.BadParameter("webhook url must be a valid http(s) url")
	}
	if w.Secret == "" {
		return trace.BadParameter("missing webhook secret")
	}
	return nil
}

// MatchesEvent reports whether the filter admits the event type.
func (w *Webhook) MatchesEvent(eventType string) bool {
	if len(w.EventTypes) == 0 {
		return true
	}
	for _, f := range w.EventTypes {
		if f == eventType {
			return true
		}
		if prefix, ok := strings.CutSuffix(f, "*"); ok && strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// DeliveryStatus is the state of a webhook delivery.
type DeliveryStatus string

const (
	// DeliveryPending is queued or between retries.
	DeliveryPending DeliveryStatus = "pending"
	// DeliverySucceeded got a 2xx response.
	DeliverySucceeded DeliveryStatus = "succeeded"
	// DeliveryFailed exhausted its attempts.
	DeliveryFailed DeliveryStatus = "failed"
)

// WebhookDelivery tracks one event en route to one webhook.
type WebhookDelivery struct {
	ID        string `json:"id"`
	WebhookID string `json:"webhook_id"`
	EventType string `json:"event_type"`
	// Body is the exact signed payload; retries resend it byte for
	// byte.
	Body []byte `json:"body"`

	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	NextRetryAt time.Time      `json:"next_retry_at,omitempty"`
	// LastStatusCode is the HTTP status of the most recent attempt,
	// zero when the attempt failed before a response.
	LastStatusCode int    `json:"last_status_code,omitempty"`
	ResponseBody   string `json:"response_snippet,omitempty"`
	LastError      string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAndSetDefaults validates the delivery row.
func (d *WebhookDelivery) CheckAndSetDefaults() error {
	if d.ID == "" {
		return trace.BadParameter("missing delivery id")
	}
	if d.WebhookID == "" {
		return trace.BadParameter("missing delivery webhook id")
	}
	if d.Status == "" {
		d.Status = DeliveryPending
	}
	switch d.Status {
	case DeliveryPending, DeliverySucceeded, DeliveryFailed:
	default:
		return trace.BadParameter("unknown delivery status %q", d.Status)
	}
	return nil
}
