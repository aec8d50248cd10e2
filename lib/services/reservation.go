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
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
)

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	// ReservationActive occupies its interval on the resource timeline.
	ReservationActive ReservationStatus = "active"
	// ReservationCancelled was released by its owner or an admin.
	ReservationCancelled ReservationStatus = "cancelled"
	// ReservationExpired ran to the end of its interval.
	ReservationExpired ReservationStatus = "expired"
)

// Reservation is a booking of a resource for a half-open interval.
// Among active reservations on a resource, intervals are pairwise
// disjoint.
type Reservation struct {
	ID       string            `json:"id"`
	UserID   string            `json:"user_id"`
	Resource string            `json:"resource_id"`
	Interval Interval          `json:"interval"`
	Status   ReservationStatus `json:"status"`

	// RecurrenceRuleID links instances expanded from the same rule.
	RecurrenceRuleID string `json:"recurrence_rule_id,omitempty"`
	// ParentID is the first instance of a recurring batch.
	ParentID string `json:"parent_reservation_id,omitempty"`

	CreatedAt          time.Time `json:"created_at"`
	CancelledAt        time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string    `json:"cancellation_reason,omitempty"`
}

// CheckAndSetDefaults validates the reservation.
func (r *Reservation) CheckAndSetDefaults() error {
	if r.ID == "" {
		return trace.BadParameter("missing reservation id")
	}
	if r.UserID == "" {
		return trace.BadParameter("missing reservation user")
	}
	if r.Resource == "" {
		return trace.BadParameter("missing reservation resource")
	}
	if err := r.Interval.Check(); err != nil {
		return trace.Wrap(err)
	}
	if r.Status == "" {
		r.Status = ReservationActive
	}
	switch r.Status {
	case ReservationActive, ReservationCancelled, ReservationExpired:
	default:
		return trace.BadParameter("unknown reservation status %q", r.Status)
	}
	return nil
}

// Frequency is a recurrence cadence.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// RecurrenceEnd is the rule termination policy.
type RecurrenceEnd string

const (
	// EndNever stops only at the expansion horizon.
	EndNever RecurrenceEnd = "never"
	// EndOnDate stops at a given date (inclusive).
	EndOnDate RecurrenceEnd = "on_date"
	// EndAfterCount stops after a fixed number of occurrences.
	EndAfterCount RecurrenceEnd = "after_count"
)

// RecurrenceRule describes how a reservation repeats. Weekly rules
// honour the DaysOfWeek bitmap (bit 0 = Sunday, matching time.Weekday);
// monthly rules reuse the start's day-of-month and skip months where it
// does not exist.
type RecurrenceRule struct {
	ID        string    `json:"id"`
	Frequency Frequency `json:"frequency"`
	// Interval is the multiplier of the frequency, e.g. every 2 weeks.
	Interval int `json:"interval"`
	// DaysOfWeek is a weekday bitmap for weekly rules.
	DaysOfWeek uint8         `json:"days_of_week,omitempty"`
	End        RecurrenceEnd `json:"end_policy"`
	EndDate    time.Time     `json:"end_date,omitempty"`
	Count      int           `json:"count,omitempty"`
}

// CheckAndSetDefaults validates the rule.
func (r *RecurrenceRule) CheckAndSetDefaults() error {
	if r.ID == "" {
		return trace.BadParameter("missing recurrence rule id")
	}
	switch r.Frequency {
	case Daily, Weekly, Monthly:
	default:
		return trace.BadParameter("unknown recurrence frequency %q", r.Frequency)
	}
	if r.Interval < 1 {
		return trace.BadParameter("recurrence interval must be >= 1")
	}
	if r.End == "" {
		r.End = EndNever
	}
	switch r.End {
	case EndNever:
	case EndOnDate:
		if r.EndDate.IsZero() {
			return trace.BadParameter("on_date recurrence requires an end date")
		}
	case EndAfterCount:
		if r.Count < 1 {
			return trace.BadParameter("after_count recurrence requires a positive count")
		}
	default:
		return trace.BadParameter("unknown recurrence end policy %q", r.End)
	}
	if r.Frequency == Weekly && r.DaysOfWeek > 0x7f {
		return trace.BadParameter("days_of_week bitmap has unknown bits set")
	}
	return nil
}

// OnDay reports whether the weekly bitmap includes the given weekday.
// An empty bitmap means "the weekday of the first occurrence".
func (r *RecurrenceRule) OnDay(d time.Weekday) bool {
	if r.DaysOfWeek == 0 {
		return true
	}
	return r.DaysOfWeek&(1<<uint(d)) != 0
}

// HistoryEntry is an immutable audit record appended on every
// reservation transition.
type HistoryEntry struct {
	ID            string          `json:"id"`
	ReservationID string          `json:"reservation_id"`
	Action        string          `json:"action"`
	Actor         string          `json:"actor"`
	Time          time.Time       `json:"timestamp"`
	Details       json.RawMessage `json:"details,omitempty"`
}
