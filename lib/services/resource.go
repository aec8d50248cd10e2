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
	"time"

	"github.com/gravitational/trace"

	"github.com/bookd/bookd/lib/defaults"
)

// ResourceStatus is the administrative/live state of a resource.
type ResourceStatus string

const (
	// ResourceAvailable accepts reservations.
	ResourceAvailable ResourceStatus = "available"
	// ResourceInUse is covered by an active reservation right now.
	ResourceInUse ResourceStatus = "in_use"
	// ResourceUnavailable was taken out of service by an admin.
	ResourceUnavailable ResourceStatus = "unavailable"
)

// Resource is a shared bookable entity: a room, a vehicle, a piece of
// equipment.
type Resource struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Status      ResourceStatus `json:"status"`

	// BaseAvailable gates all booking; false hides the resource from
	// availability regardless of status.
	BaseAvailable bool `json:"base_available"`

	// AutoResetHours returns an unavailable resource to available after
	// this many hours. Zero disables auto reset.
	AutoResetHours int `json:"auto_reset_hours,omitempty"`
	// UnavailableSince is set when status transitions to unavailable.
	UnavailableSince time.Time `json:"unavailable_since,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAndSetDefaults validates the resource.
func (r *Resource) CheckAndSetDefaults() error {
	if r.ID == "" {
		return trace.BadParameter("missing resource id")
	}
	if len(r.Name) == 0 || len(r.Name) > defaults.MaxResourceNameLength {
		return trace.BadParameter("resource name must be 1-%d characters", defaults.MaxResourceNameLength)
	}
	if r.Status == "" {
		r.Status = ResourceAvailable
	}
	switch r.Status {
	case ResourceAvailable, ResourceInUse, ResourceUnavailable:
	default:
		return trace.BadParameter("unknown resource status %q", r.Status)
	}
	if r.AutoResetHours < 0 {
		return trace.BadParameter("auto_reset_hours must be >= 0")
	}
	return nil
}

// HasTag reports whether the resource carries the given tag.
func (r *Resource) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// DayHours is the opening window for a single weekday. Open and Close
// are minutes from midnight; Closed marks the whole day off.
type DayHours struct {
	Open   int  `json:"open"`
	Close  int  `json:"close"`
	Closed bool `json:"closed"`
}

// BusinessHours is the weekly opening schedule, per resource or global.
// A per-resource row overrides the global one. Days is indexed by
// time.Weekday.
type BusinessHours struct {
	// ResourceID is empty for the global schedule.
	ResourceID string      `json:"resource_id,omitempty"`
	Days       [7]DayHours `json:"days"`
	// Enforced gates whether reservations must fall within the hours.
	Enforced bool `json:"enforced"`
}

// CheckAndSetDefaults validates the schedule.
func (b *BusinessHours) CheckAndSetDefaults() error {
	for i, d := range b.Days {
		if d.Closed {
			continue
		}
		if d.Open < 0 || d.Close > 24*60 || d.Open >= d.Close {
			return trace.BadParameter("invalid business hours for %v", time.Weekday(i))
		}
	}
	return nil
}

// WindowOn returns the open window for the given day, or false when
// closed. The window is expressed as an interval on that calendar day
// in UTC.
func (b *BusinessHours) WindowOn(day time.Time) (Interval, bool) {
	d := b.Days[int(day.Weekday())]
	if d.Closed {
		return Interval{}, false
	}
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return Interval{
		Start: midnight.Add(time.Duration(d.Open) * time.Minute),
		End:   midnight.Add(time.Duration(d.Close) * time.Minute),
	}, true
}

// BlackoutDate removes a calendar date from availability, either for a
// single resource or globally.
type BlackoutDate struct {
	ID string `json:"id"`
	// Date is midnight UTC of the blacked-out day.
	Date time.Time `json:"date"`
	// ResourceID is empty for a global blackout.
	ResourceID string `json:"resource_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// CheckAndSetDefaults validates the blackout.
func (b *BlackoutDate) CheckAndSetDefaults() error {
	if b.ID == "" {
		return trace.BadParameter("missing blackout id")
	}
	if b.Date.IsZero() {
		return trace.BadParameter("missing blackout date")
	}
	b.Date = b.Date.UTC().Truncate(24 * time.Hour)
	return nil
}

// Window returns the full-day interval covered by the blackout.
func (b *BlackoutDate) Window() Interval {
	return Interval{Start: b.Date, End: b.Date.Add(24 * time.Hour)}
}

// AppliesTo reports whether the blackout covers the given resource.
func (b *BlackoutDate) AppliesTo(resourceID string) bool {
	return b.ResourceID == "" || b.ResourceID == resourceID
}
