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

// Package avail projects base availability, business hours, blackout
// dates and live reservations into queryable schedules and
// next-available answers.
package avail

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/services"
)

// Reasons a schedule segment is unavailable.
const (
	ReasonReserved = "reserved"
	ReasonClosed   = "closed"
	ReasonBlackout = "blackout"
	ReasonDisabled = "disabled"
)

// Slot is one segment of a projected schedule.
type Slot struct {
	Start     time.Time `json:"slot_start"`
	End       time.Time `json:"slot_end"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
}

// Summary counts resources by their live state.
type Summary struct {
	AvailableNow int `json:"available_now"`
	Reserved     int `json:"currently_reserved"`
	Unavailable  int `json:"unavailable"`
}

// Config holds projector parameters.
type Config struct {
	Resources    services.Resources
	Reservations services.Reservations

	// Horizon bounds the next-available search.
	Horizon time.Duration
	// Granularity is the default schedule slot size.
	Granularity time.Duration

	Clock clockwork.Clock
	Log   *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Resources == nil {
		return trace.BadParameter("missing resources service")
	}
	if c.Reservations == nil {
		return trace.BadParameter("missing reservations service")
	}
	if c.Horizon == 0 {
		c.Horizon = defaults.ProjectionHorizon
	}
	if c.Granularity == 0 {
		c.Granularity = defaults.ScheduleGranularity
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(bookd.ComponentKey, bookd.ComponentAvail)
	}
	return nil
}

// Projector answers availability queries. It holds no locks; it reads
// whatever the scheduler last committed.
type Projector struct {
	cfg Config
}

// NewProjector returns an availability projector.
func NewProjector(cfg Config) (*Projector, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Projector{cfg: cfg}, nil
}

// view is the raw material of one projection query.
type view struct {
	resource     *services.Resource
	hours        *services.BusinessHours
	blackouts    []services.BlackoutDate
	reservations []services.Reservation
}

func (p *Projector) load(ctx context.Context, resourceID string, window services.Interval) (*view, error) {
	resource, err := p.cfg.Resources.GetResource(ctx, resourceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	hours, err := p.cfg.Resources.GetBusinessHours(ctx, resourceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	blackouts, err := p.cfg.Resources.ListBlackouts(ctx, resourceID, window)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	reservations, err := p.cfg.Reservations.ActiveInWindow(ctx, resourceID, window)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &view{resource: resource, hours: hours, blackouts: blackouts, reservations: reservations}, nil
}

func (v *view) disabled() bool {
	return !v.resource.BaseAvailable || v.resource.Status == services.ResourceUnavailable
}

// classify returns availability and reason for a single slot.
// Precedence: disabled, closed, blackout, reserved.
func (v *view) classify(slot services.Interval) (bool, string) {
	if v.disabled() {
		return false, ReasonDisabled
	}
	if v.hours != nil && v.hours.Enforced {
		for day := slot.Start.Truncate(24 * time.Hour); day.Before(slot.End); day = day.Add(24 * time.Hour) {
			part, ok := slot.Clip(services.Interval{Start: day, End: day.Add(24 * time.Hour)})
			if !ok {
				continue
			}
			open, ok := v.hours.WindowOn(day)
			if !ok || part.Start.Before(open.Start) || part.End.After(open.End) {
				return false, ReasonClosed
			}
		}
	}
	for _, b := range v.blackouts {
		if b.Window().Overlaps(slot) {
			return false, ReasonBlackout
		}
	}
	for _, r := range v.reservations {
		if r.Interval.Overlaps(slot) {
			return false, ReasonReserved
		}
	}
	return true, ""
}

// busy returns the union of everything removing time from the window:
// closed hours, blackouts and reservations.
func (v *view) busy(window services.Interval) []services.Interval {
	var out []services.Interval
	if v.hours != nil && v.hours.Enforced {
		for day := window.Start.Truncate(24 * time.Hour); day.Before(window.End); day = day.Add(24 * time.Hour) {
			dayWindow := services.Interval{Start: day, End: day.Add(24 * time.Hour)}
			open, ok := v.hours.WindowOn(day)
			if !ok {
				out = append(out, dayWindow)
				continue
			}
			if open.Start.After(day) {
				out = append(out, services.Interval{Start: day, End: open.Start})
			}
			if open.End.Before(dayWindow.End) {
				out = append(out, services.Interval{Start: open.End, End: dayWindow.End})
			}
		}
	}
	for _, b := range v.blackouts {
		out = append(out, b.Window())
	}
	for _, r := range v.reservations {
		out = append(out, r.Interval)
	}
	return out
}

// Schedule projects the window into fixed-size slots with availability
// and a reason for each unavailable segment.
func (p *Projector) Schedule(ctx context.Context, resourceID string, window services.Interval, granularity time.Duration) ([]Slot, error) {
	if err := window.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if granularity <= 0 {
		granularity = p.cfg.Granularity
	}
	v, err := p.load(ctx, resourceID, window)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var slots []Slot
	for start := window.Start; start.Before(window.End); start = start.Add(granularity) {
		end := start.Add(granularity)
		if end.After(window.End) {
			end = window.End
		}
		slot := services.Interval{Start: start, End: end}
		available, reason := v.classify(slot)
		slots = append(slots, Slot{Start: start, End: end, Available: available, Reason: reason})
	}
	return slots, nil
}

// AvailableSlots returns the merged free sub-intervals of the given
// UTC date.
func (p *Projector) AvailableSlots(ctx context.Context, resourceID string, date time.Time) ([]services.Interval, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	window := services.Interval{Start: day, End: day.Add(24 * time.Hour)}
	v, err := p.load(ctx, resourceID, window)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if v.disabled() {
		return nil, nil
	}
	return subtract(window, v.busy(window)), nil
}

// NextAvailable returns the earliest start at or after now of a free
// stretch lasting at least minDuration. Nil when nothing fits within
// the projection horizon.
func (p *Projector) NextAvailable(ctx context.Context, resourceID string, minDuration time.Duration) (*time.Time, error) {
	if minDuration <= 0 {
		return nil, trace.BadParameter("min duration must be positive")
	}
	now := p.cfg.Clock.Now().UTC().Truncate(time.Minute)
	window := services.Interval{Start: now, End: now.Add(p.cfg.Horizon)}
	v, err := p.load(ctx, resourceID, window)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if v.disabled() {
		return nil, nil
	}
	for _, free := range subtract(window, v.busy(window)) {
		if free.Duration() >= minDuration {
			start := free.Start
			return &start, nil
		}
	}
	return nil, nil
}

// Status reports the live state of one resource.
func (p *Projector) Status(ctx context.Context, resourceID string) (services.ResourceStatus, error) {
	now := p.cfg.Clock.Now().UTC()
	v, err := p.load(ctx, resourceID, services.Interval{Start: now.Add(-time.Minute), End: now.Add(time.Minute)})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if v.disabled() {
		return services.ResourceUnavailable, nil
	}
	for _, r := range v.reservations {
		if r.Interval.Contains(now) {
			return services.ResourceInUse, nil
		}
	}
	return services.ResourceAvailable, nil
}

// Summary counts resources available now, currently reserved, and
// administratively unavailable.
func (p *Projector) Summary(ctx context.Context) (*Summary, error) {
	now := p.cfg.Clock.Now().UTC()
	nowWindow := services.Interval{Start: now.Add(-time.Minute), End: now.Add(time.Minute)}
	out := &Summary{}
	params := services.ListParams{Limit: defaults.MaxPageSize}
	for {
		page, err := p.cfg.Resources.ListResources(ctx, services.ResourceFilter{}, params)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for i := range page.Items {
			r := &page.Items[i]
			if !r.BaseAvailable || r.Status == services.ResourceUnavailable {
				out.Unavailable++
				continue
			}
			active, err := p.cfg.Reservations.ActiveInWindow(ctx, r.ID, nowWindow)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			reserved := false
			for _, a := range active {
				if a.Interval.Contains(now) {
					reserved = true
					break
				}
			}
			if reserved {
				out.Reserved++
			} else {
				out.AvailableNow++
			}
		}
		if !page.HasMore {
			return out, nil
		}
		params.Cursor = page.NextCursor
	}
}

// subtract removes the busy intervals from the window and returns the
// remaining free stretches in order.
func subtract(window services.Interval, busy []services.Interval) []services.Interval {
	merged := mergeIntervals(busy)
	var free []services.Interval
	cursor := window.Start
	for _, b := range merged {
		clipped, ok := b.Clip(window)
		if !ok {
			continue
		}
		if clipped.Start.After(cursor) {
			free = append(free, services.Interval{Start: cursor, End: clipped.Start})
		}
		if clipped.End.After(cursor) {
			cursor = clipped.End
		}
	}
	if cursor.Before(window.End) {
		free = append(free, services.Interval{Start: cursor, End: window.End})
	}
	return free
}

// mergeIntervals sorts and coalesces overlapping or touching intervals.
func mergeIntervals(in []services.Interval) []services.Interval {
	if len(in) == 0 {
		return nil
	}
	sorted := make([]services.Interval, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })
	out := []services.Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}
