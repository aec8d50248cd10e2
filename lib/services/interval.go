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
)

// Interval is a half-open time window [Start, End) with minute
// granularity. All times are UTC.
type Interval struct {
	Start time.Time `json:"start_time"`
	End   time.Time `json:"end_time"`
}

// NewInterval builds a validated interval.
func NewInterval(start, end time.Time) (Interval, error) {
	iv := Interval{Start: start.UTC(), End: end.UTC()}
	if err := iv.Check(); err != nil {
		return Interval{}, trace.Wrap(err)
	}
	return iv, nil
}

// Check verifies interval ordering and minute alignment.
func (i Interval) Check() error {
	if i.Start.IsZero() || i.End.IsZero() {
		return trace.BadParameter("interval start and end are required")
	}
	if !i.Start.Before(i.End) {
		return trace.BadParameter("interval start must be before end")
	}
	if !i.Start.Equal(i.Start.Truncate(time.Minute)) || !i.End.Equal(i.End.Truncate(time.Minute)) {
		return trace.BadParameter("interval endpoints must be aligned to minute boundaries")
	}
	return nil
}

// Duration returns the interval length.
func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Overlaps reports whether the two half-open intervals intersect.
// Touching endpoints do not overlap.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start.Before(other.End) && other.Start.Before(i.End)
}

// Contains reports whether t falls within [Start, End).
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

// Clip returns the intersection of the two intervals and whether it is
// non-empty.
func (i Interval) Clip(other Interval) (Interval, bool) {
	out := i
	if other.Start.After(out.Start) {
		out.Start = other.Start
	}
	if other.End.Before(out.End) {
		out.End = other.End
	}
	if !out.Start.Before(out.End) {
		return Interval{}, false
	}
	return out, true
}
