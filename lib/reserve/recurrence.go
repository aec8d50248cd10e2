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

package reserve

import (
	"time"

	"github.com/bookd/bookd/lib/services"
)

// expand materializes a recurrence rule into concrete intervals,
// bounded by the horizon and the instance cap. The first occurrence is
// always included. Monthly rules reuse the start's day-of-month and
// skip months where it does not exist; weekly rules honour the weekday
// bitmap.
func expand(first services.Interval, rule *services.RecurrenceRule, horizon time.Duration, maxInstances int) []services.Interval {
	duration := first.Duration()
	limit := first.Start.Add(horizon)

	stop := func(start time.Time, produced int) bool {
		if produced >= maxInstances {
			return true
		}
		if !start.Before(limit) {
			return true
		}
		if rule.End == services.EndOnDate && start.After(rule.EndDate.Add(24*time.Hour)) {
			return true
		}
		if rule.End == services.EndAfterCount && produced >= rule.Count {
			return true
		}
		return false
	}
	include := func(start time.Time) bool {
		if rule.End == services.EndOnDate {
			day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
			end := time.Date(rule.EndDate.Year(), rule.EndDate.Month(), rule.EndDate.Day(), 0, 0, 0, 0, time.UTC)
			if day.After(end) {
				return false
			}
		}
		return true
	}

	var out []services.Interval
	emit := func(start time.Time) bool {
		if stop(start, len(out)) {
			return false
		}
		if include(start) {
			out = append(out, services.Interval{Start: start, End: start.Add(duration)})
		}
		return true
	}

	switch rule.Frequency {
	case services.Daily:
		step := time.Duration(rule.Interval) * 24 * time.Hour
		for start := first.Start; emit(start); start = start.Add(step) {
		}

	case services.Weekly:
		// walk day by day; a day qualifies when its week (relative to
		// the first occurrence) is on the interval cadence and its
		// weekday is in the bitmap
		firstDay := first.Start.Truncate(24 * time.Hour)
		clockOffset := first.Start.Sub(firstDay)
		weekAnchor := firstDay.AddDate(0, 0, -int(firstDay.Weekday()))
		for day := firstDay; ; day = day.AddDate(0, 0, 1) {
			weeks := int(day.Sub(weekAnchor) / (7 * 24 * time.Hour))
			if weeks%rule.Interval != 0 {
				continue
			}
			if !rule.OnDay(day.Weekday()) && !day.Equal(firstDay) {
				continue
			}
			if rule.DaysOfWeek == 0 && day.Weekday() != firstDay.Weekday() {
				continue
			}
			start := day.Add(clockOffset)
			if start.Before(first.Start) {
				continue
			}
			if !emit(start) {
				break
			}
		}

	case services.Monthly:
		year, month, day := first.Start.Date()
		hour, minute := first.Start.Hour(), first.Start.Minute()
		for i := 0; ; i += rule.Interval {
			m := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, i, 0)
			if day > daysInMonth(m) {
				// the day does not exist this month; make sure the
				// skipped month still terminates the loop eventually
				if m.After(limit) {
					break
				}
				continue
			}
			start := time.Date(m.Year(), m.Month(), day, hour, minute, 0, 0, time.UTC)
			if !emit(start) {
				break
			}
		}
	}
	return out
}

func daysInMonth(t time.Time) int {
	firstOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return firstOfMonth.AddDate(0, 1, -1).Day()
}
