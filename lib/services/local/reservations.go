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

package local

import (
	"context"
	"fmt"
	"time"

	"github.com/gravitational/trace"

	"github.com/bookd/bookd/lib/backend"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/utils"
)

// ReservationService implements services.Reservations over a backend.
type ReservationService struct {
	bk backend.Backend
}

// NewReservationService returns a reservation service.
func NewReservationService(bk backend.Backend) *ReservationService {
	return &ReservationService{bk: bk}
}

func reservationKey(resourceID, id string) []byte {
	return backend.Key("reservations", "items", resourceID, id)
}
func reservationIndexKey(id string) []byte {
	return backend.Key("reservations", "index", id)
}
func historyKey(reservationID, seq string) []byte {
	return backend.Key("reservations", "history", reservationID, seq)
}
func ruleKey(id string) []byte { return backend.Key("reservations", "rules", id) }

// CreateReservation implements services.Reservations.
func (s *ReservationService) CreateReservation(ctx context.Context, r *services.Reservation) (*services.Reservation, error) {
	if err := r.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := createJSON(ctx, s.bk, reservationKey(r.Resource, r.ID), r); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := createJSON(ctx, s.bk, reservationIndexKey(r.ID), r.Resource); err != nil {
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// CreateReservations implements services.Reservations. The caller holds
// the resource lock; on any insert failure already-written rows of the
// batch are removed so the expansion stays all-or-nothing.
func (s *ReservationService) CreateReservations(ctx context.Context, rs []*services.Reservation) error {
	var written []*services.Reservation
	for _, r := range rs {
		if _, err := s.CreateReservation(ctx, r); err != nil {
			for _, w := range written {
				_ = s.bk.Delete(ctx, reservationKey(w.Resource, w.ID))
				_ = s.bk.Delete(ctx, reservationIndexKey(w.ID))
			}
			return trace.Wrap(err)
		}
		written = append(written, r)
	}
	return nil
}

// GetReservation implements services.Reservations.
func (s *ReservationService) GetReservation(ctx context.Context, resourceID, id string) (*services.Reservation, error) {
	r, err := getJSON[services.Reservation](ctx, s.bk, reservationKey(resourceID, id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("reservation %q is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// FindReservation implements services.Reservations.
func (s *ReservationService) FindReservation(ctx context.Context, id string) (*services.Reservation, error) {
	resourceID, err := getJSON[string](ctx, s.bk, reservationIndexKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("reservation %q is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return s.GetReservation(ctx, *resourceID, id)
}

// UpdateReservation implements services.Reservations.
func (s *ReservationService) UpdateReservation(ctx context.Context, r *services.Reservation) (*services.Reservation, error) {
	if err := r.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := updateJSON(ctx, s.bk, reservationKey(r.Resource, r.ID), r); err != nil {
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// ActiveInWindow implements services.Reservations.
func (s *ReservationService) ActiveInWindow(ctx context.Context, resourceID string, window services.Interval) ([]services.Reservation, error) {
	prefix := backend.Key("reservations", "items", resourceID)
	all, err := rangeJSON[services.Reservation](ctx, s.bk, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []services.Reservation
	for _, r := range all {
		if r.Status != services.ReservationActive {
			continue
		}
		if !r.Interval.Overlaps(window) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ActiveEndingBefore implements services.Reservations.
func (s *ReservationService) ActiveEndingBefore(ctx context.Context, deadline time.Time) ([]services.Reservation, error) {
	prefix := backend.Key("reservations", "items")
	all, err := rangeJSON[services.Reservation](ctx, s.bk, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []services.Reservation
	for _, r := range all {
		if r.Status != services.ReservationActive {
			continue
		}
		if r.Interval.End.After(deadline) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// CountActiveOnDay implements services.Reservations.
func (s *ReservationService) CountActiveOnDay(ctx context.Context, userID string, day time.Time) (int, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	prefix := backend.Key("reservations", "items")
	all, err := rangeJSON[services.Reservation](ctx, s.bk, prefix)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	count := 0
	for _, r := range all {
		if r.Status != services.ReservationActive || r.UserID != userID {
			continue
		}
		if r.Interval.Start.Before(dayStart) || !r.Interval.Start.Before(dayEnd) {
			continue
		}
		count++
	}
	return count, nil
}

// ListUserReservations implements services.Reservations, sorted by
// start time.
func (s *ReservationService) ListUserReservations(ctx context.Context, userID string, params services.ListParams) (*services.Page[services.Reservation], error) {
	prefix := backend.Key("reservations", "items")
	all, err := rangeJSON[services.Reservation](ctx, s.bk, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	mine := all[:0]
	for _, r := range all {
		if r.UserID == userID {
			mine = append(mine, r)
		}
	}
	return paginate(mine, params, func(r services.Reservation) utils.Cursor {
		return utils.Cursor{SortKey: timeKey(r.Interval.Start), ID: r.ID}
	})
}

// AppendHistory implements services.Reservations. History is immutable:
// entries are only ever created under fresh sequence keys.
func (s *ReservationService) AppendHistory(ctx context.Context, entry *services.HistoryEntry) error {
	seq := fmt.Sprintf("%020d-%s", entry.Time.UnixNano(), entry.ID)
	return trace.Wrap(createJSON(ctx, s.bk, historyKey(entry.ReservationID, seq), entry))
}

// GetHistory implements services.Reservations in append order.
func (s *ReservationService) GetHistory(ctx context.Context, reservationID string) ([]services.HistoryEntry, error) {
	prefix := backend.Key("reservations", "history", reservationID)
	return rangeJSON[services.HistoryEntry](ctx, s.bk, prefix)
}

// SaveRecurrenceRule implements services.Reservations.
func (s *ReservationService) SaveRecurrenceRule(ctx context.Context, rule *services.RecurrenceRule) error {
	if err := rule.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(putJSON(ctx, s.bk, ruleKey(rule.ID), rule))
}

// GetRecurrenceRule implements services.Reservations.
func (s *ReservationService) GetRecurrenceRule(ctx context.Context, id string) (*services.RecurrenceRule, error) {
	rule, err := getJSON[services.RecurrenceRule](ctx, s.bk, ruleKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("recurrence rule %q is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return rule, nil
}
