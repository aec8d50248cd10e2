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

package web

import (
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/bookd/bookd/lib/auth"
	"github.com/bookd/bookd/lib/httplib"
	"github.com/bookd/bookd/lib/reserve"
	"github.com/bookd/bookd/lib/services"
)

// recurrenceRequest is the wire form of a recurrence rule on a create
// request. DaysOfWeek entries follow time.Weekday: 0 is Sunday.
type recurrenceRequest struct {
	Frequency  services.Frequency     `json:"frequency"`
	Interval   int                    `json:"interval"`
	DaysOfWeek []int                  `json:"days_of_week"`
	End        services.RecurrenceEnd `json:"end_policy"`
	EndDate    time.Time              `json:"end_date"`
	Count      int                    `json:"count"`
}

func (r *recurrenceRequest) rule() (services.RecurrenceRule, error) {
	rule := services.RecurrenceRule{
		Frequency: r.Frequency,
		Interval:  r.Interval,
		End:       r.End,
		EndDate:   r.EndDate,
		Count:     r.Count,
	}
	if rule.Interval == 0 {
		rule.Interval = 1
	}
	for _, d := range r.DaysOfWeek {
		if d < 0 || d > 6 {
			return rule, trace.BadParameter("days_of_week entries must be 0-6, got %d", d)
		}
		rule.DaysOfWeek |= 1 << uint(d)
	}
	return rule, nil
}

// createReservation books a single interval, or a recurring batch when
// the body carries a recurrence block.
func (h *Handler) createReservation(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindReservation, auth.ActionCreate); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Resource   string             `json:"resource_id"`
		Start      time.Time          `json:"start_time"`
		End        time.Time          `json:"end_time"`
		Recurrence *recurrenceRequest `json:"recurrence"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	interval, err := services.NewInterval(req.Start, req.End)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Recurrence == nil {
		created, err := h.cfg.Reserve.Create(r.Context(), reserve.CreateRequest{
			UserID:   user.ID,
			Resource: req.Resource,
			Interval: interval,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return created, nil
	}
	rule, err := req.Recurrence.rule()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Reserve.CreateRecurring(r.Context(), reserve.RecurringRequest{
		UserID:   user.ID,
		Resource: req.Resource,
		First:    interval,
		Rule:     rule,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		Reservations []services.Reservation `json:"reservations"`
		Count        int                    `json:"count"`
	}{Reservations: created, Count: len(created)}, nil
}

func (h *Handler) myReservations(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	params, err := httplib.ListParams(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	page, err := h.cfg.Reservations.ListUserReservations(r.Context(), user.ID, params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return page, nil
}

func (h *Handler) cancelReservation(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	var req struct {
		Reason string `json:"reason"`
	}
	// the body is optional on cancellation
	if r.ContentLength > 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	cancelled, err := h.cfg.Reserve.Cancel(r.Context(), user, p.ByName("id"), req.Reason)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cancelled, nil
}

func (h *Handler) reservationHistory(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	reservation, err := h.cfg.Reservations.FindReservation(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if reservation.UserID != user.ID {
		if err := auth.CheckAccess(user, auth.KindReservation, auth.ActionAdmin); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	history, err := h.cfg.Reserve.History(r.Context(), reservation.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		ReservationID string                  `json:"reservation_id"`
		History       []services.HistoryEntry `json:"history"`
	}{ReservationID: reservation.ID, History: history}, nil
}
