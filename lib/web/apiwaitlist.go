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
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/waitlist"
)

func (h *Handler) joinWaitlist(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindWaitlist, auth.ActionCreate); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Resource     string    `json:"resource_id"`
		Start        time.Time `json:"start_time"`
		End          time.Time `json:"end_time"`
		FlexibleTime bool      `json:"flexible_time"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	desired, err := services.NewInterval(req.Start, req.End)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	entry, err := h.cfg.Waitlist.Join(r.Context(), waitlist.JoinRequest{
		UserID:       user.ID,
		Resource:     req.Resource,
		Desired:      desired,
		FlexibleTime: req.FlexibleTime,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entry, nil
}

func (h *Handler) myWaitlist(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	entries, err := h.cfg.Waitlist.ListUserEntries(r.Context(), user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		Entries []services.WaitlistEntry `json:"entries"`
	}{Entries: entries}, nil
}

// acceptOffer converts an outstanding offer into a reservation.
func (h *Handler) acceptOffer(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	reservation, err := h.cfg.Waitlist.Accept(r.Context(), user, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return reservation, nil
}

func (h *Handler) leaveWaitlist(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := h.cfg.Waitlist.Leave(r.Context(), user, p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("left waitlist"), nil
}
