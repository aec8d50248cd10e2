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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/bookd/bookd/lib/httplib"
	"github.com/bookd/bookd/lib/services"
)

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	params, err := httplib.ListParams(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	page, err := h.cfg.Notifications.ListNotifications(r.Context(), user.ID, params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return page, nil
}

// markNotificationsRead marks the listed notifications read, or every
// unread one when all is set.
func (h *Handler) markNotificationsRead(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	var req struct {
		IDs []string `json:"ids"`
		All bool     `json:"all"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if !req.All && len(req.IDs) == 0 {
		return nil, trace.BadParameter("either ids or all is required")
	}
	marked := 0
	if req.All {
		n, err := h.cfg.Notifications.MarkAllRead(r.Context(), user.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		marked = n
	} else {
		for _, id := range req.IDs {
			if err := h.cfg.Notifications.MarkRead(r.Context(), user.ID, id); err != nil {
				return nil, trace.Wrap(err)
			}
			marked++
		}
	}
	return struct {
		Marked int `json:"marked"`
	}{Marked: marked}, nil
}
