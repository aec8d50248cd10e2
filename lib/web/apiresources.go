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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/auth"
	"github.com/bookd/bookd/lib/avail"
	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/events"
	"github.com/bookd/bookd/lib/httplib"
	"github.com/bookd/bookd/lib/services"
)

// listResources serves both plain listings and searches; filters come
// in as query, tags and status query parameters.
func (h *Handler) listResources(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindResource, auth.ActionRead); err != nil {
		return nil, trace.Wrap(err)
	}
	params, err := httplib.ListParams(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	filter := services.ResourceFilter{
		Query:  r.URL.Query().Get("query"),
		Status: services.ResourceStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("tags"); raw != "" {
		filter.Tags = strings.Split(raw, ",")
	}
	page, err := h.cfg.Resources.ListResources(r.Context(), filter, params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return page, nil
}

func (h *Handler) createResource(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindResource, auth.ActionCreate); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Name           string   `json:"name"`
		Description    string   `json:"description"`
		Tags           []string `json:"tags"`
		BaseAvailable  *bool    `json:"base_available"`
		AutoResetHours int      `json:"auto_reset_hours"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	now := h.cfg.Clock.Now().UTC()
	resource := &services.Resource{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Description:    req.Description,
		Tags:           req.Tags,
		Status:         services.ResourceAvailable,
		BaseAvailable:  true,
		AutoResetHours: req.AutoResetHours,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.BaseAvailable != nil {
		resource.BaseAvailable = *req.BaseAvailable
	}
	created, err := h.cfg.Resources.CreateResource(r.Context(), resource)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.publishResourceUpdated(created)
	return created, nil
}

func (h *Handler) getResource(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindResource, auth.ActionRead); err != nil {
		return nil, trace.Wrap(err)
	}
	resource, err := h.cfg.Resources.GetResource(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resource, nil
}

func (h *Handler) updateResource(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindResource, auth.ActionUpdate); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Name           *string                  `json:"name"`
		Description    *string                  `json:"description"`
		Tags           *[]string                `json:"tags"`
		Status         *services.ResourceStatus `json:"status"`
		BaseAvailable  *bool                    `json:"base_available"`
		AutoResetHours *int                     `json:"auto_reset_hours"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	resource, err := h.cfg.Resources.GetResource(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := h.cfg.Clock.Now().UTC()
	if req.Name != nil {
		resource.Name = *req.Name
	}
	if req.Description != nil {
		resource.Description = *req.Description
	}
	if req.Tags != nil {
		resource.Tags = *req.Tags
	}
	if req.BaseAvailable != nil {
		resource.BaseAvailable = *req.BaseAvailable
	}
	if req.AutoResetHours != nil {
		resource.AutoResetHours = *req.AutoResetHours
	}
	if req.Status != nil && *req.Status != resource.Status {
		resource.Status = *req.Status
		if *req.Status == services.ResourceUnavailable {
			resource.UnavailableSince = now
		} else {
			resource.UnavailableSince = time.Time{}
		}
	}
	resource.UpdatedAt = now
	updated, err := h.cfg.Resources.UpdateResource(r.Context(), resource)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.publishResourceUpdated(updated)
	return updated, nil
}

func (h *Handler) publishResourceUpdated(resource *services.Resource) {
	h.cfg.Bus.Publish(events.Event{
		Type:     bookd.EventResourceUpdated,
		Data:     resource,
		Resource: resource.ID,
	})
}

// resourceSchedule projects the timeline into classified slots. The
// window defaults to the coming week.
func (h *Handler) resourceSchedule(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindResource, auth.ActionRead); err != nil {
		return nil, trace.Wrap(err)
	}
	now := h.cfg.Clock.Now().UTC().Truncate(time.Minute)
	window := services.Interval{Start: now, End: now.Add(7 * 24 * time.Hour)}
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if window.Start, err = time.Parse(time.RFC3339, raw); err != nil {
			return nil, trace.BadParameter("invalid from timestamp: %v", err)
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if window.End, err = time.Parse(time.RFC3339, raw); err != nil {
			return nil, trace.BadParameter("invalid to timestamp: %v", err)
		}
	}
	granularity := defaults.ScheduleGranularity
	if raw := r.URL.Query().Get("granularity"); raw != "" {
		if granularity, err = time.ParseDuration(raw); err != nil || granularity <= 0 {
			return nil, trace.BadParameter("invalid granularity %q", raw)
		}
	}
	slots, err := h.cfg.Projector.Schedule(r.Context(), p.ByName("id"), window, granularity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		ResourceID string            `json:"resource_id"`
		Window     services.Interval `json:"window"`
		Slots      []avail.Slot      `json:"slots"`
	}{ResourceID: p.ByName("id"), Window: window, Slots: slots}, nil
}

func (h *Handler) resourceAvailableSlots(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindResource, auth.ActionRead); err != nil {
		return nil, trace.Wrap(err)
	}
	date := h.cfg.Clock.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		var err error
		if date, err = time.Parse("2006-01-02", raw); err != nil {
			return nil, trace.BadParameter("date must look like 2006-01-02")
		}
	}
	slots, err := h.cfg.Projector.AvailableSlots(r.Context(), p.ByName("id"), date)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		ResourceID string              `json:"resource_id"`
		Date       string              `json:"date"`
		Slots      []services.Interval `json:"slots"`
	}{ResourceID: p.ByName("id"), Date: date.Format("2006-01-02"), Slots: slots}, nil
}

func (h *Handler) resourceNextAvailable(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindResource, auth.ActionRead); err != nil {
		return nil, trace.Wrap(err)
	}
	minDuration := defaults.MinReservationDuration
	if raw := r.URL.Query().Get("duration"); raw != "" {
		var err error
		if minDuration, err = time.ParseDuration(raw); err != nil || minDuration <= 0 {
			return nil, trace.BadParameter("invalid duration %q", raw)
		}
	}
	next, err := h.cfg.Projector.NextAvailable(r.Context(), p.ByName("id"), minDuration)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		ResourceID    string     `json:"resource_id"`
		NextAvailable *time.Time `json:"next_available"`
	}{ResourceID: p.ByName("id"), NextAvailable: next}, nil
}

func (h *Handler) resourceStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindResource, auth.ActionRead); err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := h.cfg.Projector.Status(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		ResourceID string                  `json:"resource_id"`
		Status     services.ResourceStatus `json:"status"`
	}{ResourceID: p.ByName("id"), Status: status}, nil
}

func (h *Handler) availabilitySummary(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindResource, auth.ActionRead); err != nil {
		return nil, trace.Wrap(err)
	}
	summary, err := h.cfg.Projector.Summary(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return summary, nil
}

func (h *Handler) resourceWaitlist(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindWaitlist, auth.ActionRead); err != nil {
		return nil, trace.Wrap(err)
	}
	queue, err := h.cfg.Waitlist.ListQueue(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		ResourceID string                   `json:"resource_id"`
		Entries    []services.WaitlistEntry `json:"entries"`
	}{ResourceID: p.ByName("id"), Entries: queue}, nil
}

func (h *Handler) setBusinessHours(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	return h.putHours(r, user, p.ByName("id"))
}

func (h *Handler) setGlobalHours(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	return h.putHours(r, user, "")
}

func (h *Handler) putHours(r *http.Request, user *services.User, resourceID string) (any, error) {
	if err := auth.CheckAccess(user, auth.KindResource, auth.ActionUpdate); err != nil {
		return nil, trace.Wrap(err)
	}
	var hours services.BusinessHours
	if err := httplib.ReadJSON(r, &hours); err != nil {
		return nil, trace.Wrap(err)
	}
	hours.ResourceID = resourceID
	if err := hours.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if resourceID != "" {
		if _, err := h.cfg.Resources.GetResource(r.Context(), resourceID); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := h.cfg.Resources.SetBusinessHours(r.Context(), &hours); err != nil {
		return nil, trace.Wrap(err)
	}
	return hours, nil
}

func (h *Handler) createBlackout(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindResource, auth.ActionUpdate); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Date       string `json:"date"`
		ResourceID string `json:"resource_id"`
		Reason     string `json:"reason"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		return nil, trace.BadParameter("date must look like 2006-01-02")
	}
	if req.ResourceID != "" {
		if _, err := h.cfg.Resources.GetResource(r.Context(), req.ResourceID); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	blackout := &services.BlackoutDate{
		ID:         uuid.NewString(),
		Date:       date,
		ResourceID: req.ResourceID,
		Reason:     req.Reason,
	}
	created, err := h.cfg.Resources.CreateBlackout(r.Context(), blackout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created, nil
}

func (h *Handler) deleteBlackout(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindResource, auth.ActionUpdate); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Resources.DeleteBlackout(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("blackout deleted"), nil
}
