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
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/bookd/bookd/lib/auth"
	"github.com/bookd/bookd/lib/httplib"
	"github.com/bookd/bookd/lib/services"
)

// createWebhook registers an outbound subscription. The signing secret
// is generated when the caller does not supply one and is returned only
// on this response.
func (h *Handler) createWebhook(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindWebhook, auth.ActionCreate); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		URL        string   `json:"url"`
		EventTypes []string `json:"event_types"`
		Secret     string   `json:"secret"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	secret := req.Secret
	if secret == "" {
		var err error
		if secret, err = newWebhookSecret(); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	now := h.cfg.Clock.Now().UTC()
	hook := &services.Webhook{
		ID:         uuid.NewString(),
		URL:        req.URL,
		EventTypes: req.EventTypes,
		Secret:     secret,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := hook.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Webhooks.CreateWebhook(r.Context(), hook)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created, nil
}

func newWebhookSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(raw), nil
}

func (h *Handler) listWebhooks(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindWebhook, auth.ActionRead); err != nil {
		return nil, trace.Wrap(err)
	}
	hooks, err := h.cfg.Webhooks.ListWebhooks(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range hooks {
		hooks[i].Secret = ""
	}
	return struct {
		Webhooks []services.Webhook `json:"webhooks"`
	}{Webhooks: hooks}, nil
}

func (h *Handler) getWebhook(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindWebhook, auth.ActionRead); err != nil {
		return nil, trace.Wrap(err)
	}
	hook, err := h.cfg.Webhooks.GetWebhook(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	hook.Secret = ""
	return hook, nil
}

func (h *Handler) updateWebhook(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindWebhook, auth.ActionUpdate); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		URL        *string   `json:"url"`
		EventTypes *[]string `json:"event_types"`
		Active     *bool     `json:"active"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	hook, err := h.cfg.Webhooks.GetWebhook(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if req.URL != nil {
		hook.URL = *req.URL
	}
	if req.EventTypes != nil {
		hook.EventTypes = *req.EventTypes
	}
	if req.Active != nil {
		hook.Active = *req.Active
		// re-enabling clears the failure streak
		if *req.Active {
			hook.ConsecutiveFailures = 0
			hook.Suspect = false
		}
	}
	hook.UpdatedAt = h.cfg.Clock.Now().UTC()
	if err := hook.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	updated, err := h.cfg.Webhooks.UpdateWebhook(r.Context(), hook)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	updated.Secret = ""
	return updated, nil
}

func (h *Handler) deleteWebhook(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindWebhook, auth.ActionDelete); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Webhooks.DeleteWebhook(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("webhook deleted"), nil
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindWebhook, auth.ActionRead); err != nil {
		return nil, trace.Wrap(err)
	}
	params, err := httplib.ListParams(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	page, err := h.cfg.Webhooks.ListDeliveries(r.Context(), p.ByName("id"), params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return page, nil
}

func (h *Handler) retryDelivery(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := auth.CheckAccess(user, auth.KindWebhook, auth.ActionUpdate); err != nil {
		return nil, trace.Wrap(err)
	}
	delivery, err := h.cfg.Dispatcher.Retry(r.Context(), p.ByName("id"), p.ByName("delivery"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return delivery, nil
}
