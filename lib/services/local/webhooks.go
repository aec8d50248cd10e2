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

	"github.com/gravitational/trace"

	"github.com/bookd/bookd/lib/backend"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/utils"
)

// WebhookService implements services.Webhooks over a backend.
type WebhookService struct {
	bk backend.Backend
}

// NewWebhookService returns a webhook service.
func NewWebhookService(bk backend.Backend) *WebhookService {
	return &WebhookService{bk: bk}
}

func webhookKey(id string) []byte { return backend.Key("webhooks", "items", id) }
func deliveryKey(webhookID, id string) []byte {
	return backend.Key("webhooks", "deliveries", webhookID, id)
}

// CreateWebhook implements services.Webhooks.
func (s *WebhookService) CreateWebhook(ctx context.Context, w *services.Webhook) (*services.Webhook, error) {
	if err := w.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := createJSON(ctx, s.bk, webhookKey(w.ID), w); err != nil {
		return nil, trace.Wrap(err)
	}
	return w, nil
}

// GetWebhook implements services.Webhooks.
func (s *WebhookService) GetWebhook(ctx context.Context, id string) (*services.Webhook, error) {
	w, err := getJSON[services.Webhook](ctx, s.bk, webhookKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("webhook %q is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return w, nil
}

// UpdateWebhook implements services.Webhooks.
func (s *WebhookService) UpdateWebhook(ctx context.Context, w *services.Webhook) (*services.Webhook, error) {
	if err := w.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := updateJSON(ctx, s.bk, webhookKey(w.ID), w); err != nil {
		return nil, trace.Wrap(err)
	}
	return w, nil
}

// DeleteWebhook implements services.Webhooks, removing delivery history
// with it.
func (s *WebhookService) DeleteWebhook(ctx context.Context, id string) error {
	if err := s.bk.Delete(ctx, webhookKey(id)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("webhook %q is not found", id)
		}
		return trace.Wrap(err)
	}
	prefix := backend.Key("webhooks", "deliveries", id)
	if _, err := s.bk.DeleteRange(ctx, prefix, backend.RangeEnd(prefix)); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// ListWebhooks implements services.Webhooks.
func (s *WebhookService) ListWebhooks(ctx context.Context) ([]services.Webhook, error) {
	prefix := backend.Key("webhooks", "items")
	return rangeJSON[services.Webhook](ctx, s.bk, prefix)
}

// CreateDelivery implements services.Webhooks.
func (s *WebhookService) CreateDelivery(ctx context.Context, d *services.WebhookDelivery) (*services.WebhookDelivery, error) {
	if err := d.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := createJSON(ctx, s.bk, deliveryKey(d.WebhookID, d.ID), d); err != nil {
		return nil, trace.Wrap(err)
	}
	return d, nil
}

// GetDelivery implements services.Webhooks.
func (s *WebhookService) GetDelivery(ctx context.Context, webhookID, id string) (*services.WebhookDelivery, error) {
	d, err := getJSON[services.WebhookDelivery](ctx, s.bk, deliveryKey(webhookID, id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("delivery %q is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return d, nil
}

// UpdateDelivery implements services.Webhooks.
func (s *WebhookService) UpdateDelivery(ctx context.Context, d *services.WebhookDelivery) (*services.WebhookDelivery, error) {
	if err := d.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := updateJSON(ctx, s.bk, deliveryKey(d.WebhookID, d.ID), d); err != nil {
		return nil, trace.Wrap(err)
	}
	return d, nil
}

// ListDeliveries implements services.Webhooks, newest first by default.
func (s *WebhookService) ListDeliveries(ctx context.Context, webhookID string, params services.ListParams) (*services.Page[services.WebhookDelivery], error) {
	if params.SortOrder == "" {
		params.SortOrder = "desc"
	}
	prefix := backend.Key("webhooks", "deliveries", webhookID)
	all, err := rangeJSON[services.WebhookDelivery](ctx, s.bk, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return paginate(all, params, func(d services.WebhookDelivery) utils.Cursor {
		return utils.Cursor{SortKey: timeKey(d.CreatedAt), ID: d.ID}
	})
}

// PendingDeliveries implements services.Webhooks.
func (s *WebhookService) PendingDeliveries(ctx context.Context) ([]services.WebhookDelivery, error) {
	prefix := backend.Key("webhooks", "deliveries")
	all, err := rangeJSON[services.WebhookDelivery](ctx, s.bk, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []services.WebhookDelivery
	for _, d := range all {
		if d.Status == services.DeliveryPending {
			out = append(out, d)
		}
	}
	return out, nil
}
