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

// NotificationService implements services.Notifications over a backend.
type NotificationService struct {
	bk backend.Backend
}

// NewNotificationService returns a notification service.
func NewNotificationService(bk backend.Backend) *NotificationService {
	return &NotificationService{bk: bk}
}

func notificationKey(userID, id string) []byte {
	return backend.Key("notifications", userID, id)
}

// CreateNotification implements services.Notifications.
func (s *NotificationService) CreateNotification(ctx context.Context, n *services.Notification) (*services.Notification, error) {
	if err := n.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := createJSON(ctx, s.bk, notificationKey(n.UserID, n.ID), n); err != nil {
		return nil, trace.Wrap(err)
	}
	return n, nil
}

// ListNotifications implements services.Notifications, newest first by
// default.
func (s *NotificationService) ListNotifications(ctx context.Context, userID string, params services.ListParams) (*services.Page[services.Notification], error) {
	if params.SortOrder == "" {
		params.SortOrder = "desc"
	}
	prefix := backend.Key("notifications", userID)
	all, err := rangeJSON[services.Notification](ctx, s.bk, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return paginate(all, params, func(n services.Notification) utils.Cursor {
		return utils.Cursor{SortKey: timeKey(n.CreatedAt), ID: n.ID}
	})
}

// MarkRead implements services.Notifications.
func (s *NotificationService) MarkRead(ctx context.Context, userID, id string) error {
	n, err := getJSON[services.Notification](ctx, s.bk, notificationKey(userID, id))
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("notification %q is not found", id)
		}
		return trace.Wrap(err)
	}
	if n.Read {
		return nil
	}
	n.Read = true
	return trace.Wrap(updateJSON(ctx, s.bk, notificationKey(userID, id), n))
}

// MarkAllRead implements services.Notifications.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int, error) {
	prefix := backend.Key("notifications", userID)
	all, err := rangeJSON[services.Notification](ctx, s.bk, prefix)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	marked := 0
	for _, n := range all {
		if n.Read {
			continue
		}
		n.Read = true
		if err := updateJSON(ctx, s.bk, notificationKey(userID, n.ID), n); err != nil {
			return marked, trace.Wrap(err)
		}
		marked++
	}
	return marked, nil
}
