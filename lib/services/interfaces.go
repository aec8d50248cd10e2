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

// Package services defines the entity types of the reservation engine
// and the storage-facing interfaces the engines are written against.
package services

import (
	"context"
	"time"
)

// Page is one page of a cursor-based listing.
type Page[T any] struct {
	Items      []T    `json:"data"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
	Total      int    `json:"total_count,omitempty"`
}

// ListParams control cursor-based listings.
type ListParams struct {
	Limit     int
	Cursor    string
	SortOrder string // "asc" (default) or "desc"
}

// Identity manages users, refresh tokens and the setup gate.
type Identity interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByName(ctx context.Context, username string) (*User, error)
	UpdateUser(ctx context.Context, user *User) (*User, error)
	CountUsers(ctx context.Context) (int, error)

	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)
	// RotateRefreshToken atomically revokes old and inserts a
	// replacement; it fails with CompareFailed when old was already
	// revoked by a concurrent rotation.
	RotateRefreshToken(ctx context.Context, oldID string, replacement *RefreshToken) error
	// RevokeRefreshTokens revokes every live token of a user and
	// returns how many it touched.
	RevokeRefreshTokens(ctx context.Context, userID string) (int, error)
	// DeleteExpiredTokens removes refresh rows that expired before the
	// given time.
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error)

	AddLoginAttempt(ctx context.Context, userID string, attempt LoginAttempt) error
	GetLoginAttempts(ctx context.Context, userID string) ([]LoginAttempt, error)
	ClearLoginAttempts(ctx context.Context, userID string) error

	GetSetupState(ctx context.Context) (*SetupState, error)
	UpdateSetupState(ctx context.Context, state *SetupState) error
}

// ResourceFilter narrows resource listings.
type ResourceFilter struct {
	// Query substring-matches name and description, case-insensitive.
	Query string
	// Tags must all be present on a matching resource.
	Tags []string
	// Status, when set, matches exactly.
	Status ResourceStatus
}

// Resources manages bookable resources, business hours and blackouts.
type Resources interface {
	CreateResource(ctx context.Context, r *Resource) (*Resource, error)
	GetResource(ctx context.Context, id string) (*Resource, error)
	UpdateResource(ctx context.Context, r *Resource) (*Resource, error)
	ListResources(ctx context.Context, filter ResourceFilter, params ListParams) (*Page[Resource], error)

	// SetBusinessHours stores the schedule; an empty ResourceID sets
	// the global one.
	SetBusinessHours(ctx context.Context, hours *BusinessHours) error
	// GetBusinessHours returns the per-resource schedule if present,
	// otherwise the global one, otherwise nil.
	GetBusinessHours(ctx context.Context, resourceID string) (*BusinessHours, error)

	CreateBlackout(ctx context.Context, b *BlackoutDate) (*BlackoutDate, error)
	DeleteBlackout(ctx context.Context, id string) error
	// ListBlackouts returns blackouts scoped to the resource plus
	// global ones, intersecting the window.
	ListBlackouts(ctx context.Context, resourceID string, window Interval) ([]BlackoutDate, error)
}

// Reservations manages reservation rows and their audit history.
type Reservations interface {
	CreateReservation(ctx context.Context, r *Reservation) (*Reservation, error)
	// CreateReservations inserts a recurring batch; on any failure no
	// rows remain (caller holds the resource lock).
	CreateReservations(ctx context.Context, rs []*Reservation) error
	GetReservation(ctx context.Context, resourceID, id string) (*Reservation, error)
	// FindReservation looks a reservation up by id alone.
	FindReservation(ctx context.Context, id string) (*Reservation, error)
	UpdateReservation(ctx context.Context, r *Reservation) (*Reservation, error)

	// ActiveInWindow returns active reservations on the resource whose
	// intervals overlap the window.
	ActiveInWindow(ctx context.Context, resourceID string, window Interval) ([]Reservation, error)
	// ActiveEndingBefore returns active reservations whose end is at or
	// before the deadline, across resources.
	ActiveEndingBefore(ctx context.Context, deadline time.Time) ([]Reservation, error)
	// CountActiveOnDay counts a user's active reservations starting on
	// the given UTC day.
	CountActiveOnDay(ctx context.Context, userID string, day time.Time) (int, error)
	ListUserReservations(ctx context.Context, userID string, params ListParams) (*Page[Reservation], error)

	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	GetHistory(ctx context.Context, reservationID string) ([]HistoryEntry, error)

	SaveRecurrenceRule(ctx context.Context, rule *RecurrenceRule) error
	GetRecurrenceRule(ctx context.Context, id string) (*RecurrenceRule, error)
}

// Waitlist manages FIFO queues per resource.
type Waitlist interface {
	// CreateEntry assigns the next position on the resource queue.
	CreateEntry(ctx context.Context, e *WaitlistEntry) (*WaitlistEntry, error)
	GetEntry(ctx context.Context, id string) (*WaitlistEntry, error)
	UpdateEntry(ctx context.Context, e *WaitlistEntry) (*WaitlistEntry, error)
	// ListEntries returns entries on the resource in FIFO order,
	// optionally filtered by state.
	ListEntries(ctx context.Context, resourceID string, states ...WaitlistState) ([]WaitlistEntry, error)
	ListUserEntries(ctx context.Context, userID string) ([]WaitlistEntry, error)
	// OffersExpiredBefore returns offered entries whose offer lapsed at
	// or before the deadline.
	OffersExpiredBefore(ctx context.Context, deadline time.Time) ([]WaitlistEntry, error)
}

// Notifications manages per-user messages.
type Notifications interface {
	CreateNotification(ctx context.Context, n *Notification) (*Notification, error)
	ListNotifications(ctx context.Context, userID string, params ListParams) (*Page[Notification], error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
}

// Webhooks manages outbound subscriptions and delivery history.
type Webhooks interface {
	CreateWebhook(ctx context.Context, w *Webhook) (*Webhook, error)
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	UpdateWebhook(ctx context.Context, w *Webhook) (*Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
	ListWebhooks(ctx context.Context) ([]Webhook, error)

	CreateDelivery(ctx context.Context, d *WebhookDelivery) (*WebhookDelivery, error)
	GetDelivery(ctx context.Context, webhookID, id string) (*WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, d *WebhookDelivery) (*WebhookDelivery, error)
	ListDeliveries(ctx context.Context, webhookID string, params ListParams) (*Page[WebhookDelivery], error)
	// PendingDeliveries returns deliveries awaiting (re)dispatch, used
	// to resume the queue after restart.
	PendingDeliveries(ctx context.Context) ([]WebhookDelivery, error)
}
