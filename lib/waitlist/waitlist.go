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

// Package waitlist implements per-resource FIFO queues that watch for
// freed intervals and issue time-bound offers.
package waitlist

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/events"
	"github.com/bookd/bookd/lib/reserve"
	"github.com/bookd/bookd/lib/services"
)

// Config holds waitlist engine parameters.
type Config struct {
	// Waitlist is the queue storage service.
	Waitlist services.Waitlist
	// Resources validates join targets.
	Resources services.Resources
	// Reservations is consulted so promotions never offer a window that
	// was booked in the meantime.
	Reservations services.Reservations
	// Reserve books the reservation when an offer is accepted.
	Reserve *reserve.Engine
	// Notifications delivers offer messages; optional.
	Notifications services.Notifications
	// Bus receives domain events.
	Bus *events.Bus

	// OfferTTL is how long an offer stays open.
	OfferTTL time.Duration

	Clock clockwork.Clock
	Log   *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Waitlist == nil {
		return trace.BadParameter("missing waitlist service")
	}
	if c.Resources == nil {
		return trace.BadParameter("missing resources service")
	}
	if c.Reservations == nil {
		return trace.BadParameter("missing reservations service")
	}
	if c.Reserve == nil {
		return trace.BadParameter("missing reservation engine")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing event bus")
	}
	if c.OfferTTL == 0 {
		c.OfferTTL = defaults.OfferTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(bookd.ComponentKey, bookd.ComponentWaitlist)
	}
	return nil
}

// Engine is the waitlist and promotion engine. It implements
// reserve.FreedHandler so cancellations and expiries feed promotions.
type Engine struct {
	cfg Config
}

// NewEngine returns a waitlist engine wired to the reservation
// scheduler's freed-interval stream.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	e := &Engine{cfg: cfg}
	cfg.Reserve.SetFreedHandler(e)
	return e, nil
}

func (e *Engine) clock() clockwork.Clock { return e.cfg.Clock }

// JoinRequest queues a user for a resource.
type JoinRequest struct {
	UserID       string
	Resource     string
	Desired      services.Interval
	FlexibleTime bool
}

// Join appends a waiting entry to the resource queue.
func (e *Engine) Join(ctx context.Context, req JoinRequest) (*services.WaitlistEntry, error) {
	if err := req.Desired.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := e.cfg.Resources.GetResource(ctx, req.Resource); err != nil {
		return nil, trace.Wrap(err)
	}
	now := e.clock().Now().UTC()
	entry := &services.WaitlistEntry{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Resource:     req.Resource,
		Desired:      req.Desired,
		FlexibleTime: req.FlexibleTime,
		State:        services.Waiting,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := e.cfg.Waitlist.CreateEntry(ctx, entry)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cfg.Bus.Publish(events.Event{
		Type:     bookd.EventWaitlistJoined,
		Data:     created,
		UserID:   created.UserID,
		Resource: created.Resource,
	})
	e.cfg.Log.InfoContext(ctx, "joined waitlist",
		"entry_id", created.ID, "resource_id", created.Resource, "position", created.Position)
	return created, nil
}

// HandleFreed implements reserve.FreedHandler: a freed interval
// triggers at most one promotion.
func (e *Engine) HandleFreed(ctx context.Context, resourceID string, freed services.Interval) {
	if err := e.Promote(ctx, resourceID, freed); err != nil {
		e.cfg.Log.WarnContext(ctx, "waitlist promotion failed",
			"resource_id", resourceID, "error", err)
	}
}

// Promote walks the queue in FIFO order and offers the freed interval
// to the first matching waiter. At most one offer is issued per freed
// interval.
func (e *Engine) Promote(ctx context.Context, resourceID string, freed services.Interval) error {
	unlock := e.cfg.Reserve.Locks().Lock(resourceID)
	defer unlock()

	waiting, err := e.cfg.Waitlist.ListEntries(ctx, resourceID, services.Waiting)
	if err != nil {
		return trace.Wrap(err)
	}
	now := e.clock().Now().UTC()
	for i := range waiting {
		entry := &waiting[i]
		if !entry.Matches(freed) {
			continue
		}
		window := offerWindow(entry, freed)
		taken, err := e.windowTaken(ctx, resourceID, window)
		if err != nil {
			return trace.Wrap(err)
		}
		if taken {
			continue
		}
		entry.State = services.Offered
		entry.OfferedInterval = window
		entry.OfferExpiresAt = now.Add(e.cfg.OfferTTL)
		entry.UpdatedAt = now
		updated, err := e.cfg.Waitlist.UpdateEntry(ctx, entry)
		if err != nil {
			return trace.Wrap(err)
		}
		e.cfg.Bus.Publish(events.Event{
			Type:     bookd.EventWaitlistPromoted,
			Data:     updated,
			UserID:   updated.UserID,
			Resource: updated.Resource,
		})
		e.notify(ctx, updated.UserID, "waitlist_offer",
			"A slot opened up", "You have an offer waiting; accept it before it expires.")
		e.cfg.Log.InfoContext(ctx, "waitlist entry promoted",
			"entry_id", updated.ID, "resource_id", resourceID,
			"offer_expires_at", updated.OfferExpiresAt)
		return nil
	}
	return nil
}

// Accept converts an outstanding offer into a reservation. On conflict
// the offer expires and the next waiter is considered.
func (e *Engine) Accept(ctx context.Context, user *services.User, entryID string) (*services.Reservation, error) {
	entry, err := e.cfg.Waitlist.GetEntry(ctx, entryID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if entry.UserID != user.ID {
		return nil, trace.AccessDenied("waitlist entry %q belongs to another user", entryID)
	}
	if entry.State != services.Offered {
		return nil, trace.CompareFailed("waitlist entry %q has no outstanding offer", entryID)
	}
	now := e.clock().Now().UTC()
	if !entry.OfferExpiresAt.After(now) {
		return nil, trace.CompareFailed("the offer for entry %q has expired", entryID)
	}

	reservation, err := e.cfg.Reserve.Create(ctx, reserve.CreateRequest{
		UserID:   entry.UserID,
		Resource: entry.Resource,
		Interval: entry.OfferedInterval,
	})
	if err != nil {
		var conflict *reserve.ConflictError
		if errors.As(err, &conflict) {
			// the window was taken in the meantime; retire the offer and
			// let the next waiter have a look
			e.expireEntry(ctx, entry)
			e.Promote(ctx, entry.Resource, entry.OfferedInterval)
		}
		return nil, trace.Wrap(err)
	}
	entry.State = services.Accepted
	entry.UpdatedAt = now
	updated, err := e.cfg.Waitlist.UpdateEntry(ctx, entry)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cfg.Bus.Publish(events.Event{
		Type:     bookd.EventWaitlistAccepted,
		Data:     updated,
		UserID:   updated.UserID,
		Resource: updated.Resource,
	})
	e.cfg.Log.InfoContext(ctx, "waitlist offer accepted",
		"entry_id", entryID, "reservation_id", reservation.ID)
	return reservation, nil
}

// Leave withdraws an entry from the queue. Positions of later entries
// are not renumbered. Declining an outstanding offer hands the window
// to the next waiter.
func (e *Engine) Leave(ctx context.Context, user *services.User, entryID string) error {
	entry, err := e.cfg.Waitlist.GetEntry(ctx, entryID)
	if err != nil {
		return trace.Wrap(err)
	}
	if entry.UserID != user.ID && !user.HasRole(bookd.RoleAdmin) {
		return trace.AccessDenied("waitlist entry %q belongs to another user", entryID)
	}
	switch entry.State {
	case services.Left:
		return nil
	case services.Accepted:
		return trace.CompareFailed("waitlist entry %q was already accepted", entryID)
	}
	hadOffer := entry.State == services.Offered
	offered := entry.OfferedInterval

	entry.State = services.Left
	entry.UpdatedAt = e.clock().Now().UTC()
	updated, err := e.cfg.Waitlist.UpdateEntry(ctx, entry)
	if err != nil {
		return trace.Wrap(err)
	}
	e.cfg.Bus.Publish(events.Event{
		Type:     bookd.EventWaitlistLeft,
		Data:     updated,
		UserID:   updated.UserID,
		Resource: updated.Resource,
	})
	if hadOffer {
		e.Promote(ctx, entry.Resource, offered)
	}
	return nil
}

// ListUserEntries returns the user's queue memberships.
func (e *Engine) ListUserEntries(ctx context.Context, userID string) ([]services.WaitlistEntry, error) {
	entries, err := e.cfg.Waitlist.ListUserEntries(ctx, userID)
	return entries, trace.Wrap(err)
}

// ListQueue returns the resource queue in FIFO order.
func (e *Engine) ListQueue(ctx context.Context, resourceID string) ([]services.WaitlistEntry, error) {
	entries, err := e.cfg.Waitlist.ListEntries(ctx, resourceID)
	return entries, trace.Wrap(err)
}

// ExpireOffers sweeps lapsed offers and re-promotes their windows. Run
// by the background scheduler; idempotent.
func (e *Engine) ExpireOffers(ctx context.Context) (int, error) {
	now := e.clock().Now().UTC()
	lapsed, err := e.cfg.Waitlist.OffersExpiredBefore(ctx, now)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	expired := 0
	for i := range lapsed {
		entry := &lapsed[i]
		if !e.expireEntry(ctx, entry) {
			continue
		}
		expired++
		e.notify(ctx, entry.UserID, "waitlist_offer_expired",
			"Your offer expired", "The slot was handed to the next person in line.")
		e.Promote(ctx, entry.Resource, entry.OfferedInterval)
	}
	return expired, nil
}

func (e *Engine) expireEntry(ctx context.Context, entry *services.WaitlistEntry) bool {
	entry.State = services.OfferExpired
	entry.UpdatedAt = e.clock().Now().UTC()
	updated, err := e.cfg.Waitlist.UpdateEntry(ctx, entry)
	if err != nil {
		e.cfg.Log.WarnContext(ctx, "failed to expire waitlist offer",
			"entry_id", entry.ID, "error", err)
		return false
	}
	e.cfg.Bus.Publish(events.Event{
		Type:     bookd.EventWaitlistExpired,
		Data:     updated,
		UserID:   updated.UserID,
		Resource: updated.Resource,
	})
	return true
}

func (e *Engine) notify(ctx context.Context, userID, kind, title, body string) {
	if e.cfg.Notifications == nil {
		return
	}
	n := &services.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      kind,
		Title:     title,
		Body:      body,
		CreatedAt: e.clock().Now().UTC(),
	}
	if _, err := e.cfg.Notifications.CreateNotification(ctx, n); err != nil {
		e.cfg.Log.WarnContext(ctx, "failed to create notification", "user_id", userID, "error", err)
		return
	}
	e.cfg.Bus.Publish(events.Event{
		Type:   bookd.EventNotificationCreated,
		Data:   n,
		UserID: userID,
	})
}

// windowTaken reports whether an active reservation already occupies
// any part of the candidate offer window.
func (e *Engine) windowTaken(ctx context.Context, resourceID string, window services.Interval) (bool, error) {
	active, err := e.cfg.Reservations.ActiveInWindow(ctx, resourceID, window)
	if err != nil {
		return false, trace.Wrap(err)
	}
	for _, a := range active {
		if a.Interval.Overlaps(window) {
			return true, nil
		}
	}
	return false, nil
}

// offerWindow picks the concrete interval an offer covers: the desired
// window for strict entries, the head of the freed interval for
// flexible ones.
func offerWindow(entry *services.WaitlistEntry, freed services.Interval) services.Interval {
	if !entry.FlexibleTime {
		return entry.Desired
	}
	return services.Interval{Start: freed.Start, End: freed.Start.Add(entry.Desired.Duration())}
}
