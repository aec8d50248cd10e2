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

// Package reserve implements the reservation scheduler: conflict-free
// booking against a resource timeline, recurring expansion,
// cancellation and the expiry sweep.
package reserve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/events"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/utils"
)

// History actions recorded on reservation transitions.
const (
	ActionCreated   = "created"
	ActionCancelled = "cancelled"
	ActionExpired   = "expired"
)

// ConflictError reports a rejected booking along with the active
// reservations occupying the requested window.
type ConflictError struct {
	// Overlapping are ids of the conflicting active reservations.
	Overlapping []string
}

// Error implements error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("interval conflicts with active reservations [%v]", strings.Join(e.Overlapping, ", "))
}

// FreedHandler consumes freed intervals, typically the waitlist engine.
type FreedHandler interface {
	HandleFreed(ctx context.Context, resourceID string, freed services.Interval)
}

// Config holds scheduler parameters.
type Config struct {
	// Reservations is the reservation storage service.
	Reservations services.Reservations
	// Resources is the resource storage service.
	Resources services.Resources
	// Notifications delivers per-user messages; optional.
	Notifications services.Notifications
	// Bus receives domain events.
	Bus *events.Bus
	// Locks serializes writes per resource; shared with the waitlist
	// engine so promotions and bookings cannot interleave.
	Locks *utils.KeyedMutex

	// MinDuration and MaxDuration bound a single reservation.
	MinDuration time.Duration
	MaxDuration time.Duration
	// Grace allows a start this far in the past.
	Grace time.Duration
	// MaxPerDay caps a user's active reservations starting on one day.
	MaxPerDay int
	// RecurrenceHorizon bounds recurring expansion in time.
	RecurrenceHorizon time.Duration
	// MaxInstances caps occurrences of one recurring batch.
	MaxInstances int

	Clock clockwork.Clock
	Log   *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Reservations == nil {
		return trace.BadParameter("missing reservations service")
	}
	if c.Resources == nil {
		return trace.BadParameter("missing resources service")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing event bus")
	}
	if c.Locks == nil {
		c.Locks = utils.NewKeyedMutex()
	}
	if c.MinDuration == 0 {
		c.MinDuration = defaults.MinReservationDuration
	}
	if c.MaxDuration == 0 {
		c.MaxDuration = defaults.MaxReservationDuration
	}
	if c.MaxPerDay == 0 {
		c.MaxPerDay = defaults.MaxReservationsPerDay
	}
	if c.RecurrenceHorizon == 0 {
		c.RecurrenceHorizon = defaults.RecurrenceHorizon
	}
	if c.MaxInstances == 0 {
		c.MaxInstances = defaults.MaxRecurrenceInstances
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(bookd.ComponentKey, bookd.ComponentReserve)
	}
	return nil
}

// Engine is the reservation scheduler.
type Engine struct {
	cfg   Config
	freed FreedHandler
}

// NewEngine returns a reservation scheduler.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// SetFreedHandler wires the consumer of freed intervals. Called once at
// startup, before traffic.
func (e *Engine) SetFreedHandler(h FreedHandler) { e.freed = h }

// Locks exposes the per-resource lock shared with the waitlist engine.
func (e *Engine) Locks() *utils.KeyedMutex { return e.cfg.Locks }

func (e *Engine) clock() clockwork.Clock { return e.cfg.Clock }

// CreateRequest is a single booking request.
type CreateRequest struct {
	UserID   string
	Resource string
	Interval services.Interval
}

// Create books the interval if it passes validation, admission, quota
// and the conflict check, all under the resource write lock.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*services.Reservation, error) {
	if err := e.validateInterval(req.Interval); err != nil {
		return nil, trace.Wrap(err)
	}
	resource, err := e.admit(ctx, req.Resource, req.Interval)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := e.checkQuota(ctx, req.UserID, req.Interval.Start); err != nil {
		return nil, trace.Wrap(err)
	}

	unlock := e.cfg.Locks.Lock(req.Resource)
	defer unlock()

	if err := e.checkConflict(ctx, req.Resource, req.Interval, nil); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &services.Reservation{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Resource:  req.Resource,
		Interval:  req.Interval,
		Status:    services.ReservationActive,
		CreatedAt: e.clock().Now().UTC(),
	}
	created, err := e.cfg.Reservations.CreateReservation(ctx, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.appendHistory(ctx, created.ID, ActionCreated, req.UserID, nil)
	e.refreshResourceStatus(ctx, resource)
	e.cfg.Bus.Publish(events.Event{
		Type:     bookd.EventReservationCreated,
		Data:     created,
		UserID:   created.UserID,
		Resource: created.Resource,
	})
	e.cfg.Log.InfoContext(ctx, "reservation created",
		"reservation_id", created.ID, "resource_id", created.Resource, "user_id", created.UserID)
	return created, nil
}

// RecurringRequest books a recurring series. First is the first
// occurrence; the rule expands the rest.
type RecurringRequest struct {
	UserID   string
	Resource string
	First    services.Interval
	Rule     services.RecurrenceRule
}

// CreateRecurring expands the rule into instances and books them
// all-or-nothing: a conflict on any occurrence rejects the whole batch.
func (e *Engine) CreateRecurring(ctx context.Context, req RecurringRequest) ([]services.Reservation, error) {
	if err := e.validateInterval(req.First); err != nil {
		return nil, trace.Wrap(err)
	}
	req.Rule.ID = uuid.NewString()
	if err := req.Rule.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	occurrences := expand(req.First, &req.Rule, e.cfg.RecurrenceHorizon, e.cfg.MaxInstances)
	if len(occurrences) == 0 {
		return nil, trace.BadParameter("recurrence rule produces no occurrences")
	}
	resource, err := e.admitAll(ctx, req.Resource, occurrences)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := e.checkQuota(ctx, req.UserID, req.First.Start); err != nil {
		return nil, trace.Wrap(err)
	}

	unlock := e.cfg.Locks.Lock(req.Resource)
	defer unlock()

	window := services.Interval{Start: occurrences[0].Start, End: occurrences[len(occurrences)-1].End}
	active, err := e.cfg.Reservations.ActiveInWindow(ctx, req.Resource, window)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var overlapping []string
	for _, occ := range occurrences {
		for _, a := range active {
			if occ.Overlaps(a.Interval) {
				overlapping = append(overlapping, a.ID)
			}
		}
	}
	if len(overlapping) > 0 {
		return nil, trace.Wrap(&ConflictError{Overlapping: dedupe(overlapping)})
	}

	now := e.clock().Now().UTC()
	parentID := uuid.NewString()
	batch := make([]*services.Reservation, 0, len(occurrences))
	for i, occ := range occurrences {
		id := parentID
		if i > 0 {
			id = uuid.NewString()
		}
		batch = append(batch, &services.Reservation{
			ID:               id,
			UserID:           req.UserID,
			Resource:         req.Resource,
			Interval:         occ,
			Status:           services.ReservationActive,
			RecurrenceRuleID: req.Rule.ID,
			ParentID:         parentID,
			CreatedAt:        now,
		})
	}
	if err := e.cfg.Reservations.SaveRecurrenceRule(ctx, &req.Rule); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := e.cfg.Reservations.CreateReservations(ctx, batch); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]services.Reservation, 0, len(batch))
	for _, r := range batch {
		e.appendHistory(ctx, r.ID, ActionCreated, req.UserID, json.RawMessage(
			fmt.Sprintf(`{"recurrence_rule_id":%q}`, req.Rule.ID)))
		e.cfg.Bus.Publish(events.Event{
			Type:     bookd.EventReservationCreated,
			Data:     r,
			UserID:   r.UserID,
			Resource: r.Resource,
		})
		out = append(out, *r)
	}
	e.refreshResourceStatus(ctx, resource)
	e.cfg.Log.InfoContext(ctx, "recurring reservation created",
		"parent_id", parentID, "resource_id", req.Resource, "instances", len(batch))
	return out, nil
}

// Cancel releases an active reservation. Owners may cancel before the
// start; admins at any point. Cancelling an already-cancelled
// reservation is a no-op.
func (e *Engine) Cancel(ctx context.Context, actor *services.User, reservationID, reason string) (*services.Reservation, error) {
	r, err := e.cfg.Reservations.FindReservation(ctx, reservationID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	admin := actor.HasRole(bookd.RoleAdmin)
	if r.UserID != actor.ID && !admin {
		return nil, trace.AccessDenied("reservation %q belongs to another user", reservationID)
	}

	now := e.clock().Now().UTC()
	updated, already, err := func() (*services.Reservation, bool, error) {
		unlock := e.cfg.Locks.Lock(r.Resource)
		defer unlock()

		// re-read under the lock
		r, err = e.cfg.Reservations.GetReservation(ctx, r.Resource, r.ID)
		if err != nil {
			return nil, false, trace.Wrap(err)
		}
		switch r.Status {
		case services.ReservationCancelled:
			return r, true, nil
		case services.ReservationExpired:
			return nil, false, trace.CompareFailed("reservation %q has already expired", reservationID)
		}
		if !admin && !r.Interval.Start.After(now) {
			return nil, false, trace.CompareFailed("reservation %q has already started", reservationID)
		}

		r.Status = services.ReservationCancelled
		r.CancelledAt = now
		r.CancellationReason = reason
		u, err := e.cfg.Reservations.UpdateReservation(ctx, r)
		return u, false, trace.Wrap(err)
	}()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if already {
		return updated, nil
	}
	details, _ := json.Marshal(map[string]string{"reason": reason, "actor": actor.ID})
	e.appendHistory(ctx, updated.ID, ActionCancelled, actor.ID, details)
	e.cfg.Bus.Publish(events.Event{
		Type:     bookd.EventReservationCancelled,
		Data:     updated,
		UserID:   updated.UserID,
		Resource: updated.Resource,
	})
	if admin && actor.ID != updated.UserID {
		e.notify(ctx, updated.UserID, "reservation_cancelled",
			"Reservation cancelled by an administrator", reason)
	}
	if resource, err := e.cfg.Resources.GetResource(ctx, updated.Resource); err == nil {
		e.refreshResourceStatus(ctx, resource)
	}
	e.cfg.Log.InfoContext(ctx, "reservation cancelled",
		"reservation_id", updated.ID, "actor", actor.ID)
	if e.freed != nil {
		freed := updated.Interval
		if clipped, ok := futurePart(freed, now); ok {
			e.freed.HandleFreed(ctx, updated.Resource, clipped)
		}
	}
	return updated, nil
}

// ExpireSweep transitions active reservations whose interval has ended.
// It is idempotent and safe to run at any cadence.
func (e *Engine) ExpireSweep(ctx context.Context) (int, error) {
	now := e.clock().Now().UTC()
	ended, err := e.cfg.Reservations.ActiveEndingBefore(ctx, now)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	expired := 0
	for i := range ended {
		r := &ended[i]
		unlock := e.cfg.Locks.Lock(r.Resource)
		fresh, err := e.cfg.Reservations.GetReservation(ctx, r.Resource, r.ID)
		if err != nil || fresh.Status != services.ReservationActive {
			unlock()
			continue
		}
		fresh.Status = services.ReservationExpired
		updated, err := e.cfg.Reservations.UpdateReservation(ctx, fresh)
		unlock()
		if err != nil {
			e.cfg.Log.WarnContext(ctx, "failed to expire reservation",
				"reservation_id", fresh.ID, "error", err)
			continue
		}
		expired++
		e.appendHistory(ctx, updated.ID, ActionExpired, "system", nil)
		e.cfg.Bus.Publish(events.Event{
			Type:     bookd.EventReservationExpired,
			Data:     updated,
			UserID:   updated.UserID,
			Resource: updated.Resource,
		})
		e.notify(ctx, updated.UserID, "reservation_expired",
			"Reservation ended", "")
		if resource, err := e.cfg.Resources.GetResource(ctx, updated.Resource); err == nil {
			e.refreshResourceStatus(ctx, resource)
		}
		if e.freed != nil {
			e.freed.HandleFreed(ctx, updated.Resource, updated.Interval)
		}
	}
	return expired, nil
}

// History returns the audit trail of a reservation.
func (e *Engine) History(ctx context.Context, reservationID string) ([]services.HistoryEntry, error) {
	if _, err := e.cfg.Reservations.FindReservation(ctx, reservationID); err != nil {
		return nil, trace.Wrap(err)
	}
	entries, err := e.cfg.Reservations.GetHistory(ctx, reservationID)
	return entries, trace.Wrap(err)
}

func (e *Engine) validateInterval(iv services.Interval) error {
	if err := iv.Check(); err != nil {
		return trace.Wrap(err)
	}
	if iv.Start.Before(e.clock().Now().Add(-e.cfg.Grace)) {
		return trace.BadParameter("reservation start is in the past")
	}
	d := iv.Duration()
	if d < e.cfg.MinDuration {
		return trace.BadParameter("reservation must last at least %v", e.cfg.MinDuration)
	}
	if d > e.cfg.MaxDuration {
		return trace.BadParameter("reservation must not exceed %v", e.cfg.MaxDuration)
	}
	return nil
}

// admit checks resource availability, blackouts and business hours for
// the interval.
func (e *Engine) admit(ctx context.Context, resourceID string, iv services.Interval) (*services.Resource, error) {
	resource, err := e.cfg.Resources.GetResource(ctx, resourceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !resource.BaseAvailable || resource.Status == services.ResourceUnavailable {
		return nil, trace.CompareFailed("resource %q is not accepting reservations", resource.Name)
	}
	blackouts, err := e.cfg.Resources.ListBlackouts(ctx, resourceID, iv)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, b := range blackouts {
		if b.Window().Overlaps(iv) {
			return nil, trace.CompareFailed("interval falls on a blackout date")
		}
	}
	hours, err := e.cfg.Resources.GetBusinessHours(ctx, resourceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if hours != nil && hours.Enforced {
		if !withinBusinessHours(hours, iv) {
			return nil, trace.CompareFailed("interval falls outside business hours")
		}
	}
	return resource, nil
}

func (e *Engine) admitAll(ctx context.Context, resourceID string, occurrences []services.Interval) (*services.Resource, error) {
	var resource *services.Resource
	for _, occ := range occurrences {
		r, err := e.admit(ctx, resourceID, occ)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		resource = r
	}
	return resource, nil
}

func (e *Engine) checkQuota(ctx context.Context, userID string, start time.Time) error {
	count, err := e.cfg.Reservations.CountActiveOnDay(ctx, userID, start)
	if err != nil {
		return trace.Wrap(err)
	}
	if count >= e.cfg.MaxPerDay {
		return trace.LimitExceeded("daily reservation limit of %v reached", e.cfg.MaxPerDay)
	}
	return nil
}

// checkConflict must be called with the resource lock held. exclude
// skips reservation ids already accounted for.
func (e *Engine) checkConflict(ctx context.Context, resourceID string, iv services.Interval, exclude map[string]bool) error {
	active, err := e.cfg.Reservations.ActiveInWindow(ctx, resourceID, iv)
	if err != nil {
		return trace.Wrap(err)
	}
	var overlapping []string
	for _, a := range active {
		if exclude[a.ID] {
			continue
		}
		if a.Interval.Overlaps(iv) {
			overlapping = append(overlapping, a.ID)
		}
	}
	if len(overlapping) > 0 {
		sort.Strings(overlapping)
		return trace.Wrap(&ConflictError{Overlapping: overlapping})
	}
	return nil
}

// refreshResourceStatus keeps status=in_use consistent with whether an
// active reservation covers now. Administrative unavailability wins.
func (e *Engine) refreshResourceStatus(ctx context.Context, resource *services.Resource) {
	if resource == nil || resource.Status == services.ResourceUnavailable {
		return
	}
	now := e.clock().Now().UTC()
	active, err := e.cfg.Reservations.ActiveInWindow(ctx, resource.ID, services.Interval{
		Start: now.Add(-time.Minute), End: now.Add(time.Minute),
	})
	if err != nil {
		return
	}
	inUse := false
	for _, a := range active {
		if a.Interval.Contains(now) {
			inUse = true
			break
		}
	}
	want := services.ResourceAvailable
	if inUse {
		want = services.ResourceInUse
	}
	if resource.Status == want {
		return
	}
	resource.Status = want
	resource.UpdatedAt = now
	if _, err := e.cfg.Resources.UpdateResource(ctx, resource); err != nil {
		e.cfg.Log.WarnContext(ctx, "failed to refresh resource status",
			"resource_id", resource.ID, "error", err)
	}
}

func (e *Engine) appendHistory(ctx context.Context, reservationID, action, actor string, details json.RawMessage) {
	entry := &services.HistoryEntry{
		ID:            uuid.NewString(),
		ReservationID: reservationID,
		Action:        action,
		Actor:         actor,
		Time:          e.clock().Now().UTC(),
		Details:       details,
	}
	if err := e.cfg.Reservations.AppendHistory(ctx, entry); err != nil {
		e.cfg.Log.WarnContext(ctx, "failed to append history",
			"reservation_id", reservationID, "action", action, "error", err)
	}
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

// withinBusinessHours reports whether every day the interval touches is
// open and covers the respective portion.
func withinBusinessHours(hours *services.BusinessHours, iv services.Interval) bool {
	for day := iv.Start.Truncate(24 * time.Hour); day.Before(iv.End); day = day.Add(24 * time.Hour) {
		dayWindow := services.Interval{Start: day, End: day.Add(24 * time.Hour)}
		part, ok := iv.Clip(dayWindow)
		if !ok {
			continue
		}
		open, ok := hours.WindowOn(day)
		if !ok {
			return false
		}
		if part.Start.Before(open.Start) || part.End.After(open.End) {
			return false
		}
	}
	return true
}

// futurePart clips the interval to [now, End); a fully elapsed interval
// frees nothing.
func futurePart(iv services.Interval, now time.Time) (services.Interval, bool) {
	if !iv.End.After(now) {
		return services.Interval{}, false
	}
	if iv.Start.Before(now) {
		iv.Start = now.Truncate(time.Minute)
	}
	return iv, true
}

func dedupe(ids []string) []string {
	sort.Strings(ids)
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || ids[i-1] != id {
			out = append(out, id)
		}
	}
	return out
}
