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

package reserve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/backend/memory"
	"github.com/bookd/bookd/lib/events"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/services/local"
)

type enginePack struct {
	engine       *Engine
	reservations *local.ReservationService
	resources    *local.ResourceService
	clock        *clockwork.FakeClock
	resource     *services.Resource
}

func newEnginePack(t *testing.T) *enginePack {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC))
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	bus, err := events.NewBus(events.BusConfig{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	reservations := local.NewReservationService(bk)
	resources := local.NewResourceService(bk)
	engine, err := NewEngine(Config{
		Reservations:  reservations,
		Resources:     resources,
		Notifications: local.NewNotificationService(bk),
		Bus:           bus,
		Clock:         clock,
	})
	require.NoError(t, err)

	resource, err := resources.CreateResource(context.Background(), &services.Resource{
		ID:            uuid.NewString(),
		Name:          "Room A",
		BaseAvailable: true,
	})
	require.NoError(t, err)
	return &enginePack{
		engine:       engine,
		reservations: reservations,
		resources:    resources,
		clock:        clock,
		resource:     resource,
	}
}

func mustInterval(t *testing.T, start, end string) services.Interval {
	t.Helper()
	s, err := time.Parse(time.RFC3339, start)
	require.NoError(t, err)
	e, err := time.Parse(time.RFC3339, end)
	require.NoError(t, err)
	iv, err := services.NewInterval(s, e)
	require.NoError(t, err)
	return iv
}

func TestCreateAndConflict(t *testing.T) {
	p := newEnginePack(t)
	ctx := context.Background()

	alice, err := p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T09:00:00Z", "2030-01-01T10:00:00Z"),
	})
	require.NoError(t, err)
	require.Equal(t, services.ReservationActive, alice.Status)

	_, err = p.engine.Create(ctx, CreateRequest{
		UserID:   "bob",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T09:30:00Z", "2030-01-01T10:30:00Z"),
	})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, []string{alice.ID}, conflict.Overlapping)
}

func TestTouchingEndpointsDoNotConflict(t *testing.T) {
	p := newEnginePack(t)
	ctx := context.Background()

	_, err := p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T09:00:00Z", "2030-01-01T10:00:00Z"),
	})
	require.NoError(t, err)

	_, err = p.engine.Create(ctx, CreateRequest{
		UserID:   "bob",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T10:00:00Z", "2030-01-01T11:00:00Z"),
	})
	require.NoError(t, err)
}

func TestCreateValidation(t *testing.T) {
	p := newEnginePack(t)
	ctx := context.Background()

	// start in the past
	_, err := p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T07:00:00Z", "2030-01-01T07:30:00Z"),
	})
	require.True(t, trace.IsBadParameter(err))

	// too short
	_, err = p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T09:00:00Z", "2030-01-01T09:10:00Z"),
	})
	require.True(t, trace.IsBadParameter(err))

	// too long
	_, err = p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T09:00:00Z", "2030-01-03T09:00:00Z"),
	})
	require.True(t, trace.IsBadParameter(err))

	// unknown resource
	_, err = p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: "no-such-resource",
		Interval: mustInterval(t, "2030-01-01T09:00:00Z", "2030-01-01T10:00:00Z"),
	})
	require.True(t, trace.IsNotFound(err))
}

func TestDailyQuota(t *testing.T) {
	p := newEnginePack(t)
	ctx := context.Background()

	for hour := 9; hour < 19; hour++ {
		_, err := p.engine.Create(ctx, CreateRequest{
			UserID:   "alice",
			Resource: p.resource.ID,
			Interval: services.Interval{
				Start: time.Date(2030, 1, 1, hour, 0, 0, 0, time.UTC),
				End:   time.Date(2030, 1, 1, hour, 30, 0, 0, time.UTC),
			},
		})
		require.NoError(t, err)
	}
	_, err := p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T20:00:00Z", "2030-01-01T21:00:00Z"),
	})
	require.True(t, trace.IsLimitExceeded(err))

	// other users and other days are unaffected
	_, err = p.engine.Create(ctx, CreateRequest{
		UserID:   "bob",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T20:00:00Z", "2030-01-01T21:00:00Z"),
	})
	require.NoError(t, err)
	_, err = p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-02T09:00:00Z", "2030-01-02T10:00:00Z"),
	})
	require.NoError(t, err)
}

func TestAdmissionChecks(t *testing.T) {
	p := newEnginePack(t)
	ctx := context.Background()

	// blackout on Jan 2
	_, err := p.resources.CreateBlackout(ctx, &services.BlackoutDate{
		ID:   uuid.NewString(),
		Date: time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	_, err = p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-02T09:00:00Z", "2030-01-02T10:00:00Z"),
	})
	require.True(t, trace.IsCompareFailed(err))

	// enforced business hours 09:00-17:00 every day
	hours := &services.BusinessHours{Enforced: true}
	for i := range hours.Days {
		hours.Days[i] = services.DayHours{Open: 9 * 60, Close: 17 * 60}
	}
	require.NoError(t, p.resources.SetBusinessHours(ctx, hours))

	_, err = p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T18:00:00Z", "2030-01-01T19:00:00Z"),
	})
	require.True(t, trace.IsCompareFailed(err))

	_, err = p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T09:00:00Z", "2030-01-01T10:00:00Z"),
	})
	require.NoError(t, err)

	// disabled resource
	p.resource.BaseAvailable = false
	_, err = p.resources.UpdateResource(ctx, p.resource)
	require.NoError(t, err)
	_, err = p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T10:00:00Z", "2030-01-01T11:00:00Z"),
	})
	require.True(t, trace.IsCompareFailed(err))
}

func TestRecurringExpansion(t *testing.T) {
	p := newEnginePack(t)
	ctx := context.Background()

	// weekly Mon/Wed for two weeks starting Mon 2030-01-07
	created, err := p.engine.CreateRecurring(ctx, RecurringRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		First:    mustInterval(t, "2030-01-07T09:00:00Z", "2030-01-07T10:00:00Z"),
		Rule: services.RecurrenceRule{
			Frequency:  services.Weekly,
			Interval:   1,
			DaysOfWeek: 1<<time.Monday | 1<<time.Wednesday,
			End:        services.EndAfterCount,
			Count:      4,
		},
	})
	require.NoError(t, err)
	require.Len(t, created, 4)
	require.Equal(t, "2030-01-07T09:00:00Z", created[0].Interval.Start.Format(time.RFC3339))
	require.Equal(t, "2030-01-09T09:00:00Z", created[1].Interval.Start.Format(time.RFC3339))
	require.Equal(t, "2030-01-14T09:00:00Z", created[2].Interval.Start.Format(time.RFC3339))
	require.Equal(t, "2030-01-16T09:00:00Z", created[3].Interval.Start.Format(time.RFC3339))
	for _, r := range created {
		require.Equal(t, created[0].ID, r.ParentID)
		require.Equal(t, created[0].RecurrenceRuleID, r.RecurrenceRuleID)
	}
}

func TestRecurringAtomicity(t *testing.T) {
	p := newEnginePack(t)
	ctx := context.Background()

	// pre-seed a conflict on what will be the 3rd occurrence
	blocker, err := p.engine.Create(ctx, CreateRequest{
		UserID:   "bob",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-14T09:30:00Z", "2030-01-14T10:30:00Z"),
	})
	require.NoError(t, err)

	_, err = p.engine.CreateRecurring(ctx, RecurringRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		First:    mustInterval(t, "2030-01-07T09:00:00Z", "2030-01-07T10:00:00Z"),
		Rule: services.RecurrenceRule{
			Frequency:  services.Weekly,
			Interval:   1,
			DaysOfWeek: 1<<time.Monday | 1<<time.Wednesday,
			End:        services.EndAfterCount,
			Count:      8,
		},
	})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, []string{blocker.ID}, conflict.Overlapping)

	// nothing was persisted
	page, err := p.reservations.ListUserReservations(ctx, "alice", services.ListParams{})
	require.NoError(t, err)
	require.Empty(t, page.Items)
}

func TestMonthlyRecurrenceSkipsShortMonths(t *testing.T) {
	first := services.Interval{
		Start: time.Date(2030, 1, 31, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2030, 1, 31, 10, 0, 0, 0, time.UTC),
	}
	rule := &services.RecurrenceRule{
		Frequency: services.Monthly,
		Interval:  1,
		End:       services.EndAfterCount,
		Count:     4,
	}
	occ := expand(first, rule, 365*24*time.Hour, 500)
	require.Len(t, occ, 4)
	// February has no 31st
	require.Equal(t, time.January, occ[0].Start.Month())
	require.Equal(t, time.March, occ[1].Start.Month())
	require.Equal(t, time.May, occ[2].Start.Month())
	require.Equal(t, time.July, occ[3].Start.Month())
}

type freedRecorder struct {
	resource string
	freed    []services.Interval
}

func (f *freedRecorder) HandleFreed(ctx context.Context, resourceID string, freed services.Interval) {
	f.resource = resourceID
	f.freed = append(f.freed, freed)
}

func TestCancel(t *testing.T) {
	p := newEnginePack(t)
	ctx := context.Background()
	recorder := &freedRecorder{}
	p.engine.SetFreedHandler(recorder)

	owner := &services.User{ID: "alice", Username: "alice", Roles: []string{bookd.RoleUser}}
	other := &services.User{ID: "bob", Username: "bob", Roles: []string{bookd.RoleUser}}
	admin := &services.User{ID: "root", Username: "root", Roles: []string{bookd.RoleAdmin}}

	r, err := p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T09:00:00Z", "2030-01-01T10:00:00Z"),
	})
	require.NoError(t, err)

	// strangers cannot cancel
	_, err = p.engine.Cancel(ctx, other, r.ID, "")
	require.True(t, trace.IsAccessDenied(err))

	cancelled, err := p.engine.Cancel(ctx, owner, r.ID, "plans changed")
	require.NoError(t, err)
	require.Equal(t, services.ReservationCancelled, cancelled.Status)
	require.Equal(t, "plans changed", cancelled.CancellationReason)
	require.Len(t, recorder.freed, 1)
	require.Equal(t, r.Interval, recorder.freed[0])

	// idempotent
	again, err := p.engine.Cancel(ctx, owner, r.ID, "")
	require.NoError(t, err)
	require.Equal(t, services.ReservationCancelled, again.Status)
	require.Len(t, recorder.freed, 1)

	// the slot is bookable again
	_, err = p.engine.Create(ctx, CreateRequest{
		UserID:   "bob",
		Resource: p.resource.ID,
		Interval: r.Interval,
	})
	require.NoError(t, err)

	// owners cannot cancel a started reservation, admins can
	started, err := p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T11:00:00Z", "2030-01-01T12:00:00Z"),
	})
	require.NoError(t, err)
	p.clock.Advance(3*time.Hour + 30*time.Minute) // now 11:30
	_, err = p.engine.Cancel(ctx, owner, started.ID, "")
	require.True(t, trace.IsCompareFailed(err))
	_, err = p.engine.Cancel(ctx, admin, started.ID, "maintenance")
	require.NoError(t, err)
}

func TestCancelEmitsSingleEvent(t *testing.T) {
	p := newEnginePack(t)
	ctx := context.Background()

	bus := p.engine.cfg.Bus
	sub, err := bus.Subscribe(events.Match{Topics: []string{bookd.EventReservationCancelled}})
	require.NoError(t, err)
	defer sub.Close()

	owner := &services.User{ID: "alice", Username: "alice", Roles: []string{bookd.RoleUser}}
	r, err := p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T09:00:00Z", "2030-01-01T10:00:00Z"),
	})
	require.NoError(t, err)

	_, err = p.engine.Cancel(ctx, owner, r.ID, "")
	require.NoError(t, err)
	_, err = p.engine.Cancel(ctx, owner, r.ID, "")
	require.NoError(t, err)

	select {
	case <-sub.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("expected a cancellation event")
	}
	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected second event %v", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExpireSweep(t *testing.T) {
	p := newEnginePack(t)
	ctx := context.Background()
	recorder := &freedRecorder{}
	p.engine.SetFreedHandler(recorder)

	r, err := p.engine.Create(ctx, CreateRequest{
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: mustInterval(t, "2030-01-01T09:00:00Z", "2030-01-01T10:00:00Z"),
	})
	require.NoError(t, err)

	// nothing ends yet
	n, err := p.engine.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	p.clock.Advance(3 * time.Hour)
	n, err = p.engine.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, recorder.freed, 1)

	got, err := p.reservations.FindReservation(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, services.ReservationExpired, got.Status)

	// idempotent
	n, err = p.engine.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	history, err := p.engine.History(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, ActionCreated, history[0].Action)
	require.Equal(t, ActionExpired, history[1].Action)
}

func TestConflictErrorUnwrapsThroughTrace(t *testing.T) {
	err := trace.Wrap(&ConflictError{Overlapping: []string{"a"}})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, []string{"a"}, conflict.Overlapping)
}
