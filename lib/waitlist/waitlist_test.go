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

package waitlist

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/backend/memory"
	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/events"
	"github.com/bookd/bookd/lib/reserve"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/services/local"
)

type waitlistPack struct {
	engine   *Engine
	reserve  *reserve.Engine
	store    *local.WaitlistService
	clock    *clockwork.FakeClock
	resource *services.Resource
}

func newWaitlistPack(t *testing.T) *waitlistPack {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC))
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	bus, err := events.NewBus(events.BusConfig{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	resources := local.NewResourceService(bk)
	reservations := local.NewReservationService(bk)
	store := local.NewWaitlistService(bk)
	reserveEngine, err := reserve.NewEngine(reserve.Config{
		Reservations: reservations,
		Resources:    resources,
		Bus:          bus,
		Clock:        clock,
	})
	require.NoError(t, err)
	engine, err := NewEngine(Config{
		Waitlist:     store,
		Resources:    resources,
		Reservations: reservations,
		Reserve:      reserveEngine,
		Bus:          bus,
		Clock:        clock,
	})
	require.NoError(t, err)

	resource, err := resources.CreateResource(context.Background(), &services.Resource{
		ID:            uuid.NewString(),
		Name:          "Room A",
		BaseAvailable: true,
	})
	require.NoError(t, err)
	return &waitlistPack{
		engine:   engine,
		reserve:  reserveEngine,
		store:    store,
		clock:    clock,
		resource: resource,
	}
}

func interval(t *testing.T, startHour, endHour int) services.Interval {
	t.Helper()
	iv, err := services.NewInterval(
		time.Date(2030, 1, 1, startHour, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 1, endHour, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return iv
}

func user(id string, roles ...string) *services.User {
	if len(roles) == 0 {
		roles = []string{bookd.RoleUser}
	}
	return &services.User{ID: id, Username: id, Roles: roles}
}

func TestJoinAssignsFIFOPositions(t *testing.T) {
	p := newWaitlistPack(t)
	ctx := context.Background()

	first, err := p.engine.Join(ctx, JoinRequest{
		UserID: "alice", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)
	second, err := p.engine.Join(ctx, JoinRequest{
		UserID: "bob", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)
	require.Greater(t, second.Position, first.Position)

	queue, err := p.engine.ListQueue(ctx, p.resource.ID)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	require.Equal(t, "alice", queue[0].UserID)
	require.Equal(t, "bob", queue[1].UserID)

	// unknown resource is rejected
	_, err = p.engine.Join(ctx, JoinRequest{
		UserID: "carol", Resource: "no-such", Desired: interval(t, 9, 10),
	})
	require.True(t, trace.IsNotFound(err))
}

func TestPromotionOnCancellation(t *testing.T) {
	p := newWaitlistPack(t)
	ctx := context.Background()

	booking, err := p.reserve.Create(ctx, reserve.CreateRequest{
		UserID: "alice", Resource: p.resource.ID, Interval: interval(t, 9, 10),
	})
	require.NoError(t, err)

	entry, err := p.engine.Join(ctx, JoinRequest{
		UserID: "bob", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)

	bus := p.engine.cfg.Bus
	sub, err := bus.Subscribe(events.Match{Topics: []string{bookd.EventWaitlistPromoted}})
	require.NoError(t, err)
	defer sub.Close()

	_, err = p.reserve.Cancel(ctx, user("alice"), booking.ID, "plans changed")
	require.NoError(t, err)

	select {
	case e := <-sub.Events():
		promoted := e.Data.(*services.WaitlistEntry)
		require.Equal(t, entry.ID, promoted.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for promotion event")
	}

	got, err := p.store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, services.Offered, got.State)
	require.Equal(t, interval(t, 9, 10), got.OfferedInterval)
	require.Equal(t, p.clock.Now().UTC().Add(defaults.OfferTTL), got.OfferExpiresAt)
}

func TestPromotionPicksFirstMatching(t *testing.T) {
	p := newWaitlistPack(t)
	ctx := context.Background()

	// first in line wants the afternoon, second wants the morning
	afternoon, err := p.engine.Join(ctx, JoinRequest{
		UserID: "alice", Resource: p.resource.ID, Desired: interval(t, 14, 15),
	})
	require.NoError(t, err)
	morning, err := p.engine.Join(ctx, JoinRequest{
		UserID: "bob", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)

	require.NoError(t, p.engine.Promote(ctx, p.resource.ID, interval(t, 9, 11)))

	got, err := p.store.GetEntry(ctx, morning.ID)
	require.NoError(t, err)
	require.Equal(t, services.Offered, got.State)

	untouched, err := p.store.GetEntry(ctx, afternoon.ID)
	require.NoError(t, err)
	require.Equal(t, services.Waiting, untouched.State)

	// one offer per freed interval: a second matching waiter stays queued
	third, err := p.engine.Join(ctx, JoinRequest{
		UserID: "carol", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)
	got, err = p.store.GetEntry(ctx, third.ID)
	require.NoError(t, err)
	require.Equal(t, services.Waiting, got.State)
}

func TestFlexiblePromotion(t *testing.T) {
	p := newWaitlistPack(t)
	ctx := context.Background()

	entry, err := p.engine.Join(ctx, JoinRequest{
		UserID:       "alice",
		Resource:     p.resource.ID,
		Desired:      interval(t, 14, 15),
		FlexibleTime: true,
	})
	require.NoError(t, err)

	// freed window elsewhere in the day, long enough for one hour
	require.NoError(t, p.engine.Promote(ctx, p.resource.ID, interval(t, 9, 11)))

	got, err := p.store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, services.Offered, got.State)
	require.Equal(t, interval(t, 9, 10), got.OfferedInterval)

	// a freed window shorter than the desired duration does not match
	short, err := p.engine.Join(ctx, JoinRequest{
		UserID:       "bob",
		Resource:     p.resource.ID,
		Desired:      interval(t, 14, 16),
		FlexibleTime: true,
	})
	require.NoError(t, err)
	require.NoError(t, p.engine.Promote(ctx, p.resource.ID, interval(t, 11, 12)))
	got, err = p.store.GetEntry(ctx, short.ID)
	require.NoError(t, err)
	require.Equal(t, services.Waiting, got.State)
}

func TestAccept(t *testing.T) {
	p := newWaitlistPack(t)
	ctx := context.Background()

	entry, err := p.engine.Join(ctx, JoinRequest{
		UserID: "alice", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)
	require.NoError(t, p.engine.Promote(ctx, p.resource.ID, interval(t, 9, 10)))

	// only the owner may accept
	_, err = p.engine.Accept(ctx, user("bob"), entry.ID)
	require.True(t, trace.IsAccessDenied(err))

	reservation, err := p.engine.Accept(ctx, user("alice"), entry.ID)
	require.NoError(t, err)
	require.Equal(t, interval(t, 9, 10), reservation.Interval)
	require.Equal(t, "alice", reservation.UserID)

	got, err := p.store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, services.Accepted, got.State)

	// accepting twice fails
	_, err = p.engine.Accept(ctx, user("alice"), entry.ID)
	require.True(t, trace.IsCompareFailed(err))
}

func TestAcceptConflictMovesToNextWaiter(t *testing.T) {
	p := newWaitlistPack(t)
	ctx := context.Background()

	first, err := p.engine.Join(ctx, JoinRequest{
		UserID: "alice", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)
	second, err := p.engine.Join(ctx, JoinRequest{
		UserID: "bob", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)

	require.NoError(t, p.engine.Promote(ctx, p.resource.ID, interval(t, 9, 10)))

	// someone books the window directly before alice accepts
	_, err = p.reserve.Create(ctx, reserve.CreateRequest{
		UserID: "carol", Resource: p.resource.ID, Interval: interval(t, 9, 10),
	})
	require.NoError(t, err)

	_, err = p.engine.Accept(ctx, user("alice"), first.ID)
	var conflict *reserve.ConflictError
	require.ErrorAs(t, err, &conflict)

	got, err := p.store.GetEntry(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, services.OfferExpired, got.State)

	// bob was considered next, but the window is taken, so he stays
	// waiting
	next, err := p.store.GetEntry(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, services.Waiting, next.State)
}

func TestLeave(t *testing.T) {
	p := newWaitlistPack(t)
	ctx := context.Background()

	first, err := p.engine.Join(ctx, JoinRequest{
		UserID: "alice", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)
	second, err := p.engine.Join(ctx, JoinRequest{
		UserID: "bob", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)

	// strangers cannot remove entries, admins can
	require.True(t, trace.IsAccessDenied(p.engine.Leave(ctx, user("bob"), first.ID)))
	require.NoError(t, p.engine.Leave(ctx, user("alice"), first.ID))

	// idempotent
	require.NoError(t, p.engine.Leave(ctx, user("alice"), first.ID))

	// remaining entries keep their positions
	got, err := p.store.GetEntry(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, second.Position, got.Position)
}

func TestDecliningOfferPromotesNext(t *testing.T) {
	p := newWaitlistPack(t)
	ctx := context.Background()

	first, err := p.engine.Join(ctx, JoinRequest{
		UserID: "alice", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)
	second, err := p.engine.Join(ctx, JoinRequest{
		UserID: "bob", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)

	require.NoError(t, p.engine.Promote(ctx, p.resource.ID, interval(t, 9, 10)))
	require.NoError(t, p.engine.Leave(ctx, user("alice"), first.ID))

	got, err := p.store.GetEntry(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, services.Offered, got.State)
}

func TestExpireOffers(t *testing.T) {
	p := newWaitlistPack(t)
	ctx := context.Background()

	first, err := p.engine.Join(ctx, JoinRequest{
		UserID: "alice", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)
	second, err := p.engine.Join(ctx, JoinRequest{
		UserID: "bob", Resource: p.resource.ID, Desired: interval(t, 9, 10),
	})
	require.NoError(t, err)

	require.NoError(t, p.engine.Promote(ctx, p.resource.ID, interval(t, 9, 10)))

	// nothing lapses before the TTL
	n, err := p.engine.ExpireOffers(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	p.clock.Advance(defaults.OfferTTL + time.Minute)
	n, err = p.engine.ExpireOffers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := p.store.GetEntry(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, services.OfferExpired, got.State)

	// the window moved on to the next waiter
	next, err := p.store.GetEntry(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, services.Offered, next.State)
}
