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

package avail

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bookd/bookd/lib/backend/memory"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/services/local"
)

type projectorPack struct {
	projector    *Projector
	resources    *local.ResourceService
	reservations *local.ReservationService
	clock        *clockwork.FakeClock
	resource     *services.Resource
}

func newProjectorPack(t *testing.T) *projectorPack {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2030, 1, 1, 9, 30, 0, 0, time.UTC))
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })

	resources := local.NewResourceService(bk)
	reservations := local.NewReservationService(bk)
	projector, err := NewProjector(Config{
		Resources:    resources,
		Reservations: reservations,
		Clock:        clock,
	})
	require.NoError(t, err)

	resource, err := resources.CreateResource(context.Background(), &services.Resource{
		ID:            uuid.NewString(),
		Name:          "Room A",
		BaseAvailable: true,
	})
	require.NoError(t, err)
	return &projectorPack{
		projector:    projector,
		resources:    resources,
		reservations: reservations,
		clock:        clock,
		resource:     resource,
	}
}

func (p *projectorPack) reserve(t *testing.T, start, end time.Time) *services.Reservation {
	t.Helper()
	r, err := p.reservations.CreateReservation(context.Background(), &services.Reservation{
		ID:       uuid.NewString(),
		UserID:   "alice",
		Resource: p.resource.ID,
		Interval: services.Interval{Start: start, End: end},
		Status:   services.ReservationActive,
	})
	require.NoError(t, err)
	return r
}

func (p *projectorPack) setHours(t *testing.T, openMin, closeMin int) {
	t.Helper()
	hours := &services.BusinessHours{Enforced: true}
	for i := range hours.Days {
		hours.Days[i] = services.DayHours{Open: openMin, Close: closeMin}
	}
	require.NoError(t, p.resources.SetBusinessHours(context.Background(), hours))
}

func day(d int, hour, min int) time.Time {
	return time.Date(2030, 1, d, hour, min, 0, 0, time.UTC)
}

func TestScheduleReasons(t *testing.T) {
	p := newProjectorPack(t)
	ctx := context.Background()

	p.setHours(t, 9*60, 17*60)
	p.reserve(t, day(1, 10, 0), day(1, 11, 0))
	_, err := p.resources.CreateBlackout(ctx, &services.BlackoutDate{
		ID:   uuid.NewString(),
		Date: day(2, 0, 0),
	})
	require.NoError(t, err)

	slots, err := p.projector.Schedule(ctx, p.resource.ID,
		services.Interval{Start: day(1, 8, 0), End: day(1, 12, 0)}, time.Hour)
	require.NoError(t, err)
	require.Len(t, slots, 4)

	// 08:00 closed, 09:00 free, 10:00 reserved, 11:00 free
	require.False(t, slots[0].Available)
	require.Equal(t, ReasonClosed, slots[0].Reason)
	require.True(t, slots[1].Available)
	require.False(t, slots[2].Available)
	require.Equal(t, ReasonReserved, slots[2].Reason)
	require.True(t, slots[3].Available)

	// the blacked-out day reports blackout during open hours
	slots, err = p.projector.Schedule(ctx, p.resource.ID,
		services.Interval{Start: day(2, 9, 0), End: day(2, 11, 0)}, time.Hour)
	require.NoError(t, err)
	for _, s := range slots {
		require.False(t, s.Available)
		require.Equal(t, ReasonBlackout, s.Reason)
	}
}

func TestScheduleDisabledResource(t *testing.T) {
	p := newProjectorPack(t)
	ctx := context.Background()

	p.resource.BaseAvailable = false
	_, err := p.resources.UpdateResource(ctx, p.resource)
	require.NoError(t, err)

	slots, err := p.projector.Schedule(ctx, p.resource.ID,
		services.Interval{Start: day(1, 9, 0), End: day(1, 11, 0)}, time.Hour)
	require.NoError(t, err)
	for _, s := range slots {
		require.False(t, s.Available)
		require.Equal(t, ReasonDisabled, s.Reason)
	}
}

func TestAvailableSlotsMerged(t *testing.T) {
	p := newProjectorPack(t)
	ctx := context.Background()

	p.setHours(t, 9*60, 17*60)
	p.reserve(t, day(1, 10, 0), day(1, 11, 0))
	p.reserve(t, day(1, 11, 0), day(1, 12, 0))

	free, err := p.projector.AvailableSlots(ctx, p.resource.ID, day(1, 0, 0))
	require.NoError(t, err)
	// touching reservations merge into one busy block
	require.Equal(t, []services.Interval{
		{Start: day(1, 9, 0), End: day(1, 10, 0)},
		{Start: day(1, 12, 0), End: day(1, 17, 0)},
	}, free)
}

func TestNextAvailable(t *testing.T) {
	p := newProjectorPack(t)
	ctx := context.Background()

	// business hours 09:00-17:00, reservation 10:00-11:00 today,
	// blackout tomorrow
	p.setHours(t, 9*60, 17*60)
	p.reserve(t, day(1, 10, 0), day(1, 11, 0))
	_, err := p.resources.CreateBlackout(ctx, &services.BlackoutDate{
		ID:   uuid.NewString(),
		Date: day(2, 0, 0),
	})
	require.NoError(t, err)

	// at 09:30 only 30 minutes remain before the reservation, so the
	// answer is 11:00 the same day
	next, err := p.projector.NextAvailable(ctx, p.resource.ID, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, day(1, 11, 0), *next)

	// at 16:30 the remaining stretch today is too short and tomorrow is
	// blacked out, so the answer is 09:00 two days later
	p.clock.Advance(7 * time.Hour) // now 16:30
	next, err = p.projector.NextAvailable(ctx, p.resource.ID, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, day(3, 9, 0), *next)
}

func TestNextAvailableNothingWithinHorizon(t *testing.T) {
	p := newProjectorPack(t)
	ctx := context.Background()

	p.resource.Status = services.ResourceUnavailable
	_, err := p.resources.UpdateResource(ctx, p.resource)
	require.NoError(t, err)

	next, err := p.projector.NextAvailable(ctx, p.resource.ID, time.Hour)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestStatusAndSummary(t *testing.T) {
	p := newProjectorPack(t)
	ctx := context.Background()

	// a second resource, administratively unavailable
	_, err := p.resources.CreateResource(ctx, &services.Resource{
		ID:            uuid.NewString(),
		Name:          "Broken Projector",
		BaseAvailable: true,
		Status:        services.ResourceUnavailable,
	})
	require.NoError(t, err)

	status, err := p.projector.Status(ctx, p.resource.ID)
	require.NoError(t, err)
	require.Equal(t, services.ResourceAvailable, status)

	// reservation covering now flips the first resource to in_use
	p.reserve(t, day(1, 9, 0), day(1, 10, 0))
	status, err = p.projector.Status(ctx, p.resource.ID)
	require.NoError(t, err)
	require.Equal(t, services.ResourceInUse, status)

	summary, err := p.projector.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, &Summary{AvailableNow: 0, Reserved: 1, Unavailable: 1}, summary)
}

func TestSubtract(t *testing.T) {
	window := services.Interval{Start: day(1, 9, 0), End: day(1, 17, 0)}

	// no busy time
	free := subtract(window, nil)
	require.Equal(t, []services.Interval{window}, free)

	// busy time fully covering the window
	free = subtract(window, []services.Interval{{Start: day(1, 0, 0), End: day(2, 0, 0)}})
	require.Empty(t, free)

	// overlapping busy blocks coalesce
	free = subtract(window, []services.Interval{
		{Start: day(1, 10, 0), End: day(1, 12, 0)},
		{Start: day(1, 11, 0), End: day(1, 13, 0)},
	})
	require.Equal(t, []services.Interval{
		{Start: day(1, 9, 0), End: day(1, 10, 0)},
		{Start: day(1, 13, 0), End: day(1, 17, 0)},
	}, free)
}
