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

package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/events"
)

func TestSchedulerRunsTasks(t *testing.T) {
	s, err := NewScheduler(Config{})
	require.NoError(t, err)

	var ticks atomic.Int64
	require.NoError(t, s.Add("counter", time.Millisecond, func(ctx context.Context) (int, error) {
		ticks.Add(1)
		return 1, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 5*time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestSchedulerSurvivesFailuresAndAlerts(t *testing.T) {
	bus, err := events.NewBus(events.BusConfig{})
	require.NoError(t, err)
	defer bus.Close()
	sub, err := bus.Subscribe(events.Match{Topics: []string{bookd.EventSystemAlert}})
	require.NoError(t, err)
	defer sub.Close()

	s, err := NewScheduler(Config{Bus: bus, AlertThreshold: 3})
	require.NoError(t, err)

	var ticks atomic.Int64
	require.NoError(t, s.Add("flaky", time.Millisecond, func(ctx context.Context) (int, error) {
		ticks.Add(1)
		return 0, trace.Errorf("storage is on fire")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case e := <-sub.Events():
		data := e.Data.(map[string]any)
		require.Equal(t, "flaky", data["task"])
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for alert event")
	}
	// the scheduler keeps ticking after the alert
	before := ticks.Load()
	require.Eventually(t, func() bool { return ticks.Load() > before }, 5*time.Second, time.Millisecond)
}

func TestAddValidation(t *testing.T) {
	s, err := NewScheduler(Config{})
	require.NoError(t, err)
	require.Error(t, s.Add("", time.Second, func(ctx context.Context) (int, error) { return 0, nil }))
	require.Error(t, s.Add("x", 0, func(ctx context.Context) (int, error) { return 0, nil }))
	require.Error(t, s.Add("x", time.Second, nil))
}
