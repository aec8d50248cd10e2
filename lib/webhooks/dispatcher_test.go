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

package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/backend/memory"
	"github.com/bookd/bookd/lib/events"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/services/local"
)

func TestSignature(t *testing.T) {
	body := []byte(`{"event":"reservation.created"}`)
	sig := Sign("topsecret", body)
	require.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	require.True(t, Verify("topsecret", body, sig))
	require.False(t, Verify("wrong", body, sig))
	require.False(t, Verify("topsecret", []byte("tampered"), sig))
}

type dispatcherPack struct {
	dispatcher *Dispatcher
	store      *local.WebhookService
	bus        *events.Bus
}

func newDispatcherPack(t *testing.T, overrides func(*Config)) *dispatcherPack {
	t.Helper()
	bk, err := memory.New(memory.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	bus, err := events.NewBus(events.BusConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	store := local.NewWebhookService(bk)
	cfg := Config{
		Store:        store,
		Bus:          bus,
		RescanPeriod: 10 * time.Millisecond,
		// immediate retries keep the tests fast
		RetrySchedule: []time.Duration{time.Nanosecond, time.Nanosecond, time.Nanosecond},
	}
	if overrides != nil {
		overrides(&cfg)
	}
	dispatcher, err := NewDispatcher(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		dispatcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &dispatcherPack{dispatcher: dispatcher, store: store, bus: bus}
}

func (p *dispatcherPack) addWebhook(t *testing.T, url, secret string, eventTypes ...string) *services.Webhook {
	t.Helper()
	hook, err := p.store.CreateWebhook(context.Background(), &services.Webhook{
		ID:         uuid.NewString(),
		URL:        url,
		Secret:     secret,
		Active:     true,
		EventTypes: eventTypes,
	})
	require.NoError(t, err)
	return hook
}

func (p *dispatcherPack) deliveries(t *testing.T, webhookID string) []services.WebhookDelivery {
	t.Helper()
	page, err := p.store.ListDeliveries(context.Background(), webhookID, services.ListParams{})
	require.NoError(t, err)
	return page.Items
}

func TestDeliverySigned(t *testing.T) {
	var gotBody atomic.Value
	var gotSig atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := newDispatcherPack(t, nil)
	hook := p.addWebhook(t, server.URL, "topsecret")

	p.bus.Publish(events.Event{Type: bookd.EventReservationCreated, Data: map[string]string{"id": "r1"}})

	require.Eventually(t, func() bool {
		rows := p.deliveries(t, hook.ID)
		return len(rows) == 1 && rows[0].Status == services.DeliverySucceeded
	}, 5*time.Second, 10*time.Millisecond)

	body := gotBody.Load().([]byte)
	sig := gotSig.Load().(string)
	require.True(t, Verify("topsecret", body, sig))

	rows := p.deliveries(t, hook.ID)
	require.Equal(t, 1, rows[0].Attempts)
	require.Equal(t, http.StatusOK, rows[0].LastStatusCode)
	require.Equal(t, bookd.EventReservationCreated, rows[0].EventType)
}

func TestEventFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := newDispatcherPack(t, nil)
	reservations := p.addWebhook(t, server.URL, "s1", "reservation.*")
	everything := p.addWebhook(t, server.URL, "s2")

	p.bus.Publish(events.Event{Type: bookd.EventWaitlistPromoted})

	require.Eventually(t, func() bool {
		return len(p.deliveries(t, everything.ID)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, p.deliveries(t, reservations.ID))
}

func TestRetryExhaustionDisablesWebhook(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	p := newDispatcherPack(t, func(cfg *Config) {
		cfg.MaxAttempts = 3
		cfg.DisableCount = 1
	})
	hook := p.addWebhook(t, server.URL, "topsecret")

	p.bus.Publish(events.Event{Type: bookd.EventReservationCreated})

	require.Eventually(t, func() bool {
		rows := p.deliveries(t, hook.ID)
		return len(rows) == 1 && rows[0].Status == services.DeliveryFailed
	}, 5*time.Second, 10*time.Millisecond)

	rows := p.deliveries(t, hook.ID)
	require.Equal(t, 3, rows[0].Attempts)
	require.EqualValues(t, 3, hits.Load())
	require.Contains(t, rows[0].ResponseBody, "nope")

	got, err := p.store.GetWebhook(context.Background(), hook.ID)
	require.NoError(t, err)
	require.True(t, got.Suspect)
	require.False(t, got.Active)
}

func TestManualRetryResetsAttempts(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := newDispatcherPack(t, func(cfg *Config) {
		cfg.MaxAttempts = 2
		// keep the hook alive through the first exhaustion
		cfg.DisableCount = 10
	})
	hook := p.addWebhook(t, server.URL, "topsecret")

	p.bus.Publish(events.Event{Type: bookd.EventReservationCreated})
	require.Eventually(t, func() bool {
		rows := p.deliveries(t, hook.ID)
		return len(rows) == 1 && rows[0].Status == services.DeliveryFailed
	}, 5*time.Second, 10*time.Millisecond)

	failing.Store(false)
	rows := p.deliveries(t, hook.ID)
	retried, err := p.dispatcher.Retry(context.Background(), hook.ID, rows[0].ID)
	require.NoError(t, err)
	require.Equal(t, services.DeliveryPending, retried.Status)
	require.Zero(t, retried.Attempts)

	require.Eventually(t, func() bool {
		rows := p.deliveries(t, hook.ID)
		return rows[0].Status == services.DeliverySucceeded && rows[0].Attempts == 1
	}, 5*time.Second, 10*time.Millisecond)
}
