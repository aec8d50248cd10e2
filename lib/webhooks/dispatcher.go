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

// Package webhooks delivers domain events to registered HTTP endpoints
// with HMAC-signed payloads, bounded retry and per-attempt history.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/events"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/utils"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body,
// prefixed with "sha256=".
const SignatureHeader = "X-Webhook-Signature"

// payload is the outbound wire form of one event.
type payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Config holds dispatcher parameters.
type Config struct {
	// Store is the webhook and delivery storage service.
	Store services.Webhooks
	// Bus is the event source.
	Bus *events.Bus

	// Workers is the size of the delivery worker pool.
	Workers int
	// AttemptTimeout bounds a single HTTP attempt.
	AttemptTimeout time.Duration
	// MaxAttempts bounds delivery retries, including the first attempt.
	MaxAttempts int
	// RetrySchedule holds the delay before each attempt.
	RetrySchedule []time.Duration
	// SnippetSize caps the stored response body.
	SnippetSize int
	// DisableCount auto-disables a webhook after this many consecutive
	// exhausted deliveries.
	DisableCount int
	// RescanPeriod is how often pending deliveries are re-read from
	// storage, picking up due retries and rows left over from a restart.
	RescanPeriod time.Duration

	// Client performs the HTTP requests.
	Client *http.Client

	Clock  clockwork.Clock
	Jitter utils.Jitter
	Log    *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing webhook store")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing event bus")
	}
	if c.Workers == 0 {
		c.Workers = defaults.WebhookWorkers
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = defaults.WebhookAttemptTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.WebhookMaxAttempts
	}
	if len(c.RetrySchedule) == 0 {
		c.RetrySchedule = defaults.WebhookRetrySchedule
	}
	if c.SnippetSize == 0 {
		c.SnippetSize = defaults.WebhookSnippetSize
	}
	if c.DisableCount == 0 {
		c.DisableCount = defaults.WebhookFailureDisableCount
	}
	if c.RescanPeriod == 0 {
		c.RescanPeriod = 5 * time.Second
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.AttemptTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Jitter == nil {
		c.Jitter = utils.NewSeventhJitter()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(bookd.ComponentKey, bookd.ComponentWebhooks)
	}
	return nil
}

type deliveryRef struct {
	webhookID string
	id        string
}

// Dispatcher fans events out to webhook endpoints.
type Dispatcher struct {
	cfg  Config
	jobs chan deliveryRef

	mu       sync.Mutex
	inFlight map[deliveryRef]bool
}

// NewDispatcher returns a webhook dispatcher. Call Run to start it.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{
		cfg:      cfg,
		jobs:     make(chan deliveryRef, 1024),
		inFlight: make(map[deliveryRef]bool),
	}, nil
}

// Run blocks, consuming bus events and draining the delivery queue
// until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub, err := d.cfg.Bus.Subscribe(events.Match{})
	if err != nil {
		return trace.Wrap(err)
	}
	defer sub.Close()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return d.consumeEvents(ctx, sub) })
	group.Go(func() error { return d.rescanLoop(ctx) })
	for i := 0; i < d.cfg.Workers; i++ {
		group.Go(func() error { return d.worker(ctx) })
	}
	return trace.Wrap(group.Wait())
}

func (d *Dispatcher) consumeEvents(ctx context.Context, sub *events.Subscription) error {
	for {
		select {
		case e := <-sub.Events():
			if err := d.enqueueEvent(ctx, e); err != nil {
				d.cfg.Log.WarnContext(ctx, "failed to enqueue webhook deliveries",
					"event_type", e.Type, "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// enqueueEvent creates a pending delivery row per matching webhook.
func (d *Dispatcher) enqueueEvent(ctx context.Context, e events.Event) error {
	hooks, err := d.cfg.Store.ListWebhooks(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	body, err := json.Marshal(payload{Event: e.Type, Timestamp: e.Timestamp, Data: e.Data})
	if err != nil {
		return trace.Wrap(err)
	}
	now := d.cfg.Clock.Now().UTC()
	for i := range hooks {
		hook := &hooks[i]
		if !hook.Active || !hook.MatchesEvent(e.Type) {
			continue
		}
		delivery := &services.WebhookDelivery{
			ID:          uuid.NewString(),
			WebhookID:   hook.ID,
			EventType:   e.Type,
			Body:        body,
			Status:      services.DeliveryPending,
			NextRetryAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if _, err := d.cfg.Store.CreateDelivery(ctx, delivery); err != nil {
			d.cfg.Log.WarnContext(ctx, "failed to persist delivery",
				"webhook_id", hook.ID, "error", err)
			continue
		}
		d.offer(deliveryRef{webhookID: hook.ID, id: delivery.ID})
	}
	return nil
}

// offer hands a delivery to the worker pool without blocking; the
// rescan loop picks up anything that does not fit.
func (d *Dispatcher) offer(ref deliveryRef) {
	select {
	case d.jobs <- ref:
	default:
	}
}

func (d *Dispatcher) rescanLoop(ctx context.Context) error {
	ticker := d.cfg.Clock.NewTicker(d.cfg.RescanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			d.rescan(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Dispatcher) rescan(ctx context.Context) {
	pending, err := d.cfg.Store.PendingDeliveries(ctx)
	if err != nil {
		d.cfg.Log.WarnContext(ctx, "failed to list pending deliveries", "error", err)
		return
	}
	now := d.cfg.Clock.Now()
	for _, p := range pending {
		if p.NextRetryAt.After(now) {
			continue
		}
		d.offer(deliveryRef{webhookID: p.WebhookID, id: p.ID})
	}
}

func (d *Dispatcher) worker(ctx context.Context) error {
	for {
		select {
		case ref := <-d.jobs:
			if !d.claim(ref) {
				continue
			}
			d.process(ctx, ref)
			d.release(ref)
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Dispatcher) claim(ref deliveryRef) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[ref] {
		return false
	}
	d.inFlight[ref] = true
	return true
}

func (d *Dispatcher) release(ref deliveryRef) {
	d.mu.Lock()
	delete(d.inFlight, ref)
	d.mu.Unlock()
}

// process runs one delivery attempt and updates the rows accordingly.
func (d *Dispatcher) process(ctx context.Context, ref deliveryRef) {
	delivery, err := d.cfg.Store.GetDelivery(ctx, ref.webhookID, ref.id)
	if err != nil {
		d.cfg.Log.WarnContext(ctx, "failed to load delivery", "delivery_id", ref.id, "error", err)
		return
	}
	if delivery.Status != services.DeliveryPending {
		return
	}
	now := d.cfg.Clock.Now()
	if delivery.NextRetryAt.After(now) {
		return
	}
	hook, err := d.cfg.Store.GetWebhook(ctx, ref.webhookID)
	if err != nil {
		d.cfg.Log.WarnContext(ctx, "failed to load webhook", "webhook_id", ref.webhookID, "error", err)
		return
	}
	if !hook.Active {
		delivery.Status = services.DeliveryFailed
		delivery.LastError = "webhook is disabled"
		delivery.UpdatedAt = now.UTC()
		if _, err := d.cfg.Store.UpdateDelivery(ctx, delivery); err != nil {
			d.cfg.Log.WarnContext(ctx, "failed to update delivery", "delivery_id", ref.id, "error", err)
		}
		return
	}

	statusCode, snippet, attemptErr := d.attempt(ctx, hook, delivery.Body)
	delivery.Attempts++
	delivery.LastStatusCode = statusCode
	delivery.ResponseBody = snippet
	delivery.UpdatedAt = d.cfg.Clock.Now().UTC()
	if attemptErr != nil {
		delivery.LastError = attemptErr.Error()
	} else {
		delivery.LastError = ""
	}

	succeeded := attemptErr == nil && statusCode >= 200 && statusCode < 300
	switch {
	case succeeded:
		delivery.Status = services.DeliverySucceeded
		delivery.NextRetryAt = time.Time{}
		d.markSuccess(ctx, hook)
	case delivery.Attempts >= d.cfg.MaxAttempts:
		delivery.Status = services.DeliveryFailed
		delivery.NextRetryAt = time.Time{}
		d.markExhausted(ctx, hook)
	default:
		delay := d.cfg.RetrySchedule[len(d.cfg.RetrySchedule)-1]
		if delivery.Attempts < len(d.cfg.RetrySchedule) {
			delay = d.cfg.RetrySchedule[delivery.Attempts]
		}
		delivery.NextRetryAt = d.cfg.Clock.Now().UTC().Add(d.cfg.Jitter(delay))
	}
	if _, err := d.cfg.Store.UpdateDelivery(ctx, delivery); err != nil {
		d.cfg.Log.WarnContext(ctx, "failed to update delivery", "delivery_id", ref.id, "error", err)
		return
	}
	d.cfg.Log.InfoContext(ctx, "webhook delivery attempt",
		"webhook_id", hook.ID, "delivery_id", delivery.ID,
		"attempt", delivery.Attempts, "status", delivery.Status,
		"http_status", statusCode)
}

// attempt performs one signed POST. It never retries on its own.
func (d *Dispatcher) attempt(ctx context.Context, hook *services.Webhook, body []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(hook.Secret, body))
	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return 0, "", trace.Wrap(err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.cfg.SnippetSize)))
	return resp.StatusCode, string(snippet), nil
}

func (d *Dispatcher) markSuccess(ctx context.Context, hook *services.Webhook) {
	if hook.ConsecutiveFailures == 0 && !hook.Suspect {
		return
	}
	hook.ConsecutiveFailures = 0
	hook.Suspect = false
	hook.UpdatedAt = d.cfg.Clock.Now().UTC()
	if _, err := d.cfg.Store.UpdateWebhook(ctx, hook); err != nil {
		d.cfg.Log.WarnContext(ctx, "failed to update webhook", "webhook_id", hook.ID, "error", err)
	}
}

// markExhausted flags the webhook suspect and disables it after
// repeated exhausted deliveries.
func (d *Dispatcher) markExhausted(ctx context.Context, hook *services.Webhook) {
	hook.ConsecutiveFailures++
	hook.Suspect = true
	if hook.ConsecutiveFailures >= d.cfg.DisableCount {
		hook.Active = false
		d.cfg.Log.WarnContext(ctx, "webhook auto-disabled after repeated failures",
			"webhook_id", hook.ID, "consecutive_failures", hook.ConsecutiveFailures)
	}
	hook.UpdatedAt = d.cfg.Clock.Now().UTC()
	if _, err := d.cfg.Store.UpdateWebhook(ctx, hook); err != nil {
		d.cfg.Log.WarnContext(ctx, "failed to update webhook", "webhook_id", hook.ID, "error", err)
	}
}

// Retry re-queues a delivery with a fresh attempt budget.
func (d *Dispatcher) Retry(ctx context.Context, webhookID, deliveryID string) (*services.WebhookDelivery, error) {
	delivery, err := d.cfg.Store.GetDelivery(ctx, webhookID, deliveryID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	delivery.Status = services.DeliveryPending
	delivery.Attempts = 0
	delivery.NextRetryAt = d.cfg.Clock.Now().UTC()
	delivery.LastError = ""
	delivery.UpdatedAt = delivery.NextRetryAt
	updated, err := d.cfg.Store.UpdateDelivery(ctx, delivery)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.offer(deliveryRef{webhookID: webhookID, id: deliveryID})
	return updated, nil
}
