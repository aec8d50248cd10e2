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

// Package defaults contains default constants set in various parts of
// the bookd codebase.
package defaults

import "time"

const (
	// HTTPListenAddr is the default address the API server binds to.
	HTTPListenAddr = "127.0.0.1:8440"

	// HTTPRequestTimeout bounds every inbound request; handlers derive
	// their context deadline from it.
	HTTPRequestTimeout = 30 * time.Second

	// HTTPIdleTimeout is a default timeout for idle HTTP connections.
	HTTPIdleTimeout = 30 * time.Second

	// GracefulShutdownTimeout is how long the server waits for inflight
	// requests to drain on shutdown.
	GracefulShutdownTimeout = 30 * time.Second
)

const (
	// BCryptCost is the cost factor used when hashing passwords and
	// backup codes.
	BCryptCost = 10

	// MinPasswordLength is the minimum accepted password length.
	MinPasswordLength = 8

	// AccessTokenTTL is the lifetime of a signed access token.
	AccessTokenTTL = 30 * time.Minute

	// RefreshTokenTTL is the lifetime of a refresh token.
	RefreshTokenTTL = 7 * 24 * time.Hour

	// RefreshTokenRetention is how long expired refresh rows are kept
	// before the sweep deletes them.
	RefreshTokenRetention = 7 * 24 * time.Hour

	// NumBackupCodes is how many single-use MFA backup codes are
	// generated per user.
	NumBackupCodes = 10

	// MaxLoginAttempts locks an account after this many consecutive
	// failures within LoginAttemptWindow.
	MaxLoginAttempts = 5

	// LoginAttemptWindow is the sliding window for failed login
	// accounting.
	LoginAttemptWindow = 10 * time.Minute

	// AccountLockInterval is how long an account stays locked after
	// exceeding MaxLoginAttempts.
	AccountLockInterval = 20 * time.Minute
)

const (
	// MinReservationDuration rejects reservations shorter than this.
	MinReservationDuration = 15 * time.Minute

	// MaxReservationDuration rejects reservations longer than this.
	MaxReservationDuration = 24 * time.Hour

	// ReservationGrace allows a reservation start slightly in the past
	// to absorb clock skew. Zero by default.
	ReservationGrace = 0 * time.Second

	// MaxReservationsPerDay is the per-user daily quota of active
	// reservations on any resource.
	MaxReservationsPerDay = 10

	// RecurrenceHorizon bounds how far into the future a recurrence
	// rule is expanded.
	RecurrenceHorizon = 365 * 24 * time.Hour

	// MaxRecurrenceInstances caps the number of occurrences produced by
	// a single recurring create.
	MaxRecurrenceInstances = 500

	// MaxResourceNameLength bounds resource names.
	MaxResourceNameLength = 200
)

const (
	// ProjectionHorizon bounds next-available searches.
	ProjectionHorizon = 30 * 24 * time.Hour

	// ScheduleGranularity is the default slot size in schedule
	// projections.
	ScheduleGranularity = 30 * time.Minute
)

const (
	// OfferTTL is how long a waitlist offer stays open before it
	// expires.
	OfferTTL = 30 * time.Minute
)

const (
	// EventBufferSize is the per-subscriber ring capacity on the event
	// bus; the oldest event is dropped on overflow.
	EventBufferSize = 256

	// KeepAliveInterval is how often the server pings WebSocket
	// clients.
	KeepAliveInterval = 30 * time.Second
)

const (
	// WebhookWorkers is the size of the webhook delivery worker pool.
	WebhookWorkers = 8

	// WebhookAttemptTimeout bounds a single delivery attempt.
	WebhookAttemptTimeout = 10 * time.Second

	// WebhookMaxAttempts is the number of delivery attempts before a
	// delivery is abandoned.
	WebhookMaxAttempts = 6

	// WebhookSnippetSize is how much of the response body is retained
	// on a delivery row.
	WebhookSnippetSize = 1024

	// WebhookFailureDisableCount auto-disables a webhook after this
	// many consecutive exhausted deliveries.
	WebhookFailureDisableCount = 3
)

// WebhookRetrySchedule is the delay before each delivery attempt,
// jittered at dispatch time.
var WebhookRetrySchedule = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
	6 * time.Hour,
}

const (
	// ReservationExpirePeriod is the cadence of the reservation expiry
	// sweep.
	ReservationExpirePeriod = 60 * time.Second

	// OfferExpirePeriod is the cadence of the waitlist offer expiry
	// sweep.
	OfferExpirePeriod = 30 * time.Second

	// TokenSweepPeriod is the cadence of the revoked refresh token
	// sweep.
	TokenSweepPeriod = time.Hour

	// AutoResetPeriod is the cadence of the resource auto-reset loop.
	AutoResetPeriod = 5 * time.Minute

	// TaskAlertThreshold raises a system alert after this many
	// consecutive failures of a background task.
	TaskAlertThreshold = 3
)

const (
	// DefaultPageSize is the listing page size when the caller does not
	// pass an explicit limit.
	DefaultPageSize = 50

	// MaxPageSize caps listing page sizes.
	MaxPageSize = 500
)

const (
	// StorageRetries is how many times contended storage writes are
	// retried before surfacing an error.
	StorageRetries = 3

	// StorageRetryBackoff is the base backoff between storage retries.
	StorageRetryBackoff = 50 * time.Millisecond
)
