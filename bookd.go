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

// Package bookd contains constants shared across the bookd codebase.
package bookd

// Version is the semver of the current build, set at link time.
var Version = "0.0.0-dev"

// ComponentKey is the attribute key used to report the component
// emitting a log line.
const ComponentKey = "component"

// Component names used in logs.
const (
	// ComponentWeb is the HTTP/WebSocket API frontend.
	ComponentWeb = "web"

	// ComponentAuth is the identity and access core.
	ComponentAuth = "auth"

	// ComponentReserve is the reservation engine.
	ComponentReserve = "reserve"

	// ComponentAvail is the availability projector.
	ComponentAvail = "avail"

	// ComponentWaitlist is the waitlist and promotion engine.
	ComponentWaitlist = "waitlist"

	// ComponentWebhooks is the outbound webhook dispatcher.
	ComponentWebhooks = "webhooks"

	// ComponentTasks is the background loop scheduler.
	ComponentTasks = "tasks"

	// ComponentBackend is the storage layer.
	ComponentBackend = "backend"
)

// Built-in role names seeded at first start.
const (
	// RoleAdmin may manage resources, webhooks and other users'
	// reservations.
	RoleAdmin = "admin"

	// RoleUser may create and cancel their own reservations and join
	// waitlists.
	RoleUser = "user"

	// RoleGuest has read-only access to resources and availability.
	RoleGuest = "guest"
)

// Event types published on the in-process bus and pushed over
// WebSocket and webhooks.
const (
	EventReservationCreated   = "reservation.created"
	EventReservationCancelled = "reservation.cancelled"
	EventReservationExpired   = "reservation.expired"

	EventWaitlistJoined   = "waitlist.joined"
	EventWaitlistPromoted = "waitlist.promoted"
	EventWaitlistAccepted = "waitlist.accepted"
	EventWaitlistLeft     = "waitlist.left"
	EventWaitlistExpired  = "waitlist.expired"

	EventNotificationCreated = "notification.created"

	EventResourceUpdated = "resource.updated"

	// EventSystemAlert is raised by the task scheduler when a
	// background loop keeps failing.
	EventSystemAlert = "system.alert"
)

// APIPrefix is the base path of the JSON API.
const APIPrefix = "/api/v1"
