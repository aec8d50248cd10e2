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

package services

import (
	"time"

	"github.com/gravitational/trace"
)

// WaitlistState is the lifecycle state of a waitlist entry.
type WaitlistState string

const (
	// Waiting is queued for a freed interval.
	Waiting WaitlistState = "waiting"
	// Offered holds a time-bound right to accept a reservation.
	Offered WaitlistState = "offered"
	// Accepted converted its offer into a reservation.
	Accepted WaitlistState = "accepted"
	// OfferExpired let its offer lapse.
	OfferExpired WaitlistState = "expired"
	// Left withdrew from the queue.
	Left WaitlistState = "left"
)

// WaitlistEntry is a FIFO queue membership for a resource. Position is
// monotonically increasing per resource; gaps left by departed entries
// are harmless.
type WaitlistEntry struct {
	ID       string   `json:"id"`
	UserID   string   `json:"user_id"`
	Resource string   `json:"resource_id"`
	Desired  Interval `json:"desired"`
	// FlexibleTime treats the desired window as a preference: any freed
	// interval long enough for the desired duration qualifies.
	FlexibleTime bool          `json:"flexible_time"`
	Position     uint64        `json:"position"`
	State        WaitlistState `json:"state"`

	// OfferedInterval is the concrete window of the outstanding offer.
	OfferedInterval Interval  `json:"offered_interval,omitzero"`
	OfferExpiresAt  time.Time `json:"offer_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAndSetDefaults validates the entry.
func (w *WaitlistEntry) CheckAndSetDefaults() error {
	if w.ID == "" {
		return trace.BadParameter("missing waitlist entry id")
	}
	if w.UserID == "" {
		return trace.BadParameter("missing waitlist entry user")
	}
	if w.Resource == "" {
		return trace.BadParameter("missing waitlist entry resource")
	}
	if err := w.Desired.Check(); err != nil {
		return trace.Wrap(err)
	}
	if w.State == "" {
		w.State = Waiting
	}
	switch w.State {
	case Waiting, Offered, Accepted, OfferExpired, Left:
	default:
		return trace.BadParameter("unknown waitlist state %q", w.State)
	}
	return nil
}

// Matches reports whether a freed interval satisfies this entry: the
// desired window intersects it, or, for flexible entries, the freed
// interval fits the desired duration.
func (w *WaitlistEntry) Matches(freed Interval) bool {
	if w.FlexibleTime {
		return freed.Duration() >= w.Desired.Duration()
	}
	return w.Desired.Overlaps(freed)
}
