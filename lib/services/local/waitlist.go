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

package local

import (
	"context"
	"fmt"
	"time"

	"github.com/gravitational/trace"

	"github.com/bookd/bookd/lib/backend"
	"github.com/bookd/bookd/lib/services"
)

// WaitlistService implements services.Waitlist over a backend. Entries
// live under position-ordered keys so a range scan yields FIFO order.
type WaitlistService struct {
	bk backend.Backend
}

// NewWaitlistService returns a waitlist service.
func NewWaitlistService(bk backend.Backend) *WaitlistService {
	return &WaitlistService{bk: bk}
}

func waitlistEntryKey(resourceID string, position uint64) []byte {
	return backend.Key("waitlist", "entries", resourceID, fmt.Sprintf("%020d", position))
}
func waitlistIndexKey(id string) []byte {
	return backend.Key("waitlist", "index", id)
}
func waitlistCounterKey(resourceID string) []byte {
	return backend.Key("waitlist", "counter", resourceID)
}

type waitlistRef struct {
	Resource string `json:"resource_id"`
	Position uint64 `json:"position"`
}

// CreateEntry implements services.Waitlist.
func (s *WaitlistService) CreateEntry(ctx context.Context, e *services.WaitlistEntry) (*services.WaitlistEntry, error) {
	if err := e.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	position, err := nextCounter(ctx, s.bk, waitlistCounterKey(e.Resource))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.Position = position
	if err := createJSON(ctx, s.bk, waitlistEntryKey(e.Resource, e.Position), e); err != nil {
		return nil, trace.Wrap(err)
	}
	ref := waitlistRef{Resource: e.Resource, Position: e.Position}
	if err := createJSON(ctx, s.bk, waitlistIndexKey(e.ID), ref); err != nil {
		return nil, trace.Wrap(err)
	}
	return e, nil
}

// GetEntry implements services.Waitlist.
func (s *WaitlistService) GetEntry(ctx context.Context, id string) (*services.WaitlistEntry, error) {
	ref, err := getJSON[waitlistRef](ctx, s.bk, waitlistIndexKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("waitlist entry %q is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	entry, err := getJSON[services.WaitlistEntry](ctx, s.bk, waitlistEntryKey(ref.Resource, ref.Position))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("waitlist entry %q is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return entry, nil
}

// UpdateEntry implements services.Waitlist.
func (s *WaitlistService) UpdateEntry(ctx context.Context, e *services.WaitlistEntry) (*services.WaitlistEntry, error) {
	if err := e.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := updateJSON(ctx, s.bk, waitlistEntryKey(e.Resource, e.Position), e); err != nil {
		return nil, trace.Wrap(err)
	}
	return e, nil
}

// ListEntries implements services.Waitlist. Keys are position-ordered,
// so backend order is FIFO order.
func (s *WaitlistService) ListEntries(ctx context.Context, resourceID string, states ...services.WaitlistState) ([]services.WaitlistEntry, error) {
	prefix := backend.Key("waitlist", "entries", resourceID)
	all, err := rangeJSON[services.WaitlistEntry](ctx, s.bk, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(states) == 0 {
		return all, nil
	}
	var out []services.WaitlistEntry
	for _, e := range all {
		for _, state := range states {
			if e.State == state {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

// ListUserEntries implements services.Waitlist.
func (s *WaitlistService) ListUserEntries(ctx context.Context, userID string) ([]services.WaitlistEntry, error) {
	prefix := backend.Key("waitlist", "entries")
	all, err := rangeJSON[services.WaitlistEntry](ctx, s.bk, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []services.WaitlistEntry
	for _, e := range all {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// OffersExpiredBefore implements services.Waitlist.
func (s *WaitlistService) OffersExpiredBefore(ctx context.Context, deadline time.Time) ([]services.WaitlistEntry, error) {
	prefix := backend.Key("waitlist", "entries")
	all, err := rangeJSON[services.WaitlistEntry](ctx, s.bk, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []services.WaitlistEntry
	for _, e := range all {
		if e.State != services.Offered {
			continue
		}
		if e.OfferExpiresAt.After(deadline) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
