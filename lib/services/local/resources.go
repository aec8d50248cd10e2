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
	"strings"

	"github.com/gravitational/trace"

	"github.com/bookd/bookd/lib/backend"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/utils"
)

// ResourceService implements services.Resources over a backend.
type ResourceService struct {
	bk backend.Backend
}

// NewResourceService returns a resource service.
func NewResourceService(bk backend.Backend) *ResourceService {
	return &ResourceService{bk: bk}
}

func resourceKey(id string) []byte { return backend.Key("resources", "items", id) }
func resourceNameKey(name string) []byte {
	return backend.Key("resources", "names", strings.ToLower(name))
}
func hoursKey(resourceID string) []byte {
	if resourceID == "" {
		return backend.Key("hours", "global")
	}
	return backend.Key("hours", "resource", resourceID)
}
func blackoutKey(id string) []byte { return backend.Key("blackouts", id) }

// CreateResource implements services.Resources. Names are unique,
// case-insensitive.
func (s *ResourceService) CreateResource(ctx context.Context, r *services.Resource) (*services.Resource, error) {
	if err := r.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := createJSON(ctx, s.bk, resourceNameKey(r.Name), r.ID); err != nil {
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists("resource %q already exists", r.Name)
		}
		return nil, trace.Wrap(err)
	}
	if err := createJSON(ctx, s.bk, resourceKey(r.ID), r); err != nil {
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// GetResource implements services.Resources.
func (s *ResourceService) GetResource(ctx context.Context, id string) (*services.Resource, error) {
	r, err := getJSON[services.Resource](ctx, s.bk, resourceKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("resource %q is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// UpdateResource implements services.Resources, maintaining the name
// index on rename.
func (s *ResourceService) UpdateResource(ctx context.Context, r *services.Resource) (*services.Resource, error) {
	if err := r.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := s.GetResource(ctx, r.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !strings.EqualFold(existing.Name, r.Name) {
		if err := createJSON(ctx, s.bk, resourceNameKey(r.Name), r.ID); err != nil {
			if trace.IsAlreadyExists(err) {
				return nil, trace.AlreadyExists("resource %q already exists", r.Name)
			}
			return nil, trace.Wrap(err)
		}
		if err := s.bk.Delete(ctx, resourceNameKey(existing.Name)); err != nil && !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
	}
	if err := updateJSON(ctx, s.bk, resourceKey(r.ID), r); err != nil {
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// ListResources implements services.Resources.
func (s *ResourceService) ListResources(ctx context.Context, filter services.ResourceFilter, params services.ListParams) (*services.Page[services.Resource], error) {
	prefix := backend.Key("resources", "items")
	all, err := rangeJSON[services.Resource](ctx, s.bk, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	matched := all[:0]
	for _, r := range all {
		if matchResource(r, filter) {
			matched = append(matched, r)
		}
	}
	return paginate(matched, params, func(r services.Resource) utils.Cursor {
		return utils.Cursor{SortKey: strings.ToLower(r.Name), ID: r.ID}
	})
}

func matchResource(r services.Resource, f services.ResourceFilter) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(r.Name), q) &&
			!strings.Contains(strings.ToLower(r.Description), q) {
			return false
		}
	}
	for _, tag := range f.Tags {
		if !r.HasTag(tag) {
			return false
		}
	}
	return true
}

// SetBusinessHours implements services.Resources.
func (s *ResourceService) SetBusinessHours(ctx context.Context, hours *services.BusinessHours) error {
	if err := hours.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(putJSON(ctx, s.bk, hoursKey(hours.ResourceID), hours))
}

// GetBusinessHours implements services.Resources: per-resource first,
// then global, then nil.
func (s *ResourceService) GetBusinessHours(ctx context.Context, resourceID string) (*services.BusinessHours, error) {
	if resourceID != "" {
		hours, err := getJSON[services.BusinessHours](ctx, s.bk, hoursKey(resourceID))
		if err == nil {
			return hours, nil
		}
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
	}
	hours, err := getJSON[services.BusinessHours](ctx, s.bk, hoursKey(""))
	if trace.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return hours, nil
}

// CreateBlackout implements services.Resources.
func (s *ResourceService) CreateBlackout(ctx context.Context, b *services.BlackoutDate) (*services.BlackoutDate, error) {
	if err := b.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := createJSON(ctx, s.bk, blackoutKey(b.ID), b); err != nil {
		return nil, trace.Wrap(err)
	}
	return b, nil
}

// DeleteBlackout implements services.Resources.
func (s *ResourceService) DeleteBlackout(ctx context.Context, id string) error {
	err := s.bk.Delete(ctx, blackoutKey(id))
	if trace.IsNotFound(err) {
		return trace.NotFound("blackout %q is not found", id)
	}
	return trace.Wrap(err)
}

// ListBlackouts implements services.Resources.
func (s *ResourceService) ListBlackouts(ctx context.Context, resourceID string, window services.Interval) ([]services.BlackoutDate, error) {
	prefix := backend.Key("blackouts")
	all, err := rangeJSON[services.BlackoutDate](ctx, s.bk, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []services.BlackoutDate
	for _, b := range all {
		if !b.AppliesTo(resourceID) {
			continue
		}
		if !b.Window().Overlaps(window) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
