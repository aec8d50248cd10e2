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

// Package local implements the services interfaces on top of the
// backend key/value contract. Entities are stored as JSON under
// hierarchical keys.
package local

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/bookd/bookd/lib/backend"
	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/utils"
)

func putJSON(ctx context.Context, bk backend.Backend, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = bk.Put(ctx, backend.Item{Key: key, Value: data})
	return trace.Wrap(err)
}

func createJSON(ctx context.Context, bk backend.Backend, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = bk.Create(ctx, backend.Item{Key: key, Value: data})
	return trace.Wrap(err)
}

func updateJSON(ctx context.Context, bk backend.Backend, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = bk.Update(ctx, backend.Item{Key: key, Value: data})
	return trace.Wrap(err)
}

func getJSON[T any](ctx context.Context, bk backend.Backend, key []byte) (*T, error) {
	item, err := bk.Get(ctx, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out T
	if err := json.Unmarshal(item.Value, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

func rangeJSON[T any](ctx context.Context, bk backend.Backend, prefix []byte) ([]T, error) {
	res, err := bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]T, 0, len(res.Items))
	for _, item := range res.Items {
		var v T
		if err := json.Unmarshal(item.Value, &v); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, v)
	}
	return out, nil
}

// casRetry is the retry policy for contended compare-and-swap writes:
// a handful of attempts with a small jittered backoff, giving up with
// the last CompareFailed once contention persists.
func casRetry(clock clockwork.Clock) utils.RetryConfig {
	return utils.RetryConfig{
		Attempts: defaults.StorageRetries,
		Backoff:  defaults.StorageRetryBackoff,
		Clock:    clock,
		RetryIf:  trace.IsCompareFailed,
	}
}

// nextCounter atomically increments a persisted counter and returns the
// new value. Used for FIFO waitlist positions.
func nextCounter(ctx context.Context, bk backend.Backend, key []byte) (uint64, error) {
	var next uint64
	err := utils.RetryWithBackoff(ctx, casRetry(bk.Clock()), func() error {
		item, err := bk.Get(ctx, key)
		if trace.IsNotFound(err) {
			if _, cerr := bk.Create(ctx, backend.Item{Key: key, Value: []byte("1")}); cerr != nil {
				if trace.IsAlreadyExists(cerr) {
					return trace.CompareFailed("counter was created concurrently")
				}
				return trace.Wrap(cerr)
			}
			next = 1
			return nil
		}
		if err != nil {
			return trace.Wrap(err)
		}
		cur, err := strconv.ParseUint(string(item.Value), 10, 64)
		if err != nil {
			return trace.Wrap(err)
		}
		next = cur + 1
		_, err = bk.CompareAndSwap(ctx, *item, backend.Item{Key: key, Value: []byte(strconv.FormatUint(next, 10))})
		return trace.Wrap(err)
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return next, nil
}

// paginate sorts items by (sortKey, id), applies the cursor and limit,
// and builds the page envelope. Listings stay stable under concurrent
// inserts because the cursor names the last returned row rather than an
// offset.
func paginate[T any](items []T, params services.ListParams, keyOf func(T) utils.Cursor) (*services.Page[T], error) {
	cursor, err := utils.DecodeCursor(params.Cursor)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaults.DefaultPageSize
	}
	if limit > defaults.MaxPageSize {
		limit = defaults.MaxPageSize
	}
	desc := params.SortOrder == "desc"

	less := func(a, b utils.Cursor) bool {
		if a.SortKey != b.SortKey {
			return a.SortKey < b.SortKey
		}
		return a.ID < b.ID
	}
	sort.SliceStable(items, func(i, j int) bool {
		if desc {
			return less(keyOf(items[j]), keyOf(items[i]))
		}
		return less(keyOf(items[i]), keyOf(items[j]))
	})

	// resume strictly past the cursor position in sort order; the
	// cursor row itself may have been deleted or filtered out since the
	// previous page was served
	afterCursor := func(k utils.Cursor) bool {
		if desc {
			return less(k, cursor)
		}
		return less(cursor, k)
	}

	page := &services.Page[T]{Total: len(items)}
	started := params.Cursor == ""
	for _, item := range items {
		if !started {
			if !afterCursor(keyOf(item)) {
				continue
			}
			started = true
		}
		if len(page.Items) == limit {
			page.HasMore = true
			break
		}
		page.Items = append(page.Items, item)
	}
	if n := len(page.Items); n > 0 && page.HasMore {
		page.NextCursor = keyOf(page.Items[n-1]).Encode()
	}
	return page, nil
}

// timeKey renders a time as a lexicographically sortable cursor key.
func timeKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
