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

// Package backend defines the key/value storage contract the rest of
// the system is written against. Entity services marshal records to
// JSON and store them under hierarchical keys; drivers provide ordered
// range scans and compare-and-swap.
package backend

import (
	"bytes"
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Separator joins key components.
const Separator = '/'

// Item is a single key/value record.
type Item struct {
	Key   []byte
	Value []byte
	// Expires, when set, removes the item from reads past that time.
	Expires time.Time
	// Revision increments on every write and backs CompareAndSwap.
	Revision int64
}

// GetResult is a page of items from a range read, sorted by key.
type GetResult struct {
	Items []Item
	// More is set when the range holds items past the requested limit.
	More bool
}

// Backend is implemented by storage drivers. All write operations are
// atomic with respect to each other; multi-item invariants are enforced
// by callers holding logical locks.
type Backend interface {
	// Create writes an item, failing with AlreadyExists when the key is
	// already present.
	Create(ctx context.Context, i Item) (*Item, error)

	// Put writes an item unconditionally.
	Put(ctx context.Context, i Item) (*Item, error)

	// Update rewrites an existing item, failing with NotFound when the
	// key is absent.
	Update(ctx context.Context, i Item) (*Item, error)

	// CompareAndSwap replaces expected with replaceWith, failing with
	// CompareFailed when the stored revision no longer matches.
	CompareAndSwap(ctx context.Context, expected, replaceWith Item) (*Item, error)

	// Get reads a single item.
	Get(ctx context.Context, key []byte) (*Item, error)

	// GetRange reads items with startKey <= key < endKey in key order,
	// up to limit (0 means no limit).
	GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*GetResult, error)

	// Delete removes a single item, failing with NotFound when absent.
	Delete(ctx context.Context, key []byte) error

	// DeleteRange removes items with startKey <= key < endKey and
	// returns the number removed.
	DeleteRange(ctx context.Context, startKey, endKey []byte) (int, error)

	// Clock returns the clock the driver uses for expiry.
	Clock() clockwork.Clock

	// Close releases driver resources.
	Close() error
}

// Key builds a backend key from components.
func Key(parts ...string) []byte {
	var b bytes.Buffer
	for _, p := range parts {
		b.WriteByte(Separator)
		b.WriteString(p)
	}
	return b.Bytes()
}

// RangeEnd returns the exclusive upper bound covering every key that
// has the given prefix.
func RangeEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	// all 0xff: no upper bound short of the keyspace end
	return append(end, 0xff)
}
