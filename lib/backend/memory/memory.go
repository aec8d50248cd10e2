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

// Package memory implements the backend contract on an in-memory
// btree. Used by tests and by deployments that do not need durability.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/bookd/bookd/lib/backend"
)

// Config holds memory backend options.
type Config struct {
	// Clock controls expiry; tests inject a fake clock.
	Clock clockwork.Clock
	// BTreeDegree tunes the underlying tree, defaults to 8.
	BTreeDegree int
}

func (c *Config) checkAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BTreeDegree <= 0 {
		c.BTreeDegree = 8
	}
	return nil
}

// Memory is an in-memory backend.
type Memory struct {
	cfg      Config
	mu       sync.Mutex
	tree     *btree.BTreeG[*treeItem]
	revision int64
	closed   bool
}

type treeItem struct {
	item backend.Item
}

func lessItems(a, b *treeItem) bool {
	return bytes.Compare(a.item.Key, b.item.Key) < 0
}

// New returns an empty memory backend.
func New(cfg Config) (*Memory, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Memory{
		cfg:  cfg,
		tree: btree.NewG(cfg.BTreeDegree, lessItems),
	}, nil
}

// Clock returns the backend clock.
func (m *Memory) Clock() clockwork.Clock { return m.cfg.Clock }

// Close marks the backend closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Create implements backend.Backend.
func (m *Memory) Create(ctx context.Context, i backend.Item) (*backend.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.getLocked(i.Key); existing != nil {
		return nil, trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	return m.putLocked(i), nil
}

// Put implements backend.Backend.
func (m *Memory) Put(ctx context.Context, i backend.Item) (*backend.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(i), nil
}

// Update implements backend.Backend.
func (m *Memory) Update(ctx context.Context, i backend.Item) (*backend.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.getLocked(i.Key); existing == nil {
		return nil, trace.NotFound("key %q is not found", string(i.Key))
	}
	return m.putLocked(i), nil
}

// CompareAndSwap implements backend.Backend.
func (m *Memory) CompareAndSwap(ctx context.Context, expected, replaceWith backend.Item) (*backend.Item, error) {
	if !bytes.Equal(expected.Key, replaceWith.Key) {
		return nil, trace.BadParameter("expected and replaceWith keys should match")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.getLocked(expected.Key)
	if existing == nil {
		return nil, trace.CompareFailed("key %q is not found", string(expected.Key))
	}
	if existing.Revision != expected.Revision {
		return nil, trace.CompareFailed("current revision of %q does not match", string(expected.Key))
	}
	return m.putLocked(replaceWith), nil
}

// Get implements backend.Backend.
func (m *Memory) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.getLocked(key)
	if item == nil {
		return nil, trace.NotFound("key %q is not found", string(key))
	}
	out := *item
	return &out, nil
}

// GetRange implements backend.Backend.
func (m *Memory) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 || len(endKey) == 0 {
		return nil, trace.BadParameter("missing range bounds")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Clock.Now()
	var res backend.GetResult
	m.tree.AscendRange(&treeItem{item: backend.Item{Key: startKey}}, &treeItem{item: backend.Item{Key: endKey}}, func(ti *treeItem) bool {
		if !ti.item.Expires.IsZero() && !ti.item.Expires.After(now) {
			return true
		}
		if limit > 0 && len(res.Items) == limit {
			res.More = true
			return false
		}
		res.Items = append(res.Items, ti.item)
		return true
	})
	return &res, nil
}

// Delete implements backend.Backend.
func (m *Memory) Delete(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getLocked(key) == nil {
		return trace.NotFound("key %q is not found", string(key))
	}
	m.tree.Delete(&treeItem{item: backend.Item{Key: key}})
	return nil
}

// DeleteRange implements backend.Backend.
func (m *Memory) DeleteRange(ctx context.Context, startKey, endKey []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var doomed []*treeItem
	m.tree.AscendRange(&treeItem{item: backend.Item{Key: startKey}}, &treeItem{item: backend.Item{Key: endKey}}, func(ti *treeItem) bool {
		doomed = append(doomed, ti)
		return true
	})
	for _, ti := range doomed {
		m.tree.Delete(ti)
	}
	return len(doomed), nil
}

func (m *Memory) getLocked(key []byte) *backend.Item {
	ti, ok := m.tree.Get(&treeItem{item: backend.Item{Key: key}})
	if !ok {
		return nil
	}
	if !ti.item.Expires.IsZero() && !ti.item.Expires.After(m.cfg.Clock.Now()) {
		return nil
	}
	return &ti.item
}

func (m *Memory) putLocked(i backend.Item) *backend.Item {
	m.revision++
	i.Revision = m.revision
	key := make([]byte, len(i.Key))
	copy(key, i.Key)
	i.Key = key
	m.tree.ReplaceOrInsert(&treeItem{item: i})
	out := i
	return &out
}
