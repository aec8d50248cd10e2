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

// Package test contains a compliance suite run against every backend
// driver.
package test

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/bookd/bookd/lib/backend"
)

// RunComplianceSuite verifies driver semantics the entity services rely
// on.
func RunComplianceSuite(t *testing.T, newBackend func(t *testing.T) backend.Backend) {
	ctx := context.Background()

	t.Run("CreateGet", func(t *testing.T) {
		bk := newBackend(t)
		item := backend.Item{Key: backend.Key("a", "b"), Value: []byte("v1")}
		_, err := bk.Create(ctx, item)
		require.NoError(t, err)

		_, err = bk.Create(ctx, item)
		require.True(t, trace.IsAlreadyExists(err))

		got, err := bk.Get(ctx, item.Key)
		require.NoError(t, err)
		require.Equal(t, []byte("v1"), got.Value)

		_, err = bk.Get(ctx, backend.Key("missing"))
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("UpdateRequiresExisting", func(t *testing.T) {
		bk := newBackend(t)
		_, err := bk.Update(ctx, backend.Item{Key: backend.Key("nope"), Value: []byte("v")})
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		bk := newBackend(t)
		created, err := bk.Create(ctx, backend.Item{Key: backend.Key("cas"), Value: []byte("v1")})
		require.NoError(t, err)

		swapped, err := bk.CompareAndSwap(ctx, *created, backend.Item{Key: created.Key, Value: []byte("v2")})
		require.NoError(t, err)

		// the first revision is stale now
		_, err = bk.CompareAndSwap(ctx, *created, backend.Item{Key: created.Key, Value: []byte("v3")})
		require.True(t, trace.IsCompareFailed(err))

		got, err := bk.Get(ctx, created.Key)
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), got.Value)
		require.Equal(t, swapped.Revision, got.Revision)
	})

	t.Run("RangeOrdering", func(t *testing.T) {
		bk := newBackend(t)
		for _, k := range []string{"003", "001", "002", "010"} {
			_, err := bk.Put(ctx, backend.Item{Key: backend.Key("list", k), Value: []byte(k)})
			require.NoError(t, err)
		}
		prefix := backend.Key("list")
		res, err := bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), 0)
		require.NoError(t, err)
		var got []string
		for _, i := range res.Items {
			got = append(got, string(i.Value))
		}
		require.Equal(t, []string{"001", "002", "003", "010"}, got)

		limited, err := bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), 2)
		require.NoError(t, err)
		require.Len(t, limited.Items, 2)
		require.True(t, limited.More)
	})

	t.Run("DeleteRange", func(t *testing.T) {
		bk := newBackend(t)
		for _, k := range []string{"a", "b", "c"} {
			_, err := bk.Put(ctx, backend.Item{Key: backend.Key("del", k), Value: []byte(k)})
			require.NoError(t, err)
		}
		_, err := bk.Put(ctx, backend.Item{Key: backend.Key("keep", "a"), Value: []byte("keep")})
		require.NoError(t, err)

		prefix := backend.Key("del")
		n, err := bk.DeleteRange(ctx, prefix, backend.RangeEnd(prefix))
		require.NoError(t, err)
		require.Equal(t, 3, n)

		res, err := bk.GetRange(ctx, backend.Key("keep"), backend.RangeEnd(backend.Key("keep")), 0)
		require.NoError(t, err)
		require.Len(t, res.Items, 1)
	})
}
