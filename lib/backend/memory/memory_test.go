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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bookd/bookd/lib/backend"
	"github.com/bookd/bookd/lib/backend/test"
)

func TestMemoryCompliance(t *testing.T) {
	test.RunComplianceSuite(t, func(t *testing.T) backend.Backend {
		bk, err := New(Config{})
		require.NoError(t, err)
		t.Cleanup(func() { bk.Close() })
		return bk
	})
}

func TestMemoryExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bk, err := New(Config{Clock: clock})
	require.NoError(t, err)
	defer bk.Close()

	ctx := context.Background()
	_, err = bk.Put(ctx, backend.Item{
		Key:     backend.Key("ttl"),
		Value:   []byte("v"),
		Expires: clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	_, err = bk.Get(ctx, backend.Key("ttl"))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = bk.Get(ctx, backend.Key("ttl"))
	require.True(t, trace.IsNotFound(err))
}
