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

package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingFIFO(t *testing.T) {
	r, err := NewRing[int](3)
	require.NoError(t, err)

	require.False(t, r.Push(1))
	require.False(t, r.Push(2))
	require.False(t, r.Push(3))
	require.Equal(t, 3, r.Len())

	// overflow drops the oldest
	require.True(t, r.Push(4))
	require.Equal(t, 3, r.Len())

	for _, want := range []int{2, 3, 4} {
		got, ok := r.Pop()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok := r.Pop()
	require.False(t, ok)
}

func TestRingBadCapacity(t *testing.T) {
	_, err := NewRing[int](0)
	require.Error(t, err)
}

func TestCursorRoundtrip(t *testing.T) {
	c := Cursor{SortKey: "2030-01-01T09:00:00Z", ID: "abc"}
	out, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	require.Equal(t, c, out)

	empty, err := DecodeCursor("")
	require.NoError(t, err)
	require.Equal(t, Cursor{}, empty)

	_, err = DecodeCursor("%%%")
	require.Error(t, err)
}

func TestKeyedMutex(t *testing.T) {
	km := NewKeyedMutex()
	unlock := km.Lock("r1")

	acquired := make(chan struct{})
	go func() {
		u := km.Lock("r1")
		u()
		close(acquired)
	}()

	// an unrelated key is not blocked
	u2 := km.Lock("r2")
	u2()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	default:
	}

	unlock()
	<-acquired
}
