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

package lite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bookd/bookd/lib/backend"
	"github.com/bookd/bookd/lib/backend/test"
)

func TestLiteCompliance(t *testing.T) {
	test.RunComplianceSuite(t, func(t *testing.T) backend.Backend {
		bk, err := New(Config{Path: filepath.Join(t.TempDir(), "bookd.db")})
		require.NoError(t, err)
		t.Cleanup(func() { bk.Close() })
		return bk
	})
}
