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
	"encoding/base64"
	"encoding/json"

	"github.com/gravitational/trace"
)

// Cursor is an opaque pagination cursor encoding the sort key and id of
// the last item on a page. Listings keyed on (SortKey, ID) stay stable
// under concurrent inserts.
type Cursor struct {
	SortKey string `json:"k"`
	ID      string `json:"id"`
}

// Encode returns the wire form of the cursor.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a wire-form cursor. The empty string decodes to
// the zero cursor (start of listing).
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, trace.BadParameter("malformed cursor")
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{}, trace.BadParameter("malformed cursor")
	}
	return c, nil
}
