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

// Package httplib implements the JSON handler plumbing shared by the
// web API: request decoding, response encoding and the error taxonomy
// mapping.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/services"
)

// maxRequestBody caps inbound JSON bodies.
const maxRequestBody = 1 << 20

// HandlerFunc is a JSON API handler. The returned value is encoded as
// the response body; a returned error is mapped onto the wire taxonomy.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler wraps a HandlerFunc into an httprouter handle.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return MakeHandlerWithCode(fn, http.StatusOK)
}

// MakeHandlerWithCode is MakeHandler with a custom success status.
func MakeHandlerWithCode(fn HandlerFunc, code int) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		// handlers that hijacked the connection return nil
		if out == nil {
			return
		}
		WriteJSON(w, code, out)
	}
}

// WriteJSON encodes v as the response body.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes a bounded JSON request body into v.
func ReadJSON(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return trace.BadParameter("failed to read request body: %v", err)
	}
	if len(data) == 0 {
		return trace.BadParameter("missing request body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return trace.BadParameter("failed to parse request body: %v", err)
	}
	return nil
}

// ListParams extracts cursor pagination query parameters.
func ListParams(r *http.Request) (services.ListParams, error) {
	params := services.ListParams{
		Cursor:    r.URL.Query().Get("cursor"),
		SortOrder: r.URL.Query().Get("sort_order"),
	}
	switch params.SortOrder {
	case "", "asc", "desc":
	default:
		return params, trace.BadParameter("sort_order must be asc or desc")
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return params, trace.BadParameter("limit must be a positive integer")
		}
		if limit > defaults.MaxPageSize {
			limit = defaults.MaxPageSize
		}
		params.Limit = limit
	}
	return params, nil
}
