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

package httplib

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/bookd/bookd/lib/auth"
	"github.com/bookd/bookd/lib/reserve"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   int
		detail string
	}{
		{"validation", trace.BadParameter("bad"), http.StatusBadRequest, KindValidation},
		{"unauthenticated creds", trace.Wrap(auth.ErrInvalidCredentials), http.StatusUnauthorized, KindUnauthenticated},
		{"unauthenticated expired", trace.Wrap(auth.ErrTokenExpired), http.StatusUnauthorized, KindUnauthenticated},
		{"unauthenticated revoked", trace.Wrap(auth.ErrTokenRevoked), http.StatusUnauthorized, KindUnauthenticated},
		{"mfa required", trace.Wrap(auth.ErrMFARequired), http.StatusForbidden, KindMFARequired},
		{"mfa invalid", trace.Wrap(auth.ErrMFAInvalid), http.StatusForbidden, KindMFAInvalid},
		{"forbidden", trace.AccessDenied("no"), http.StatusForbidden, KindForbidden},
		{"not found", trace.NotFound("gone"), http.StatusNotFound, KindNotFound},
		{"conflict name", trace.AlreadyExists("dup"), http.StatusConflict, KindConflict},
		{"setup locked", trace.Wrap(auth.ErrSetupLocked), http.StatusConflict, KindConflict},
		{"quota", trace.LimitExceeded("slow down"), http.StatusTooManyRequests, KindQuotaExceeded},
		{"precondition", trace.CompareFailed("too late"), http.StatusPreconditionFailed, KindPrecondition},
		{"internal", trace.Errorf("boom"), http.StatusInternalServerError, KindInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/x", nil)
			WriteError(w, r, tc.err)
			require.Equal(t, tc.code, w.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.Equal(t, tc.detail, body.Detail)
			if tc.code == http.StatusInternalServerError {
				require.NotEmpty(t, body.CorrelationID)
				require.NotContains(t, body.Message, "boom")
			}
		})
	}
}

func TestConflictCarriesOverlappingIDs(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/reservations", nil)
	WriteError(w, r, trace.Wrap(&reserve.ConflictError{Overlapping: []string{"r1", "r2"}}))
	require.Equal(t, http.StatusConflict, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, KindConflict, body.Detail)
	require.Equal(t, []string{"r1", "r2"}, body.OverlappingIDs)
}

func TestMakeHandler(t *testing.T) {
	handle := MakeHandlerWithCode(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
		return map[string]string{"hello": req.Name}, nil
	}, http.StatusCreated)

	w := httptest.NewRecorder()
	handle(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"name":"alice"}`)), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	require.JSONEq(t, `{"hello":"alice"}`, w.Body.String())

	// malformed body maps to validation
	w = httptest.NewRecorder()
	handle(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("{oops")), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListParams(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?limit=25&cursor=abc&sort_order=desc", nil)
	params, err := ListParams(r)
	require.NoError(t, err)
	require.Equal(t, 25, params.Limit)
	require.Equal(t, "abc", params.Cursor)
	require.Equal(t, "desc", params.SortOrder)

	r = httptest.NewRequest(http.MethodGet, "/x?limit=0", nil)
	_, err = ListParams(r)
	require.Error(t, err)

	r = httptest.NewRequest(http.MethodGet, "/x?sort_order=sideways", nil)
	_, err = ListParams(r)
	require.Error(t, err)
}
