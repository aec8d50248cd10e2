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
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/bookd/bookd/lib/auth"
	"github.com/bookd/bookd/lib/reserve"
)

// Wire error kinds, sent as {"detail": "<kind>"}.
const (
	KindValidation      = "validation"
	KindUnauthenticated = "unauthenticated"
	KindMFARequired     = "mfa_required"
	KindMFAInvalid      = "mfa_invalid"
	KindForbidden       = "forbidden"
	KindNotFound        = "not_found"
	KindConflict        = "conflict"
	KindQuotaExceeded   = "quota_exceeded"
	KindPrecondition    = "precondition"
	KindInternal        = "internal"
)

// ErrorResponse is the wire form of an error.
type ErrorResponse struct {
	Detail  string `json:"detail"`
	Message string `json:"message,omitempty"`
	// OverlappingIDs names the conflicting reservations on a booking
	// conflict.
	OverlappingIDs []string `json:"overlapping_ids,omitempty"`
	// CorrelationID links an internal error to the server log.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteError maps an error onto the wire taxonomy and writes it.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	code, body := errorToResponse(err)
	if code == http.StatusInternalServerError {
		body.CorrelationID = uuid.NewString()
		slog.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path,
			"correlation_id", body.CorrelationID, "error", err)
		// never leak internals
		body.Message = "internal server error"
	}
	WriteJSON(w, code, body)
}

func errorToResponse(err error) (int, ErrorResponse) {
	var conflict *reserve.ConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, ErrorResponse{
			Detail:         KindConflict,
			Message:        conflict.Error(),
			OverlappingIDs: conflict.Overlapping,
		}
	}
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenRevoked):
		return http.StatusUnauthorized, ErrorResponse{Detail: KindUnauthenticated, Message: userMessage(err)}
	case errors.Is(err, auth.ErrMFARequired):
		return http.StatusForbidden, ErrorResponse{Detail: KindMFARequired, Message: userMessage(err)}
	case errors.Is(err, auth.ErrMFAInvalid):
		return http.StatusForbidden, ErrorResponse{Detail: KindMFAInvalid, Message: userMessage(err)}
	case errors.Is(err, auth.ErrAccountLocked):
		return http.StatusForbidden, ErrorResponse{Detail: KindForbidden, Message: userMessage(err)}
	case errors.Is(err, auth.ErrSetupLocked):
		return http.StatusConflict, ErrorResponse{Detail: KindConflict, Message: userMessage(err)}
	}
	switch {
	case trace.IsBadParameter(err):
		return http.StatusBadRequest, ErrorResponse{Detail: KindValidation, Message: userMessage(err)}
	case trace.IsAccessDenied(err):
		return http.StatusForbidden, ErrorResponse{Detail: KindForbidden, Message: userMessage(err)}
	case trace.IsNotFound(err):
		return http.StatusNotFound, ErrorResponse{Detail: KindNotFound, Message: userMessage(err)}
	case trace.IsAlreadyExists(err):
		return http.StatusConflict, ErrorResponse{Detail: KindConflict, Message: userMessage(err)}
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests, ErrorResponse{Detail: KindQuotaExceeded, Message: userMessage(err)}
	case trace.IsCompareFailed(err):
		return http.StatusPreconditionFailed, ErrorResponse{Detail: KindPrecondition, Message: userMessage(err)}
	}
	return http.StatusInternalServerError, ErrorResponse{Detail: KindInternal}
}

func userMessage(err error) string {
	return trace.UserMessage(err)
}
