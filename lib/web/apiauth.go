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

package web

import (
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/bookd/bookd/lib/httplib"
	"github.com/bookd/bookd/lib/services"
)

// setupTokenHeader carries the out-of-band unlock token on setup
// requests.
const setupTokenHeader = "X-Setup-Token"

func (h *Handler) register(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return user.WithoutSecrets(), nil
}

// token exchanges form-encoded credentials for a token pair.
func (h *Handler) token(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := r.ParseForm(); err != nil {
		return nil, trace.BadParameter("failed to parse form: %v", err)
	}
	result, err := h.cfg.Auth.Authenticate(r.Context(),
		r.PostFormValue("username"),
		r.PostFormValue("password"),
		r.PostFormValue("mfa_code"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := r.ParseForm(); err != nil {
		return nil, trace.BadParameter("failed to parse form: %v", err)
	}
	token := r.FormValue("refresh_token")
	if token == "" {
		return nil, trace.BadParameter("missing refresh_token")
	}
	result, err := h.cfg.Auth.Refresh(r.Context(), token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	if err := h.cfg.Auth.Logout(r.Context(), user.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("logged out"), nil
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Auth.ChangePassword(r.Context(), user.ID, req.OldPassword, req.NewPassword); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("password changed"), nil
}

func (h *Handler) mfaSetup(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	setup, err := h.cfg.Auth.BeginMFA(r.Context(), user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return setup, nil
}

func (h *Handler) mfaVerify(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	var req struct {
		Code string `json:"code"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	codes, err := h.cfg.Auth.EnableMFA(r.Context(), user.ID, req.Code)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		BackupCodes []string `json:"backup_codes"`
	}{BackupCodes: codes}, nil
}

func (h *Handler) mfaDisable(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	var req struct {
		Password string `json:"password"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Auth.DisableMFA(r.Context(), user.ID, req.Password); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("mfa disabled"), nil
}

func (h *Handler) mfaBackupCodes(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error) {
	var req struct {
		Code string `json:"code"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	codes, err := h.cfg.Auth.RegenerateBackupCodes(r.Context(), user.ID, req.Code)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		BackupCodes []string `json:"backup_codes"`
	}{BackupCodes: codes}, nil
}

func (h *Handler) setupStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	status, err := h.cfg.Auth.SetupStatus(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	count, err := h.cfg.Identity.CountUsers(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		SetupComplete bool `json:"setup_complete"`
		SetupReopened bool `json:"setup_reopened"`
		UserCount     int  `json:"user_count"`
	}{
		SetupComplete: status.SetupComplete,
		SetupReopened: status.SetupReopened,
		UserCount:     count,
	}, nil
}

// setupInitialize creates the first administrator. A closed gate can be
// reopened inline by presenting the unlock token in the X-Setup-Token
// header.
func (h *Handler) setupInitialize(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if token := r.Header.Get(setupTokenHeader); token != "" {
		if err := h.cfg.Auth.ReopenSetup(r.Context(), token); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	result, err := h.cfg.Auth.Initialize(r.Context(), req.Username, req.Password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) setupReopen(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req struct {
		UnlockToken string `json:"unlock_token"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Auth.ReopenSetup(r.Context(), req.UnlockToken); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("setup reopened"), nil
}

func message(msg string) any {
	return map[string]string{"message": msg}
}
