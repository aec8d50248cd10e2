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

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/services"
)

// SetupStatus is the public view of the bootstrap gate.
type SetupStatus struct {
	SetupComplete bool `json:"setup_complete"`
	SetupReopened bool `json:"setup_reopened"`
}

// SetupStatus reports whether first-admin initialization is still open.
func (s *Server) SetupStatus(ctx context.Context) (*SetupStatus, error) {
	state, err := s.cfg.Identity.GetSetupState(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &SetupStatus{SetupComplete: state.SetupComplete, SetupReopened: state.SetupReopened}, nil
}

// InitializeResult is returned from a successful first-admin setup.
type InitializeResult struct {
	User *LoginResult `json:"tokens"`
	// UnlockToken reopens setup out-of-band; it is shown exactly once.
	UnlockToken string `json:"unlock_token"`
}

// Initialize grants the first administrator and closes the gate. The
// gate is open only while no users exist or after a reopen with the
// unlock token; when the named user already exists they are promoted to
// admin instead of created.
func (s *Server) Initialize(ctx context.Context, username, password string) (*InitializeResult, error) {
	unlock := s.userLocks.Lock("setup")
	defer unlock()

	state, err := s.cfg.Identity.GetSetupState(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	count, err := s.cfg.Identity.CountUsers(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if count > 0 && !state.SetupReopened {
		return nil, trace.Wrap(ErrSetupLocked)
	}
	now := s.clock().Now().UTC()
	admin, err := s.cfg.Identity.GetUserByName(ctx, username)
	switch {
	case err == nil:
		if bcrypt.CompareHashAndPassword(admin.PasswordHash, []byte(password)) != nil {
			return nil, trace.Wrap(ErrInvalidCredentials)
		}
		if !admin.HasRole(bookd.RoleAdmin) {
			admin.Roles = append(admin.Roles, bookd.RoleAdmin)
		}
		admin.UpdatedAt = now
		if admin, err = s.cfg.Identity.UpdateUser(ctx, admin); err != nil {
			return nil, trace.Wrap(err)
		}
	case trace.IsNotFound(err):
		if err := VerifyPassword(username, password); err != nil {
			return nil, trace.Wrap(err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), defaults.BCryptCost)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		admin, err = s.cfg.Identity.CreateUser(ctx, &services.User{
			ID:           uuid.NewString(),
			Username:     username,
			PasswordHash: hash,
			Roles:        []string{bookd.RoleAdmin, bookd.RoleUser},
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	default:
		return nil, trace.Wrap(err)
	}

	unlockToken, tokenHash, err := newUnlockToken()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	state.SetupComplete = true
	state.SetupReopened = false
	if state.UnlockTokenHash == nil || !s.cfg.ReusableSetupToken {
		state.UnlockTokenHash = tokenHash
	} else {
		// keep the existing token when reuse is configured
		unlockToken = ""
	}
	if err := s.cfg.Identity.UpdateSetupState(ctx, state); err != nil {
		return nil, trace.Wrap(err)
	}
	tokens, err := s.issueTokens(ctx, admin)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.cfg.Log.InfoContext(ctx, "setup complete, administrator granted", "user", username)
	return &InitializeResult{User: tokens, UnlockToken: unlockToken}, nil
}

// ReopenSetup unlocks the gate again when the presented token matches
// the stored unlock token hash.
func (s *Server) ReopenSetup(ctx context.Context, token string) error {
	unlock := s.userLocks.Lock("setup")
	defer unlock()

	state, err := s.cfg.Identity.GetSetupState(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if !state.SetupComplete {
		return trace.BadParameter("setup has not completed")
	}
	if len(state.UnlockTokenHash) == 0 {
		return trace.Wrap(ErrSetupLocked)
	}
	if bcrypt.CompareHashAndPassword(state.UnlockTokenHash, []byte(token)) != nil {
		return trace.Wrap(ErrSetupLocked)
	}
	state.SetupReopened = true
	if !s.cfg.ReusableSetupToken {
		state.UnlockTokenHash = nil
	}
	if err := s.cfg.Identity.UpdateSetupState(ctx, state); err != nil {
		return trace.Wrap(err)
	}
	s.cfg.Log.InfoContext(ctx, "setup gate reopened")
	return nil
}

func newUnlockToken() (string, []byte, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, trace.Wrap(err)
	}
	token := hex.EncodeToString(raw)
	hash, err := bcrypt.GenerateFromPassword([]byte(token), defaults.BCryptCost)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	return token, hash, nil
}
