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

package local

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/bookd/bookd/lib/backend"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/utils"
)

// IdentityService implements services.Identity over a backend.
type IdentityService struct {
	bk backend.Backend
}

// NewIdentityService returns an identity service.
func NewIdentityService(bk backend.Backend) *IdentityService {
	return &IdentityService{bk: bk}
}

func userKey(id string) []byte      { return backend.Key("users", "items", id) }
func usernameKey(name string) []byte {
	return backend.Key("users", "names", strings.ToLower(name))
}
func refreshKey(id string) []byte { return backend.Key("tokens", "refresh", id) }
func refreshUserKey(userID, id string) []byte {
	return backend.Key("tokens", "byuser", userID, id)
}
func attemptsKey(userID string) []byte { return backend.Key("users", "attempts", userID) }

var setupKey = backend.Key("setup", "state")

// CreateUser implements services.Identity. Username uniqueness is
// case-insensitive, enforced by the name index.
func (s *IdentityService) CreateUser(ctx context.Context, user *services.User) (*services.User, error) {
	if err := user.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := createJSON(ctx, s.bk, usernameKey(user.Username), user.ID); err != nil {
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists("user %q already exists", user.Username)
		}
		return nil, trace.Wrap(err)
	}
	if err := createJSON(ctx, s.bk, userKey(user.ID), user); err != nil {
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// GetUser implements services.Identity.
func (s *IdentityService) GetUser(ctx context.Context, id string) (*services.User, error) {
	user, err := getJSON[services.User](ctx, s.bk, userKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// GetUserByName implements services.Identity.
func (s *IdentityService) GetUserByName(ctx context.Context, username string) (*services.User, error) {
	id, err := getJSON[string](ctx, s.bk, usernameKey(username))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q is not found", username)
		}
		return nil, trace.Wrap(err)
	}
	return s.GetUser(ctx, *id)
}

// UpdateUser implements services.Identity.
func (s *IdentityService) UpdateUser(ctx context.Context, user *services.User) (*services.User, error) {
	if err := user.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := updateJSON(ctx, s.bk, userKey(user.ID), user); err != nil {
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// CountUsers implements services.Identity.
func (s *IdentityService) CountUsers(ctx context.Context) (int, error) {
	prefix := backend.Key("users", "items")
	res, err := s.bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), 0)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return len(res.Items), nil
}

// CreateRefreshToken implements services.Identity.
func (s *IdentityService) CreateRefreshToken(ctx context.Context, token *services.RefreshToken) error {
	if err := token.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := createJSON(ctx, s.bk, refreshKey(token.ID), token); err != nil {
		return trace.Wrap(err)
	}
	if err := createJSON(ctx, s.bk, refreshUserKey(token.UserID, token.ID), token.ID); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// GetRefreshToken implements services.Identity.
func (s *IdentityService) GetRefreshToken(ctx context.Context, id string) (*services.RefreshToken, error) {
	token, err := getJSON[services.RefreshToken](ctx, s.bk, refreshKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("refresh token is not found")
		}
		return nil, trace.Wrap(err)
	}
	return token, nil
}

// errTokenRotated is terminal: retrying cannot un-revoke the token.
var errTokenRotated = trace.CompareFailed("refresh token was already rotated")

// RotateRefreshToken implements services.Identity. The revoked flag is
// flipped with compare-and-swap so that of two concurrent rotations of
// the same token exactly one succeeds; transient write contention is
// retried with backoff.
func (s *IdentityService) RotateRefreshToken(ctx context.Context, oldID string, replacement *services.RefreshToken) error {
	if err := replacement.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	retry := casRetry(s.bk.Clock())
	retry.RetryIf = func(err error) bool {
		return trace.IsCompareFailed(err) && !errors.Is(err, errTokenRotated)
	}
	err := utils.RetryWithBackoff(ctx, retry, func() error {
		item, err := s.bk.Get(ctx, refreshKey(oldID))
		if err != nil {
			if trace.IsNotFound(err) {
				return trace.NotFound("refresh token is not found")
			}
			return trace.Wrap(err)
		}
		var old services.RefreshToken
		if err := json.Unmarshal(item.Value, &old); err != nil {
			return trace.Wrap(err)
		}
		if old.Revoked {
			return trace.Wrap(errTokenRotated)
		}
		old.Revoked = true
		data, err := json.Marshal(old)
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = s.bk.CompareAndSwap(ctx, *item, backend.Item{Key: item.Key, Value: data})
		return trace.Wrap(err)
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.CreateRefreshToken(ctx, replacement))
}

// RevokeRefreshTokens implements services.Identity.
func (s *IdentityService) RevokeRefreshTokens(ctx context.Context, userID string) (int, error) {
	prefix := backend.Key("tokens", "byuser", userID)
	ids, err := rangeJSON[string](ctx, s.bk, prefix)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	revoked := 0
	for _, id := range ids {
		token, err := s.GetRefreshToken(ctx, id)
		if trace.IsNotFound(err) {
			continue
		}
		if err != nil {
			return revoked, trace.Wrap(err)
		}
		if token.Revoked {
			continue
		}
		token.Revoked = true
		if err := updateJSON(ctx, s.bk, refreshKey(id), token); err != nil {
			return revoked, trace.Wrap(err)
		}
		revoked++
	}
	return revoked, nil
}

// DeleteExpiredTokens implements services.Identity.
func (s *IdentityService) DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error) {
	prefix := backend.Key("tokens", "refresh")
	tokens, err := rangeJSON[services.RefreshToken](ctx, s.bk, prefix)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	deleted := 0
	for _, token := range tokens {
		if token.Expires.After(before) {
			continue
		}
		if err := s.bk.Delete(ctx, refreshKey(token.ID)); err != nil && !trace.IsNotFound(err) {
			return deleted, trace.Wrap(err)
		}
		if err := s.bk.Delete(ctx, refreshUserKey(token.UserID, token.ID)); err != nil && !trace.IsNotFound(err) {
			return deleted, trace.Wrap(err)
		}
		deleted++
	}
	return deleted, nil
}

// AddLoginAttempt implements services.Identity.
func (s *IdentityService) AddLoginAttempt(ctx context.Context, userID string, attempt services.LoginAttempt) error {
	attempts, err := s.GetLoginAttempts(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	attempts = append(attempts, attempt)
	return trace.Wrap(putJSON(ctx, s.bk, attemptsKey(userID), attempts))
}

// GetLoginAttempts implements services.Identity, dropping entries past
// their expiry.
func (s *IdentityService) GetLoginAttempts(ctx context.Context, userID string) ([]services.LoginAttempt, error) {
	stored, err := getJSON[[]services.LoginAttempt](ctx, s.bk, attemptsKey(userID))
	if trace.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.bk.Clock().Now()
	var live []services.LoginAttempt
	for _, a := range *stored {
		if a.Expires.After(now) {
			live = append(live, a)
		}
	}
	return live, nil
}

// ClearLoginAttempts implements services.Identity.
func (s *IdentityService) ClearLoginAttempts(ctx context.Context, userID string) error {
	err := s.bk.Delete(ctx, attemptsKey(userID))
	if trace.IsNotFound(err) {
		return nil
	}
	return trace.Wrap(err)
}

// GetSetupState implements services.Identity; a missing row reads as
// the zero state.
func (s *IdentityService) GetSetupState(ctx context.Context) (*services.SetupState, error) {
	state, err := getJSON[services.SetupState](ctx, s.bk, setupKey)
	if trace.IsNotFound(err) {
		return &services.SetupState{}, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return state, nil
}

// UpdateSetupState implements services.Identity.
func (s *IdentityService) UpdateSetupState(ctx context.Context, state *services.SetupState) error {
	return trace.Wrap(putJSON(ctx, s.bk, setupKey, state))
}
