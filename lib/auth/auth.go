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

// Package auth implements the identity and access core: password
// credentials, signed access tokens, rotating refresh tokens, TOTP
// second factor, role policy and the first-admin setup gate.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/utils"
)

// Sentinel errors surfaced to the web layer, which maps them onto the
// wire taxonomy.
var (
	// ErrInvalidCredentials covers unknown users and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrMFARequired is returned when MFA is enabled and no code was
	// supplied.
	ErrMFARequired = errors.New("mfa_required")
	// ErrMFAInvalid is returned for a wrong TOTP or backup code.
	ErrMFAInvalid = errors.New("invalid mfa code")
	// ErrTokenExpired covers expired access and refresh tokens.
	ErrTokenExpired = errors.New("token has expired")
	// ErrTokenRevoked covers revoked or rotated refresh tokens.
	ErrTokenRevoked = errors.New("token has been revoked")
	// ErrAccountLocked is returned while a lockout is in force.
	ErrAccountLocked = errors.New("account is temporarily locked")
	// ErrSetupLocked is returned when initialize is called after the
	// gate closed.
	ErrSetupLocked = errors.New("setup is locked")
)

// fakePasswordHash is a bcrypt hash of an unguessable string, compared
// against when the user does not exist to mitigate timing attacks.
var fakePasswordHash = []byte(`$2a$10$c2.h4pF9AA25lbrWo6U0D.ZmnYpFDaNzN3weNNYNC3jAkYEX9kpzu`)

// Config holds auth server parameters.
type Config struct {
	// Identity is the user/token storage service.
	Identity services.Identity
	// SigningKey signs access tokens (HS256).
	SigningKey []byte
	// AccessTokenTTL overrides the default access token lifetime.
	AccessTokenTTL time.Duration
	// RefreshTokenTTL overrides the default refresh token lifetime.
	RefreshTokenTTL time.Duration
	// ReusableSetupToken keeps the unlock token hash after a reopened
	// initialize instead of clearing it.
	ReusableSetupToken bool
	// Clock is used for all time reads.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("missing identity service")
	}
	if len(c.SigningKey) == 0 {
		return trace.BadParameter("missing signing key")
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = defaults.AccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = defaults.RefreshTokenTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(bookd.ComponentKey, bookd.ComponentAuth)
	}
	return nil
}

// Server is the identity and access core.
type Server struct {
	cfg Config
	// userLocks serializes refresh rotation and MFA mutation per user.
	userLocks *utils.KeyedMutex
}

// NewServer returns an auth server.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg, userLocks: utils.NewKeyedMutex()}, nil
}

func (s *Server) clock() clockwork.Clock { return s.cfg.Clock }

// Register creates a new account with the default user role.
func (s *Server) Register(ctx context.Context, username, password string) (*services.User, error) {
	if err := VerifyPassword(username, password); err != nil {
		return nil, trace.Wrap(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), defaults.BCryptCost)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.clock().Now().UTC()
	user := &services.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Roles:        []string{bookd.RoleUser},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := s.cfg.Identity.CreateUser(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.cfg.Log.InfoContext(ctx, "registered new user", "user", username)
	return created, nil
}

// LoginResult is the token pair returned on successful authentication.
type LoginResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Authenticate verifies a password (and second factor when enabled) and
// issues a token pair.
func (s *Server) Authenticate(ctx context.Context, username, password, mfaCode string) (*LoginResult, error) {
	user, err := s.cfg.Identity.GetUserByName(ctx, username)
	if trace.IsNotFound(err) {
		// burn the same time as a real comparison
		_ = bcrypt.CompareHashAndPassword(fakePasswordHash, []byte(password))
		return nil, trace.Wrap(ErrInvalidCredentials)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if user.Disabled {
		return nil, trace.Wrap(ErrInvalidCredentials)
	}
	if user.LockedUntil.After(s.clock().Now()) {
		return nil, trace.Wrap(ErrAccountLocked)
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		if lerr := s.recordFailedLogin(ctx, user); lerr != nil {
			s.cfg.Log.WarnContext(ctx, "failed to record login attempt", "user", username, "error", lerr)
		}
		return nil, trace.Wrap(ErrInvalidCredentials)
	}
	if user.MFAEnabled {
		if mfaCode == "" {
			return nil, trace.Wrap(ErrMFARequired)
		}
		if err := s.verifySecondFactor(ctx, user, mfaCode); err != nil {
			if lerr := s.recordFailedLogin(ctx, user); lerr != nil {
				s.cfg.Log.WarnContext(ctx, "failed to record login attempt", "user", username, "error", lerr)
			}
			return nil, trace.Wrap(err)
		}
	}
	if err := s.cfg.Identity.ClearLoginAttempts(ctx, user.ID); err != nil {
		s.cfg.Log.WarnContext(ctx, "failed to clear login attempts", "user", username, "error", err)
	}
	result, err := s.issueTokens(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

// recordFailedLogin appends an attempt and locks the account once the
// threshold is crossed.
func (s *Server) recordFailedLogin(ctx context.Context, user *services.User) error {
	now := s.clock().Now().UTC()
	attempt := services.LoginAttempt{Time: now, Expires: now.Add(defaults.LoginAttemptWindow)}
	if err := s.cfg.Identity.AddLoginAttempt(ctx, user.ID, attempt); err != nil {
		return trace.Wrap(err)
	}
	attempts, err := s.cfg.Identity.GetLoginAttempts(ctx, user.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(attempts) < defaults.MaxLoginAttempts {
		return nil
	}
	user.LockedUntil = now.Add(defaults.AccountLockInterval)
	user.UpdatedAt = now
	if _, err := s.cfg.Identity.UpdateUser(ctx, user); err != nil {
		return trace.Wrap(err)
	}
	s.cfg.Log.InfoContext(ctx, "account locked after repeated failures",
		"user", user.Username, "locked_until", user.LockedUntil)
	return nil
}

func (s *Server) issueTokens(ctx context.Context, user *services.User) (*LoginResult, error) {
	access, err := s.signAccessToken(user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	refresh, row, err := s.newRefreshToken(user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Identity.CreateRefreshToken(ctx, row); err != nil {
		return nil, trace.Wrap(err)
	}
	return &LoginResult{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}

// newRefreshToken mints an opaque high-entropy token; only its SHA-256
// reaches storage.
func (s *Server) newRefreshToken(userID string) (string, *services.RefreshToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, trace.Wrap(err)
	}
	token := hex.EncodeToString(raw)
	now := s.clock().Now().UTC()
	row := &services.RefreshToken{
		ID:       hashToken(token),
		UserID:   userID,
		IssuedAt: now,
		Expires:  now.Add(s.cfg.RefreshTokenTTL),
	}
	return token, row, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Refresh rotates a refresh token: the old token is revoked and a new
// pair is issued. A concurrent refresh of the same token loses the
// compare-and-swap and fails as revoked.
func (s *Server) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	row, err := s.cfg.Identity.GetRefreshToken(ctx, hashToken(refreshToken))
	if trace.IsNotFound(err) {
		return nil, trace.Wrap(ErrTokenRevoked)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	unlock := s.userLocks.Lock(row.UserID)
	defer unlock()

	if row.Revoked {
		return nil, trace.Wrap(ErrTokenRevoked)
	}
	if !row.Expires.After(s.clock().Now()) {
		return nil, trace.Wrap(ErrTokenExpired)
	}
	user, err := s.cfg.Identity.GetUser(ctx, row.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if user.Disabled {
		return nil, trace.Wrap(ErrTokenRevoked)
	}
	newToken, newRow, err := s.newRefreshToken(user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Identity.RotateRefreshToken(ctx, row.ID, newRow); err != nil {
		if trace.IsCompareFailed(err) {
			return nil, trace.Wrap(ErrTokenRevoked)
		}
		return nil, trace.Wrap(err)
	}
	access, err := s.signAccessToken(user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &LoginResult{AccessToken: access, RefreshToken: newToken, TokenType: "bearer"}, nil
}

// Logout revokes all refresh tokens of the user.
func (s *Server) Logout(ctx context.Context, userID string) error {
	n, err := s.cfg.Identity.RevokeRefreshTokens(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	s.cfg.Log.InfoContext(ctx, "revoked refresh tokens on logout", "user_id", userID, "count", n)
	return nil
}

// ChangePassword re-verifies the old password, applies the policy to
// the new one, bumps the token version (invalidating issued access
// tokens) and revokes refresh tokens.
func (s *Server) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	user, err := s.cfg.Identity.GetUser(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(oldPassword)); err != nil {
		return trace.Wrap(ErrInvalidCredentials)
	}
	if err := VerifyPassword(user.Username, newPassword); err != nil {
		return trace.Wrap(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), defaults.BCryptCost)
	if err != nil {
		return trace.Wrap(err)
	}
	user.PasswordHash = hash
	user.TokenVersion++
	user.UpdatedAt = s.clock().Now().UTC()
	if _, err := s.cfg.Identity.UpdateUser(ctx, user); err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.cfg.Identity.RevokeRefreshTokens(ctx, userID); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// SweepExpiredTokens deletes refresh rows past their retention window.
// Run by the background scheduler.
func (s *Server) SweepExpiredTokens(ctx context.Context) (int, error) {
	cutoff := s.clock().Now().Add(-defaults.RefreshTokenRetention)
	n, err := s.cfg.Identity.DeleteExpiredTokens(ctx, cutoff)
	return n, trace.Wrap(err)
}
