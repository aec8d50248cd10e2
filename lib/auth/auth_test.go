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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/backend/memory"
	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/services/local"
)

type testPack struct {
	srv      *Server
	identity *local.IdentityService
	clock    *clockwork.FakeClock
}

func newPack(t *testing.T) *testPack {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	identity := local.NewIdentityService(bk)
	srv, err := NewServer(Config{
		Identity:   identity,
		SigningKey: []byte("test-signing-key"),
		Clock:      clock,
	})
	require.NoError(t, err)
	return &testPack{srv: srv, identity: identity, clock: clock}
}

const testPassword = "Sup3r!Secret"

func TestRegisterAndAuthenticate(t *testing.T) {
	p := newPack(t)
	ctx := context.Background()

	user, err := p.srv.Register(ctx, "alice", testPassword)
	require.NoError(t, err)
	require.Equal(t, []string{bookd.RoleUser}, user.Roles)

	// weak passwords are rejected
	_, err = p.srv.Register(ctx, "bob", "short")
	require.Error(t, err)
	_, err = p.srv.Register(ctx, "bob", "alllowercase1!")
	require.Error(t, err)
	_, err = p.srv.Register(ctx, "bob", "Contains!Bob1")
	require.Error(t, err)

	// duplicate usernames are rejected
	_, err = p.srv.Register(ctx, "alice", testPassword)
	require.Error(t, err)

	result, err := p.srv.Authenticate(ctx, "alice", testPassword, "")
	require.NoError(t, err)
	require.NotEmpty(t, result.AccessToken)
	require.NotEmpty(t, result.RefreshToken)

	_, err = p.srv.Authenticate(ctx, "alice", "wrong-password", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = p.srv.Authenticate(ctx, "nobody", testPassword, "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateToken(t *testing.T) {
	p := newPack(t)
	ctx := context.Background()

	user, err := p.srv.Register(ctx, "alice", testPassword)
	require.NoError(t, err)
	result, err := p.srv.Authenticate(ctx, "alice", testPassword, "")
	require.NoError(t, err)

	got, err := p.srv.ValidateToken(ctx, result.AccessToken)
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	// expiry
	p.clock.Advance(defaults.AccessTokenTTL + time.Minute)
	_, err = p.srv.ValidateToken(ctx, result.AccessToken)
	require.ErrorIs(t, err, ErrTokenExpired)

	// garbage
	_, err = p.srv.ValidateToken(ctx, "not-a-token")
	require.Error(t, err)
}

func TestRefreshRotation(t *testing.T) {
	p := newPack(t)
	ctx := context.Background()

	_, err := p.srv.Register(ctx, "alice", testPassword)
	require.NoError(t, err)
	first, err := p.srv.Authenticate(ctx, "alice", testPassword, "")
	require.NoError(t, err)

	second, err := p.srv.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// the rotated-out token is dead
	_, err = p.srv.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	// the replacement still works
	_, err = p.srv.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshExpiry(t *testing.T) {
	p := newPack(t)
	ctx := context.Background()

	_, err := p.srv.Register(ctx, "alice", testPassword)
	require.NoError(t, err)
	result, err := p.srv.Authenticate(ctx, "alice", testPassword, "")
	require.NoError(t, err)

	p.clock.Advance(defaults.RefreshTokenTTL + time.Minute)
	_, err = p.srv.Refresh(ctx, result.RefreshToken)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestLogoutRevokesTokens(t *testing.T) {
	p := newPack(t)
	ctx := context.Background()

	user, err := p.srv.Register(ctx, "alice", testPassword)
	require.NoError(t, err)
	result, err := p.srv.Authenticate(ctx, "alice", testPassword, "")
	require.NoError(t, err)

	require.NoError(t, p.srv.Logout(ctx, user.ID))
	_, err = p.srv.Refresh(ctx, result.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)
}

func TestChangePasswordInvalidatesAccessTokens(t *testing.T) {
	p := newPack(t)
	ctx := context.Background()

	user, err := p.srv.Register(ctx, "alice", testPassword)
	require.NoError(t, err)
	result, err := p.srv.Authenticate(ctx, "alice", testPassword, "")
	require.NoError(t, err)

	err = p.srv.ChangePassword(ctx, user.ID, "wrong", "N3w!Password")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, p.srv.ChangePassword(ctx, user.ID, testPassword, "N3w!Password"))

	// tokens minted before the change are version-mismatched
	_, err = p.srv.ValidateToken(ctx, result.AccessToken)
	require.ErrorIs(t, err, ErrTokenRevoked)
	_, err = p.srv.Refresh(ctx, result.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	_, err = p.srv.Authenticate(ctx, "alice", "N3w!Password", "")
	require.NoError(t, err)
}

func TestAccountLockout(t *testing.T) {
	p := newPack(t)
	ctx := context.Background()

	_, err := p.srv.Register(ctx, "alice", testPassword)
	require.NoError(t, err)

	for i := 0; i < defaults.MaxLoginAttempts; i++ {
		_, err = p.srv.Authenticate(ctx, "alice", "wrong-password", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// correct password is refused while locked
	_, err = p.srv.Authenticate(ctx, "alice", testPassword, "")
	require.ErrorIs(t, err, ErrAccountLocked)

	p.clock.Advance(defaults.AccountLockInterval + time.Minute)
	_, err = p.srv.Authenticate(ctx, "alice", testPassword, "")
	require.NoError(t, err)
}

func TestMFAFlow(t *testing.T) {
	p := newPack(t)
	ctx := context.Background()

	user, err := p.srv.Register(ctx, "alice", testPassword)
	require.NoError(t, err)

	setup, err := p.srv.BeginMFA(ctx, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, setup.Secret)

	// enabling needs a valid code
	_, err = p.srv.EnableMFA(ctx, user.ID, "000000")
	require.ErrorIs(t, err, ErrMFAInvalid)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	backupCodes, err := p.srv.EnableMFA(ctx, user.ID, code)
	require.NoError(t, err)
	require.Len(t, backupCodes, defaults.NumBackupCodes)

	// password alone is no longer enough
	_, err = p.srv.Authenticate(ctx, "alice", testPassword, "")
	require.ErrorIs(t, err, ErrMFARequired)

	code, err = totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	_, err = p.srv.Authenticate(ctx, "alice", testPassword, code)
	require.NoError(t, err)

	// backup codes are single use
	_, err = p.srv.Authenticate(ctx, "alice", testPassword, backupCodes[0])
	require.NoError(t, err)
	_, err = p.srv.Authenticate(ctx, "alice", testPassword, backupCodes[0])
	require.ErrorIs(t, err, ErrMFAInvalid)

	// disabling needs the password
	err = p.srv.DisableMFA(ctx, user.ID, "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.NoError(t, p.srv.DisableMFA(ctx, user.ID, testPassword))
	_, err = p.srv.Authenticate(ctx, "alice", testPassword, "")
	require.NoError(t, err)
}

func TestSetupGate(t *testing.T) {
	p := newPack(t)
	ctx := context.Background()

	status, err := p.srv.SetupStatus(ctx)
	require.NoError(t, err)
	require.False(t, status.SetupComplete)

	result, err := p.srv.Initialize(ctx, "admin", testPassword)
	require.NoError(t, err)
	require.NotEmpty(t, result.UnlockToken)
	require.NotEmpty(t, result.User.AccessToken)

	status, err = p.srv.SetupStatus(ctx)
	require.NoError(t, err)
	require.True(t, status.SetupComplete)

	// the gate is closed
	_, err = p.srv.Initialize(ctx, "admin2", testPassword)
	require.ErrorIs(t, err, ErrSetupLocked)

	// wrong unlock token is refused
	err = p.srv.ReopenSetup(ctx, "bogus")
	require.ErrorIs(t, err, ErrSetupLocked)

	require.NoError(t, p.srv.ReopenSetup(ctx, result.UnlockToken))
	_, err = p.srv.Initialize(ctx, "admin2", testPassword)
	require.NoError(t, err)

	// single use: the old token no longer reopens the gate
	err = p.srv.ReopenSetup(ctx, result.UnlockToken)
	require.ErrorIs(t, err, ErrSetupLocked)
}

func TestInitializeLockedOnceUsersExist(t *testing.T) {
	p := newPack(t)
	ctx := context.Background()

	// self-service registration alone closes the bootstrap window,
	// even though nobody ran initialize
	_, err := p.srv.Register(ctx, "alice", testPassword)
	require.NoError(t, err)

	_, err = p.srv.Initialize(ctx, "eve", testPassword)
	require.ErrorIs(t, err, ErrSetupLocked)

	status, err := p.srv.SetupStatus(ctx)
	require.NoError(t, err)
	require.False(t, status.SetupComplete)
}

func TestInitializePromotesExistingUser(t *testing.T) {
	p := newPack(t)
	ctx := context.Background()

	result, err := p.srv.Initialize(ctx, "admin", testPassword)
	require.NoError(t, err)

	alice, err := p.srv.Register(ctx, "alice", testPassword)
	require.NoError(t, err)
	require.False(t, alice.HasRole(bookd.RoleAdmin))

	require.NoError(t, p.srv.ReopenSetup(ctx, result.UnlockToken))

	promoted, err := p.srv.Initialize(ctx, "alice", testPassword)
	require.NoError(t, err)
	require.NotEmpty(t, promoted.User.AccessToken)

	got, err := p.identity.GetUserByName(ctx, "alice")
	require.NoError(t, err)
	require.True(t, got.HasRole(bookd.RoleAdmin))
	require.True(t, got.HasRole(bookd.RoleUser))

	// promotion still requires the user's own password
	require.NoError(t, p.srv.ReopenSetup(ctx, promoted.UnlockToken))
	_, err = p.srv.Initialize(ctx, "alice", "wrong-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestPolicy(t *testing.T) {
	p := newPack(t)
	ctx := context.Background()

	user, err := p.srv.Register(ctx, "alice", testPassword)
	require.NoError(t, err)

	require.NoError(t, CheckAccess(user, KindReservation, ActionCreate))
	require.Error(t, CheckAccess(user, KindResource, ActionCreate))
	require.Error(t, CheckAccess(user, KindWebhook, ActionRead))
	require.Error(t, CheckAccess(user, KindSystem, ActionAdmin))

	user.Roles = append(user.Roles, bookd.RoleAdmin)
	require.NoError(t, CheckAccess(user, KindResource, ActionCreate))
	require.NoError(t, CheckAccess(user, KindSystem, ActionAdmin))

	user.Roles = []string{"mystery"}
	require.Error(t, CheckAccess(user, KindResource, ActionRead))
}

func TestSweepExpiredTokens(t *testing.T) {
	p := newPack(t)
	ctx := context.Background()

	_, err := p.srv.Register(ctx, "alice", testPassword)
	require.NoError(t, err)
	_, err = p.srv.Authenticate(ctx, "alice", testPassword, "")
	require.NoError(t, err)

	n, err := p.srv.SweepExpiredTokens(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	p.clock.Advance(defaults.RefreshTokenTTL + defaults.RefreshTokenRetention + time.Hour)
	n, err = p.srv.SweepExpiredTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
