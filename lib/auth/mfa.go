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

	"github.com/gravitational/trace"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/services"
)

// MFASetup is returned from BeginMFA: the secret to load into an
// authenticator and the otpauth:// provisioning URL.
type MFASetup struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// BeginMFA generates a TOTP secret for the user. MFA is not enabled
// until the user confirms a valid code via EnableMFA.
func (s *Server) BeginMFA(ctx context.Context, userID string) (*MFASetup, error) {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	user, err := s.cfg.Identity.GetUser(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if user.MFAEnabled {
		return nil, trace.AlreadyExists("mfa is already enabled")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "bookd",
		AccountName: user.Username,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user.TOTPSecret = key.Secret()
	user.UpdatedAt = s.clock().Now().UTC()
	if _, err := s.cfg.Identity.UpdateUser(ctx, user); err != nil {
		return nil, trace.Wrap(err)
	}
	return &MFASetup{Secret: key.Secret(), URL: key.URL()}, nil
}

// EnableMFA turns MFA on once the user proves possession of the secret
// with a valid code, and returns freshly minted single-use backup
// codes. The plaintext codes are shown exactly once.
func (s *Server) EnableMFA(ctx context.Context, userID, code string) ([]string, error) {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	user, err := s.cfg.Identity.GetUser(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if user.MFAEnabled {
		return nil, trace.AlreadyExists("mfa is already enabled")
	}
	if user.TOTPSecret == "" {
		return nil, trace.BadParameter("mfa setup has not started")
	}
	if !s.validTOTP(user.TOTPSecret, code) {
		return nil, trace.Wrap(ErrMFAInvalid)
	}
	codes, hashes, err := newBackupCodes()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user.MFAEnabled = true
	user.BackupCodes = hashes
	user.UpdatedAt = s.clock().Now().UTC()
	if _, err := s.cfg.Identity.UpdateUser(ctx, user); err != nil {
		return nil, trace.Wrap(err)
	}
	s.cfg.Log.InfoContext(ctx, "mfa enabled", "user", user.Username)
	return codes, nil
}

// DisableMFA turns MFA off. It re-verifies the password so a hijacked
// session cannot silently weaken the account.
func (s *Server) DisableMFA(ctx context.Context, userID, password string) error {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	user, err := s.cfg.Identity.GetUser(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return trace.Wrap(ErrInvalidCredentials)
	}
	user.MFAEnabled = false
	user.TOTPSecret = ""
	user.BackupCodes = nil
	user.UpdatedAt = s.clock().Now().UTC()
	if _, err := s.cfg.Identity.UpdateUser(ctx, user); err != nil {
		return trace.Wrap(err)
	}
	s.cfg.Log.InfoContext(ctx, "mfa disabled", "user", user.Username)
	return nil
}

// RegenerateBackupCodes replaces the whole backup code set at once.
func (s *Server) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	user, err := s.cfg.Identity.GetUser(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !user.MFAEnabled {
		return nil, trace.BadParameter("mfa is not enabled")
	}
	if !s.validTOTP(user.TOTPSecret, code) {
		return nil, trace.Wrap(ErrMFAInvalid)
	}
	codes, hashes, err := newBackupCodes()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user.BackupCodes = hashes
	user.UpdatedAt = s.clock().Now().UTC()
	if _, err := s.cfg.Identity.UpdateUser(ctx, user); err != nil {
		return nil, trace.Wrap(err)
	}
	return codes, nil
}

// verifySecondFactor accepts either a current TOTP code or one unused
// backup code. A matched backup code is consumed in place.
func (s *Server) verifySecondFactor(ctx context.Context, user *services.User, code string) error {
	if s.validTOTP(user.TOTPSecret, code) {
		return nil
	}
	for i, hash := range user.BackupCodes {
		if hash == nil {
			continue
		}
		if bcrypt.CompareHashAndPassword(hash, []byte(code)) == nil {
			user.BackupCodes[i] = nil
			user.UpdatedAt = s.clock().Now().UTC()
			if _, err := s.cfg.Identity.UpdateUser(ctx, user); err != nil {
				return trace.Wrap(err)
			}
			s.cfg.Log.InfoContext(ctx, "backup code consumed", "user", user.Username)
			return nil
		}
	}
	return trace.Wrap(ErrMFAInvalid)
}

// validTOTP checks the code against the secret with one period of
// clock skew in either direction.
func (s *Server) validTOTP(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	return totp.Validate(code, secret)
}

func newBackupCodes() ([]string, [][]byte, error) {
	codes := make([]string, 0, defaults.NumBackupCodes)
	hashes := make([][]byte, 0, defaults.NumBackupCodes)
	for i := 0; i < defaults.NumBackupCodes; i++ {
		raw := make([]byte, 8)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, trace.Wrap(err)
		}
		code := hex.EncodeToString(raw)
		hash, err := bcrypt.GenerateFromPassword([]byte(code), defaults.BCryptCost)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		codes = append(codes, code)
		hashes = append(hashes, hash)
	}
	return codes, hashes, nil
}
