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

package services

import (
	"time"

	"github.com/gravitational/trace"
)

// User is a registered account. Users are never destroyed, only
// disabled.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	// PasswordHash is the bcrypt hash of the password.
	PasswordHash []byte `json:"password_hash"`
	// TokenVersion is bumped on password change, invalidating access
	// tokens minted before the change.
	TokenVersion int `json:"token_version"`

	// TOTPSecret is set once MFA setup begins; MFAEnabled only after
	// the user proves possession of the secret.
	TOTPSecret string `json:"totp_secret,omitempty"`
	MFAEnabled bool   `json:"mfa_enabled"`
	// BackupCodes are bcrypt hashes of single-use codes; used entries
	// are cleared in place.
	BackupCodes [][]byte `json:"backup_codes,omitempty"`

	Roles    []string `json:"roles"`
	Disabled bool     `json:"disabled"`

	// LockedUntil blocks authentication after repeated failures.
	LockedUntil time.Time `json:"locked_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAndSetDefaults validates the user record.
func (u *User) CheckAndSetDefaults() error {
	if u.ID == "" {
		return trace.BadParameter("missing user id")
	}
	if u.Username == "" {
		return trace.BadParameter("missing username")
	}
	return nil
}

// HasRole reports whether the user carries the named role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WithoutSecrets returns a copy safe for API responses.
func (u User) WithoutSecrets() User {
	u.PasswordHash = nil
	u.TOTPSecret = ""
	u.BackupCodes = nil
	return u
}

// RefreshToken is the stored form of a long-lived refresh credential.
// The opaque token itself never touches storage; only its SHA-256 hash
// does.
type RefreshToken struct {
	// ID is the hex SHA-256 of the opaque token.
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	IssuedAt time.Time `json:"issued_at"`
	Expires  time.Time `json:"expires_at"`
	Revoked  bool      `json:"revoked"`
}

// CheckAndSetDefaults validates the row.
func (t *RefreshToken) CheckAndSetDefaults() error {
	if t.ID == "" {
		return trace.BadParameter("missing refresh token id")
	}
	if t.UserID == "" {
		return trace.BadParameter("missing refresh token user")
	}
	if t.Expires.IsZero() {
		return trace.BadParameter("missing refresh token expiry")
	}
	return nil
}

// LoginAttempt records a failed authentication, used for temporary
// account locking.
type LoginAttempt struct {
	Time    time.Time `json:"time"`
	Expires time.Time `json:"expires"`
}

// SetupState is the singleton first-admin bootstrap gate.
type SetupState struct {
	SetupComplete bool `json:"setup_complete"`
	SetupReopened bool `json:"setup_reopened"`
	// UnlockTokenHash is the bcrypt hash of the out-of-band token that
	// permits reopening setup.
	UnlockTokenHash []byte `json:"unlock_token_hash,omitempty"`
}

// Notification is a per-user message.
type Notification struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Type   string `json:"type"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	Link   string `json:"link,omitempty"`
	Read   bool   `json:"read"`

	CreatedAt time.Time `json:"created_at"`
}

// CheckAndSetDefaults validates the notification.
func (n *Notification) CheckAndSetDefaults() error {
	if n.ID == "" {
		return trace.BadParameter("missing notification id")
	}
	if n.UserID == "" {
		return trace.BadParameter("missing notification user")
	}
	if n.Type == "" {
		return trace.BadParameter("missing notification type")
	}
	return nil
}
