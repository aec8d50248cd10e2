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
	"strings"
	"unicode"

	"github.com/gravitational/trace"

	"github.com/bookd/bookd/lib/defaults"
)

// VerifyPassword applies the password policy: minimum length, at least
// one upper, lower, digit and special character, and no username
// substring.
func VerifyPassword(username, password string) error {
	if len(password) < defaults.MinPasswordLength {
		return trace.BadParameter("password must be at least %v characters", defaults.MinPasswordLength)
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return trace.BadParameter("password must contain upper and lower case letters, a digit and a special character")
	}
	if len(username) >= 3 && strings.Contains(strings.ToLower(password), strings.ToLower(username)) {
		return trace.BadParameter("password must not contain the username")
	}
	return nil
}
