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
	"errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"

	"github.com/bookd/bookd/lib/services"
)

// Claims is the access token payload.
type Claims struct {
	jwt.RegisteredClaims
	// Version must match the user's current token version; a password
	// change bumps it and retires every prior token.
	Version int `json:"ver"`
}

// signAccessToken mints a short-lived HS256 token for the user.
func (s *Server) signAccessToken(user *services.User) (string, error) {
	now := s.clock().Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
		},
		Version: user.TokenVersion,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.cfg.SigningKey)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return signed, nil
}

// ValidateToken verifies an access token and returns its user. It
// checks the signature, expiry, token version and that the account is
// still enabled.
func (s *Server) ValidateToken(ctx context.Context, tokenString string) (*services.User, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, trace.BadParameter("unexpected signing method %v", t.Header["alg"])
		}
		return s.cfg.SigningKey, nil
	}, jwt.WithTimeFunc(s.clock().Now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, trace.Wrap(ErrTokenExpired)
		}
		return nil, trace.Wrap(ErrTokenRevoked)
	}
	user, err := s.cfg.Identity.GetUser(ctx, claims.Subject)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.Wrap(ErrTokenRevoked)
		}
		return nil, trace.Wrap(err)
	}
	if user.Disabled {
		return nil, trace.Wrap(ErrTokenRevoked)
	}
	if claims.Version != user.TokenVersion {
		return nil, trace.Wrap(ErrTokenRevoked)
	}
	return user, nil
}
