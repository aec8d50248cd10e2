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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFull(t *testing.T) {
	fc, err := Parse([]byte(`
listen_addr: 0.0.0.0:9000
data_dir: /tmp/bookd-test
log_level: debug
storage:
  type: sqlite
auth:
  signing_key: super-secret
  access_token_ttl: 15m
  refresh_token_ttl: 168h
  reusable_setup_token: true
reservations:
  min_duration: 30m
  max_duration: 8h
  max_per_day: 5
waitlist:
  offer_ttl: 10m
webhooks:
  workers: 4
  max_attempts: 3
  attempt_timeout: 5s
`))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", fc.ListenAddr)
	require.Equal(t, filepath.Join("/tmp/bookd-test", "bookd.db"), fc.Storage.Path)
	require.Equal(t, 15*time.Minute, fc.Auth.AccessTokenTTL.Value())
	require.Equal(t, 168*time.Hour, fc.Auth.RefreshTokenTTL.Value())
	require.True(t, fc.Auth.ReusableSetupToken)
	require.Equal(t, 30*time.Minute, fc.Reservations.MinDuration.Value())
	require.Equal(t, 5, fc.Reservations.MaxPerDay)
	require.Equal(t, 10*time.Minute, fc.Waitlist.OfferTTL.Value())
	require.Equal(t, 4, fc.Webhooks.Workers)

	key, err := fc.SigningKey()
	require.NoError(t, err)
	require.Equal(t, []byte("super-secret"), key)
}

func TestParseDefaults(t *testing.T) {
	fc, err := Parse([]byte(`auth: {signing_key: k}`))
	require.NoError(t, err)
	require.Equal(t, "sqlite", fc.Storage.Type)
	require.Equal(t, "info", fc.LogLevel)
	require.NotEmpty(t, fc.ListenAddr)
	require.NotEmpty(t, fc.Storage.Path)
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, raw := range []string{
		`log_level: loud`,
		`storage: {type: etcd}`,
		`auth: {access_token_ttl: sometimes}`,
		`auth: {signing_key: a, signing_key_file: /b}`,
	} {
		_, err := Parse([]byte(raw))
		require.Error(t, err, "config: %s", raw)
	}
}

func TestSigningKeyFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(keyPath, []byte("file-key"), 0o600))

	fc, err := Parse([]byte("auth:\n  signing_key_file: " + keyPath + "\n"))
	require.NoError(t, err)
	key, err := fc.SigningKey()
	require.NoError(t, err)
	require.Equal(t, []byte("file-key"), key)

	fc, err = Parse([]byte(`{}`))
	require.NoError(t, err)
	_, err = fc.SigningKey()
	require.Error(t, err)
}
