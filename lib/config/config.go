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

// Package config reads the YAML configuration file and turns it into
// runtime parameters for the server.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"

	"github.com/bookd/bookd/lib/defaults"
)

// Duration is a time.Duration that unmarshals from strings like "30m".
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return trace.Wrap(err)
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return trace.BadParameter("invalid duration %q: %v", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return trace.BadParameter("invalid duration value %v", raw)
	}
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Value returns the wrapped duration.
func (d Duration) Value() time.Duration { return time.Duration(d) }

// FileConfig mirrors the YAML configuration file.
type FileConfig struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `json:"listen_addr"`
	// DataDir holds on-disk state such as the SQLite database.
	DataDir string `json:"data_dir"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	Storage      Storage      `json:"storage"`
	Auth         Auth         `json:"auth"`
	Reservations Reservations `json:"reservations"`
	Waitlist     Waitlist     `json:"waitlist"`
	Webhooks     Webhooks     `json:"webhooks"`
}

// Storage selects and tunes the backend.
type Storage struct {
	// Type is either "memory" or "sqlite".
	Type string `json:"type"`
	// Path overrides the SQLite database location; it defaults to
	// <data_dir>/bookd.db.
	Path string `json:"path"`
}

// Auth configures the identity core.
type Auth struct {
	// SigningKey signs access tokens. SigningKeyFile, when set, is
	// read instead so the key can live outside the config file.
	SigningKey     string `json:"signing_key"`
	SigningKeyFile string `json:"signing_key_file"`

	AccessTokenTTL  Duration `json:"access_token_ttl"`
	RefreshTokenTTL Duration `json:"refresh_token_ttl"`
	// ReusableSetupToken keeps the setup unlock token valid across
	// reopened initializations.
	ReusableSetupToken bool `json:"reusable_setup_token"`
}

// Reservations tunes the booking engine.
type Reservations struct {
	MinDuration       Duration `json:"min_duration"`
	MaxDuration       Duration `json:"max_duration"`
	Grace             Duration `json:"grace"`
	MaxPerDay         int      `json:"max_per_day"`
	RecurrenceHorizon Duration `json:"recurrence_horizon"`
	MaxInstances      int      `json:"max_instances"`
}

// Waitlist tunes the promotion engine.
type Waitlist struct {
	OfferTTL Duration `json:"offer_ttl"`
}

// Webhooks tunes the outbound dispatcher.
type Webhooks struct {
	Workers        int      `json:"workers"`
	MaxAttempts    int      `json:"max_attempts"`
	AttemptTimeout Duration `json:"attempt_timeout"`
	DisableCount   int      `json:"disable_count"`
}

// ReadFile loads and validates a config file.
func ReadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes.
func Parse(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// CheckAndSetDefaults validates the file and fills in defaults.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if fc.ListenAddr == "" {
		fc.ListenAddr = defaults.HTTPListenAddr
	}
	if fc.DataDir == "" {
		fc.DataDir = "/var/lib/bookd"
	}
	switch fc.LogLevel {
	case "":
		fc.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return trace.BadParameter("unknown log level %q", fc.LogLevel)
	}
	switch fc.Storage.Type {
	case "":
		fc.Storage.Type = "sqlite"
	case "memory", "sqlite":
	default:
		return trace.BadParameter("unknown storage type %q", fc.Storage.Type)
	}
	if fc.Storage.Type == "sqlite" && fc.Storage.Path == "" {
		fc.Storage.Path = filepath.Join(fc.DataDir, "bookd.db")
	}
	if fc.Auth.SigningKey != "" && fc.Auth.SigningKeyFile != "" {
		return trace.BadParameter("signing_key and signing_key_file are mutually exclusive")
	}
	if fc.Reservations.MinDuration < 0 || fc.Reservations.MaxDuration < 0 ||
		fc.Reservations.Grace < 0 || fc.Reservations.RecurrenceHorizon < 0 {
		return trace.BadParameter("reservation durations must not be negative")
	}
	if fc.Reservations.MaxPerDay < 0 || fc.Reservations.MaxInstances < 0 {
		return trace.BadParameter("reservation limits must not be negative")
	}
	if fc.Waitlist.OfferTTL < 0 {
		return trace.BadParameter("offer_ttl must not be negative")
	}
	if fc.Webhooks.Workers < 0 || fc.Webhooks.MaxAttempts < 0 || fc.Webhooks.DisableCount < 0 {
		return trace.BadParameter("webhook limits must not be negative")
	}
	return nil
}

// SigningKey resolves the token signing key, reading the key file when
// configured.
func (fc *FileConfig) SigningKey() ([]byte, error) {
	if fc.Auth.SigningKeyFile != "" {
		key, err := os.ReadFile(fc.Auth.SigningKeyFile)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		return key, nil
	}
	if fc.Auth.SigningKey == "" {
		return nil, trace.BadParameter("auth signing key is not configured")
	}
	return []byte(fc.Auth.SigningKey), nil
}

// SlogLevel maps the configured level onto slog.
func (fc *FileConfig) SlogLevel() slog.Level {
	switch fc.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
