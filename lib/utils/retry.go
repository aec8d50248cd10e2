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

package utils

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter is a function which applies random jitter to a duration. Used
// to randomize backoff values. Must be safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewJitter builds a new default jitter on the range [n/2,n). Most
// suitable for backoff operations where breaking cycles quickly is a
// priority.
func NewJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// values less than 1 cause rng to panic, and some logic relies
		// on treating zero duration as the non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// NewSeventhJitter builds a new jitter on the range [6n/7,n). Prefer
// smaller jitters such as this when jittering periodic operations since
// large jitters result in significantly increased load.
func NewSeventhJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (6 * d / 7) + time.Duration(rng.Int63n(int64(d))/7)
	}
}

// RetryConfig configures RetryWithBackoff.
type RetryConfig struct {
	// Attempts is the maximum number of attempts, including the first.
	Attempts int
	// Backoff is the base delay between attempts.
	Backoff time.Duration
	// Clock is used to wait between attempts.
	Clock clockwork.Clock
	// Jitter randomizes the backoff, defaults to the half jitter.
	Jitter Jitter
	// RetryIf decides whether the returned error is worth another
	// attempt; a nil RetryIf retries every error.
	RetryIf func(error) bool
}

func (c *RetryConfig) checkAndSetDefaults() error {
	if c.Attempts <= 0 {
		return trace.BadParameter("retry attempts should be > 0")
	}
	if c.Backoff < 0 {
		return trace.BadParameter("retry backoff should be >= 0")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Jitter == nil {
		c.Jitter = NewJitter()
	}
	return nil
}

// RetryWithBackoff runs fn up to cfg.Attempts times, sleeping a
// jittered multiple of cfg.Backoff between attempts. The last error is
// returned once attempts are exhausted or fn returns an error RetryIf
// rejects.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	var err error
	for i := 0; i < cfg.Attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return trace.Wrap(err)
		}
		if i == cfg.Attempts-1 {
			break
		}
		select {
		case <-cfg.Clock.After(cfg.Jitter(cfg.Backoff * time.Duration(i+1))):
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
	return trace.Wrap(err)
}
