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

// Package tasks runs the named periodic background loops: expiry
// sweeps, token cleanup and resource auto-reset.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/events"
)

// Func is one task body. It returns how many rows it mutated.
type Func func(ctx context.Context) (int, error)

type task struct {
	name   string
	period time.Duration
	fn     Func
}

// Config holds scheduler parameters.
type Config struct {
	// Bus carries alert events on repeated task failure; optional.
	Bus *events.Bus
	// AlertThreshold is how many consecutive failures raise an alert.
	AlertThreshold int

	Clock clockwork.Clock
	Log   *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.AlertThreshold == 0 {
		c.AlertThreshold = defaults.TaskAlertThreshold
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(bookd.ComponentKey, bookd.ComponentTasks)
	}
	return nil
}

// Scheduler runs each registered task on its own ticker. A failing
// task is retried on its next tick; repeated failure raises an alert
// event but never halts the scheduler.
type Scheduler struct {
	cfg   Config
	tasks []task
}

// NewScheduler returns an empty scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Scheduler{cfg: cfg}, nil
}

// Add registers a named periodic task. Must be called before Run.
func (s *Scheduler) Add(name string, period time.Duration, fn Func) error {
	if name == "" {
		return trace.BadParameter("missing task name")
	}
	if period <= 0 {
		return trace.BadParameter("task %q period must be positive", name)
	}
	if fn == nil {
		return trace.BadParameter("task %q is missing a body", name)
	}
	s.tasks = append(s.tasks, task{name: name, period: period, fn: fn})
	return nil
}

// Run blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		t := t
		group.Go(func() error {
			s.runTask(ctx, t)
			return nil
		})
	}
	return trace.Wrap(group.Wait())
}

func (s *Scheduler) runTask(ctx context.Context, t task) {
	log := s.cfg.Log.With("task", t.name)
	ticker := s.cfg.Clock.NewTicker(t.period)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.Chan():
		case <-ctx.Done():
			return
		}
		start := s.cfg.Clock.Now()
		log.DebugContext(ctx, "task tick started")
		mutations, err := t.fn(ctx)
		elapsed := s.cfg.Clock.Now().Sub(start)
		if err != nil {
			failures++
			log.WarnContext(ctx, "task tick failed",
				"error", err, "consecutive_failures", failures, "elapsed", elapsed)
			if failures == s.cfg.AlertThreshold && s.cfg.Bus != nil {
				s.cfg.Bus.Publish(events.Event{
					Type: bookd.EventSystemAlert,
					Data: map[string]any{
						"task":     t.name,
						"failures": failures,
						"error":    err.Error(),
					},
				})
			}
			continue
		}
		failures = 0
		log.InfoContext(ctx, "task tick finished", "mutations", mutations, "elapsed", elapsed)
	}
}
