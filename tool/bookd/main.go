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

// Command bookd runs the reservation server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/auth"
	"github.com/bookd/bookd/lib/avail"
	"github.com/bookd/bookd/lib/backend"
	"github.com/bookd/bookd/lib/backend/lite"
	"github.com/bookd/bookd/lib/backend/memory"
	"github.com/bookd/bookd/lib/config"
	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/events"
	"github.com/bookd/bookd/lib/reserve"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/services/local"
	"github.com/bookd/bookd/lib/tasks"
	"github.com/bookd/bookd/lib/waitlist"
	"github.com/bookd/bookd/lib/web"
	"github.com/bookd/bookd/lib/webhooks"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := kingpin.New("bookd", "Shared resource reservation server.")
	debug := app.Flag("debug", "Enable verbose logging.").Short('d').Bool()

	start := app.Command("start", "Start the reservation server.")
	configPath := start.Flag("config", "Path to the YAML config file.").
		Short('c').Default("/etc/bookd.yaml").String()
	listenAddr := start.Flag("listen-addr", "Override the configured listen address.").String()

	version := app.Command("version", "Print the version and exit.")

	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case start.FullCommand():
		if err := run(ctx, *configPath, *listenAddr, *debug); err != nil {
			slog.Error("server exited with error", "error", err)
			os.Exit(1)
		}
	case version.FullCommand():
		fmt.Println(bookd.Version)
	}
}

func run(ctx context.Context, configPath, listenAddr string, debug bool) error {
	fc, err := config.ReadFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if listenAddr != "" {
		fc.ListenAddr = listenAddr
	}
	level := fc.SlogLevel()
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	logger := slog.Default()

	signingKey, err := fc.SigningKey()
	if err != nil {
		return trace.Wrap(err)
	}

	var bk backend.Backend
	switch fc.Storage.Type {
	case "memory":
		bk, err = memory.New(memory.Config{})
	case "sqlite":
		if err := os.MkdirAll(fc.DataDir, 0o700); err != nil {
			return trace.ConvertSystemError(err)
		}
		bk, err = lite.New(lite.Config{Path: fc.Storage.Path})
	default:
		return trace.BadParameter("unknown storage type %q", fc.Storage.Type)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	defer bk.Close()

	identity := local.NewIdentityService(bk)
	resources := local.NewResourceService(bk)
	reservations := local.NewReservationService(bk)
	waitlistSvc := local.NewWaitlistService(bk)
	notifications := local.NewNotificationService(bk)
	webhookSvc := local.NewWebhookService(bk)

	bus, err := events.NewBus(events.BusConfig{})
	if err != nil {
		return trace.Wrap(err)
	}
	defer bus.Close()

	authSrv, err := auth.NewServer(auth.Config{
		Identity:           identity,
		SigningKey:         signingKey,
		AccessTokenTTL:     fc.Auth.AccessTokenTTL.Value(),
		RefreshTokenTTL:    fc.Auth.RefreshTokenTTL.Value(),
		ReusableSetupToken: fc.Auth.ReusableSetupToken,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	reserveEngine, err := reserve.NewEngine(reserve.Config{
		Reservations:      reservations,
		Resources:         resources,
		Notifications:     notifications,
		Bus:               bus,
		MinDuration:       fc.Reservations.MinDuration.Value(),
		MaxDuration:       fc.Reservations.MaxDuration.Value(),
		Grace:             fc.Reservations.Grace.Value(),
		MaxPerDay:         fc.Reservations.MaxPerDay,
		RecurrenceHorizon: fc.Reservations.RecurrenceHorizon.Value(),
		MaxInstances:      fc.Reservations.MaxInstances,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	waitlistEngine, err := waitlist.NewEngine(waitlist.Config{
		Waitlist:      waitlistSvc,
		Resources:     resources,
		Reservations:  reservations,
		Reserve:       reserveEngine,
		Notifications: notifications,
		Bus:           bus,
		OfferTTL:      fc.Waitlist.OfferTTL.Value(),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	projector, err := avail.NewProjector(avail.Config{
		Resources:    resources,
		Reservations: reservations,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	dispatcher, err := webhooks.NewDispatcher(webhooks.Config{
		Store:          webhookSvc,
		Bus:            bus,
		Workers:        fc.Webhooks.Workers,
		MaxAttempts:    fc.Webhooks.MaxAttempts,
		AttemptTimeout: fc.Webhooks.AttemptTimeout.Value(),
		DisableCount:   fc.Webhooks.DisableCount,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Auth:          authSrv,
		Reserve:       reserveEngine,
		Waitlist:      waitlistEngine,
		Projector:     projector,
		Dispatcher:    dispatcher,
		Bus:           bus,
		Identity:      identity,
		Resources:     resources,
		Reservations:  reservations,
		Notifications: notifications,
		Webhooks:      webhookSvc,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	scheduler, err := tasks.NewScheduler(tasks.Config{Bus: bus})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := scheduler.Add("reservation-expire", defaults.ReservationExpirePeriod, reserveEngine.ExpireSweep); err != nil {
		return trace.Wrap(err)
	}
	if err := scheduler.Add("waitlist-offer-expire", defaults.OfferExpirePeriod, waitlistEngine.ExpireOffers); err != nil {
		return trace.Wrap(err)
	}
	if err := scheduler.Add("revoked-token-sweep", defaults.TokenSweepPeriod, authSrv.SweepExpiredTokens); err != nil {
		return trace.Wrap(err)
	}
	if err := scheduler.Add("resource-auto-reset", defaults.AutoResetPeriod, func(ctx context.Context) (int, error) {
		return autoResetSweep(ctx, resources)
	}); err != nil {
		return trace.Wrap(err)
	}

	srv := web.NewServer(fc.ListenAddr, handler)

	logger.InfoContext(ctx, "bookd starting",
		"version", bookd.Version,
		"listen_addr", fc.ListenAddr,
		"storage", fc.Storage.Type)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.GracefulShutdownTimeout)
		defer cancel()
		return trace.Wrap(srv.Shutdown(shutdownCtx))
	})
	return trace.Wrap(g.Wait())
}

// autoResetSweep flips unavailable resources back to available once
// their auto reset window has elapsed.
func autoResetSweep(ctx context.Context, resources services.Resources) (int, error) {
	now := time.Now().UTC()
	reset := 0
	params := services.ListParams{Limit: defaults.MaxPageSize}
	for {
		page, err := resources.ListResources(ctx,
			services.ResourceFilter{Status: services.ResourceUnavailable}, params)
		if err != nil {
			return reset, trace.Wrap(err)
		}
		for i := range page.Items {
			r := page.Items[i]
			if r.AutoResetHours <= 0 || r.UnavailableSince.IsZero() {
				continue
			}
			if now.Sub(r.UnavailableSince) < time.Duration(r.AutoResetHours)*time.Hour {
				continue
			}
			r.Status = services.ResourceAvailable
			r.UnavailableSince = time.Time{}
			r.UpdatedAt = now
			if _, err := resources.UpdateResource(ctx, &r); err != nil {
				return reset, trace.Wrap(err)
			}
			reset++
		}
		if !page.HasMore {
			break
		}
		params.Cursor = page.NextCursor
	}
	return reset, nil
}
