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

// Package web exposes the HTTP/JSON API and the WebSocket push
// channel.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/auth"
	"github.com/bookd/bookd/lib/avail"
	"github.com/bookd/bookd/lib/defaults"
	"github.com/bookd/bookd/lib/events"
	"github.com/bookd/bookd/lib/httplib"
	"github.com/bookd/bookd/lib/reserve"
	"github.com/bookd/bookd/lib/services"
	"github.com/bookd/bookd/lib/waitlist"
	"github.com/bookd/bookd/lib/webhooks"
)

// Config holds everything the API surface talks to.
type Config struct {
	Auth       *auth.Server
	Reserve    *reserve.Engine
	Waitlist   *waitlist.Engine
	Projector  *avail.Projector
	Dispatcher *webhooks.Dispatcher
	Bus        *events.Bus

	Identity      services.Identity
	Resources     services.Resources
	Reservations  services.Reservations
	Notifications services.Notifications
	Webhooks      services.Webhooks

	// KeepAliveInterval paces WebSocket pings.
	KeepAliveInterval time.Duration

	Clock clockwork.Clock
	Log   *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Auth == nil {
		return trace.BadParameter("missing auth server")
	}
	if c.Reserve == nil {
		return trace.BadParameter("missing reservation engine")
	}
	if c.Waitlist == nil {
		return trace.BadParameter("missing waitlist engine")
	}
	if c.Projector == nil {
		return trace.BadParameter("missing availability projector")
	}
	if c.Dispatcher == nil {
		return trace.BadParameter("missing webhook dispatcher")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing event bus")
	}
	if c.Identity == nil || c.Resources == nil || c.Reservations == nil ||
		c.Notifications == nil || c.Webhooks == nil {
		return trace.BadParameter("missing storage services")
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = defaults.KeepAliveInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(bookd.ComponentKey, bookd.ComponentWeb)
	}
	return nil
}

// Handler is the API server.
type Handler struct {
	httprouter.Router
	cfg Config
}

// NewHandler builds the router for all API endpoints.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}

	// identity
	h.POST("/api/v1/register", httplib.MakeHandlerWithCode(h.register, http.StatusCreated))
	h.POST("/api/v1/token", httplib.MakeHandler(h.token))
	h.POST("/api/v1/token/refresh", httplib.MakeHandler(h.refresh))
	h.POST("/api/v1/logout", h.withAuth(h.logout))
	h.POST("/api/v1/auth/password", h.withAuth(h.changePassword))
	h.POST("/api/v1/auth/mfa/setup", h.withAuth(h.mfaSetup))
	h.POST("/api/v1/auth/mfa/verify", h.withAuth(h.mfaVerify))
	h.POST("/api/v1/auth/mfa/disable", h.withAuth(h.mfaDisable))
	h.POST("/api/v1/auth/mfa/backup-codes", h.withAuth(h.mfaBackupCodes))

	// setup gate
	h.GET("/api/v1/setup/status", httplib.MakeHandler(h.setupStatus))
	h.POST("/api/v1/setup/initialize", httplib.MakeHandlerWithCode(h.setupInitialize, http.StatusCreated))
	h.POST("/api/v1/setup/reopen", httplib.MakeHandler(h.setupReopen))

	// resources and availability
	h.GET("/api/v1/resources", h.withAuth(h.listResources))
	h.POST("/api/v1/resources", h.withAuthCode(h.createResource, http.StatusCreated))
	h.GET("/api/v1/resources/:id", h.withAuth(h.getResource))
	h.PUT("/api/v1/resources/:id", h.withAuth(h.updateResource))
	h.GET("/api/v1/resources/:id/schedule", h.withAuth(h.resourceSchedule))
	h.GET("/api/v1/resources/:id/availability", h.withAuth(h.resourceSchedule))
	h.GET("/api/v1/resources/:id/status", h.withAuth(h.resourceStatus))
	h.GET("/api/v1/resources/:id/available-slots", h.withAuth(h.resourceAvailableSlots))
	h.GET("/api/v1/resources/:id/next-available", h.withAuth(h.resourceNextAvailable))
	h.GET("/api/v1/resources/:id/waitlist", h.withAuth(h.resourceWaitlist))
	h.PUT("/api/v1/resources/:id/hours", h.withAuth(h.setBusinessHours))
	h.PUT("/api/v1/hours", h.withAuth(h.setGlobalHours))
	h.GET("/api/v1/availability/summary", h.withAuth(h.availabilitySummary))
	h.POST("/api/v1/blackouts", h.withAuthCode(h.createBlackout, http.StatusCreated))
	h.DELETE("/api/v1/blackouts/:id", h.withAuth(h.deleteBlackout))

	// reservations; recurring ones go through the same create endpoint
	// with a recurrence block in the body
	h.POST("/api/v1/reservations", h.withAuthCode(h.createReservation, http.StatusCreated))
	h.GET("/api/v1/reservations", h.withAuth(h.myReservations))
	h.POST("/api/v1/reservations/:id/cancel", h.withAuth(h.cancelReservation))
	h.GET("/api/v1/reservations/:id/history", h.withAuth(h.reservationHistory))

	// waitlist
	h.POST("/api/v1/waitlist", h.withAuthCode(h.joinWaitlist, http.StatusCreated))
	h.GET("/api/v1/waitlist", h.withAuth(h.myWaitlist))
	h.POST("/api/v1/waitlist/:id/accept", h.withAuthCode(h.acceptOffer, http.StatusCreated))
	h.DELETE("/api/v1/waitlist/:id", h.withAuth(h.leaveWaitlist))

	// notifications
	h.GET("/api/v1/notifications", h.withAuth(h.listNotifications))
	h.POST("/api/v1/notifications/read", h.withAuth(h.markNotificationsRead))

	// webhooks (admin only)
	h.POST("/api/v1/webhooks", h.withAuthCode(h.createWebhook, http.StatusCreated))
	h.GET("/api/v1/webhooks", h.withAuth(h.listWebhooks))
	h.GET("/api/v1/webhooks/:id", h.withAuth(h.getWebhook))
	h.PATCH("/api/v1/webhooks/:id", h.withAuth(h.updateWebhook))
	h.DELETE("/api/v1/webhooks/:id", h.withAuth(h.deleteWebhook))
	h.GET("/api/v1/webhooks/:id/deliveries", h.withAuth(h.listDeliveries))
	h.POST("/api/v1/webhooks/:id/deliveries/:delivery/retry", h.withAuth(h.retryDelivery))

	// real-time push
	h.GET("/ws", httplib.MakeHandler(h.websocket))

	return h, nil
}

// authedHandler receives the authenticated caller.
type authedHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *services.User) (any, error)

func (h *Handler) withAuth(fn authedHandler) httprouter.Handle {
	return h.withAuthCode(fn, http.StatusOK)
}

func (h *Handler) withAuthCode(fn authedHandler, code int) httprouter.Handle {
	return httplib.MakeHandlerWithCode(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		user, err := h.authenticate(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, user)
	}, code)
}

// authenticate resolves the bearer token to a live user.
func (h *Handler) authenticate(r *http.Request) (*services.User, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, trace.Wrap(auth.ErrTokenRevoked, "missing bearer token")
	}
	user, err := h.cfg.Auth.ValidateToken(r.Context(), token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// Server wraps the handler in an http.Server with sane timeouts.
type Server struct {
	*http.Server
}

// NewServer builds an HTTP server for the handler. API requests run
// under a timeout; the WebSocket endpoint bypasses it because the
// timeout wrapper cannot hijack connections.
func NewServer(addr string, h *Handler) *Server {
	bounded := http.TimeoutHandler(h, defaults.HTTPRequestTimeout, "request timed out")
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			h.ServeHTTP(w, r)
			return
		}
		bounded.ServeHTTP(w, r)
	})
	return &Server{
		Server: &http.Server{
			Addr:              addr,
			Handler:           root,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       defaults.HTTPIdleTimeout,
		},
	}
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return trace.Wrap(s.Server.Shutdown(ctx))
}
