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

package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/bookd/bookd/lib/auth"
	"github.com/bookd/bookd/lib/events"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// clientOp is a control message sent by the client over the socket.
type clientOp struct {
	Op string `json:"op"`
}

// websocket streams events scoped to the authenticated user. The token
// travels in the query string because browser WebSocket clients cannot
// set headers. Frames are the JSON event envelope; the connection is
// pinged every keepalive interval and closed once the token stops
// validating.
func (h *Handler) websocket(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return nil, trace.Wrap(auth.ErrTokenRevoked, "missing token")
	}
	user, err := h.cfg.Auth.ValidateToken(r.Context(), token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	match := events.Match{UserID: user.ID}
	if raw := r.URL.Query().Get("resources"); raw != "" {
		match.Resources = strings.Split(raw, ",")
	}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		match.Topics = strings.Split(raw, ",")
	}
	sub, err := h.cfg.Bus.Subscribe(match)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written its own error response
		sub.Close()
		h.cfg.Log.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return nil, nil
	}
	defer conn.Close()
	defer sub.Close()

	h.cfg.Log.InfoContext(r.Context(), "websocket connected", "user_id", user.ID)

	// reads run in their own goroutine so the write loop can select on
	// everything at once
	ops := make(chan clientOp)
	go func() {
		defer close(ops)
		for {
			var op clientOp
			if err := conn.ReadJSON(&op); err != nil {
				return
			}
			select {
			case ops <- op:
			case <-r.Context().Done():
				return
			}
		}
	}()

	ticker := h.cfg.Clock.NewTicker(h.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return nil, nil
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				return nil, nil
			}
		case op, ok := <-ops:
			if !ok {
				return nil, nil
			}
			if op.Op == "ping" {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(clientOp{Op: "pong"}); err != nil {
					return nil, nil
				}
			}
		case <-ticker.Chan():
			// the access token has a TTL; drop the stream once it stops
			// validating
			if _, err := h.cfg.Auth.ValidateToken(r.Context(), token); err != nil {
				deadline := time.Now().Add(wsWriteTimeout)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "token expired"), deadline)
				return nil, nil
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return nil, nil
			}
		case <-r.Context().Done():
			return nil, nil
		}
	}
}
