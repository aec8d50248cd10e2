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
	"github.com/gravitational/trace"

	"github.com/bookd/bookd"
	"github.com/bookd/bookd/lib/services"
)

// Resource kinds checked by the policy.
const (
	KindUser        = "user"
	KindResource    = "resource"
	KindReservation = "reservation"
	KindWaitlist    = "waitlist"
	KindWebhook     = "webhook"
	KindSystem      = "system"
)

// Actions checked by the policy.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionAdmin  = "admin"
)

type rule struct {
	kind   string
	action string
}

// rolePolicy is the static permission table. Permissions union across
// the user's roles; anything not listed is denied.
var rolePolicy = map[string]map[rule]bool{
	bookd.RoleAdmin: {
		{KindUser, ActionRead}:          true,
		{KindUser, ActionUpdate}:        true,
		{KindUser, ActionAdmin}:         true,
		{KindResource, ActionRead}:      true,
		{KindResource, ActionCreate}:    true,
		{KindResource, ActionUpdate}:    true,
		{KindResource, ActionDelete}:    true,
		{KindReservation, ActionRead}:   true,
		{KindReservation, ActionCreate}: true,
		{KindReservation, ActionUpdate}: true,
		{KindReservation, ActionDelete}: true,
		{KindReservation, ActionAdmin}:  true,
		{KindWaitlist, ActionRead}:      true,
		{KindWaitlist, ActionCreate}:    true,
		{KindWaitlist, ActionUpdate}:    true,
		{KindWaitlist, ActionDelete}:    true,
		{KindWebhook, ActionRead}:       true,
		{KindWebhook, ActionCreate}:     true,
		{KindWebhook, ActionUpdate}:     true,
		{KindWebhook, ActionDelete}:     true,
		{KindSystem, ActionAdmin}:       true,
	},
	bookd.RoleUser: {
		{KindResource, ActionRead}:      true,
		{KindReservation, ActionRead}:   true,
		{KindReservation, ActionCreate}: true,
		{KindReservation, ActionUpdate}: true,
		{KindReservation, ActionDelete}: true,
		{KindWaitlist, ActionRead}:      true,
		{KindWaitlist, ActionCreate}:    true,
		{KindWaitlist, ActionUpdate}:    true,
		{KindWaitlist, ActionDelete}:    true,
	},
	bookd.RoleGuest: {
		{KindResource, ActionRead}: true,
	},
}

// CheckAccess returns AccessDenied unless one of the user's roles
// allows the action on the kind. Unknown roles grant nothing.
func CheckAccess(user *services.User, kind, action string) error {
	for _, role := range user.Roles {
		if rolePolicy[role][rule{kind, action}] {
			return nil
		}
	}
	return trace.AccessDenied("user %q is not authorized to %v %v", user.Username, action, kind)
}
