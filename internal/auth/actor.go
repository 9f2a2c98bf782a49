// Package auth identifies the caller and decides whether it is privileged.
package auth

import (
	"context"
	"slices"
)

// DefaultPrivilegedRoles may approve, reject, stop and start without approval.
var DefaultPrivilegedRoles = []string{"admin", "superadmin"}

// Actor is an authenticated caller.
type Actor struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

type actorKey struct{}

// WithActor returns a context carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored by WithActor.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok && a.Name != ""
}

// Checker is the permission collaborator of the workflow.
type Checker interface {
	IsPrivileged(ctx context.Context, actor string) (bool, error)
}

// RoleChecker grants privilege when the actor holds one of the privileged
// roles, either from configuration or from the verified token in ctx.
type RoleChecker struct {
	Privileged []string
	Actors     map[string][]string
}

func NewRoleChecker(privileged []string, actors map[string][]string) *RoleChecker {
	if len(privileged) == 0 {
		privileged = DefaultPrivilegedRoles
	}
	return &RoleChecker{Privileged: privileged, Actors: actors}
}

func (c *RoleChecker) IsPrivileged(ctx context.Context, actor string) (bool, error) {
	if actor == "" {
		return false, nil
	}
	roles := c.Actors[actor]
	if a, ok := ActorFrom(ctx); ok && a.Name == actor {
		roles = append(slices.Clip(roles), a.Roles...)
	}
	for _, r := range roles {
		if slices.Contains(c.Privileged, r) {
			return true, nil
		}
	}
	return false, nil
}
