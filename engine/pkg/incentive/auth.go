package incentive

import (
	"context"
	"fmt"
	"sync"
)

// Role is a named capability checked at the start of each mutating call.
type Role string

const (
	RoleRewardCalculator Role = "reward-calculator"
	RoleDistributor      Role = "distributor"
	RoleAdmin            Role = "admin"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleRewardCalculator, RoleDistributor, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type callerContextKey struct{}

// WithCaller returns a context carrying the id of the account making the call.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext returns the caller id, or "" if none is set.
func CallerFromContext(ctx context.Context) string {
	if caller, ok := ctx.Value(callerContextKey{}).(string); ok {
		return caller
	}
	return ""
}

// Authorizer decides whether a caller holds a role.
type Authorizer interface {
	Authorize(ctx context.Context, caller string, role Role) error
}

// Require checks that the caller in ctx holds role.
func Require(ctx context.Context, auth Authorizer, role Role) error {
	return auth.Authorize(ctx, CallerFromContext(ctx), role)
}

// RoleAuthorizer is an in-process RBAC table. Admins hold every role.
type RoleAuthorizer struct {
	mu    sync.RWMutex
	roles map[string]map[Role]struct{}
}

func NewRoleAuthorizer(grants map[string][]Role) *RoleAuthorizer {
	a := &RoleAuthorizer{roles: make(map[string]map[Role]struct{})}
	for caller, roles := range grants {
		for _, r := range roles {
			a.Grant(caller, r)
		}
	}
	return a
}

func (a *RoleAuthorizer) Grant(caller string, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.roles[caller] == nil {
		a.roles[caller] = make(map[Role]struct{})
	}
	a.roles[caller][role] = struct{}{}
}

func (a *RoleAuthorizer) Revoke(caller string, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.roles[caller], role)
}

func (a *RoleAuthorizer) HasRole(caller string, role Role) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	held := a.roles[caller]
	if _, ok := held[RoleAdmin]; ok {
		return true
	}
	_, ok := held[role]
	return ok
}

func (a *RoleAuthorizer) Authorize(_ context.Context, caller string, role Role) error {
	if caller == "" {
		return fmt.Errorf("%w: no caller identity", ErrNotAuthorized)
	}
	if !a.HasRole(caller, role) {
		return fmt.Errorf("%w: %s lacks role %s", ErrNotAuthorized, caller, role)
	}
	return nil
}
