package auth

import (
	"context"
	"fmt"
	"strings"
)

// Role is a closed enumeration. Operations declare the set of roles allowed
// to call them; there is no role hierarchy.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
	RoleUploader Role = "uploader"
	RoleViewer   Role = "viewer"
)

// AllRoles lists every valid role.
var AllRoles = []Role{RoleAdmin, RoleReviewer, RoleUploader, RoleViewer}

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	for _, known := range AllRoles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// Principal is the resolved identity of a request.
type Principal struct {
	UserID string
	Role   Role
}

// RequireRole resolves the principal from ctx and checks it against the
// allowed set. It fails with ErrUnauthenticated when no principal is present
// and ErrForbidden when the role is not allowed. Callers are responsible for
// auditing the denial.
func RequireRole(ctx context.Context, allowed ...Role) (Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return Principal{}, ErrUnauthenticated
	}
	for _, r := range allowed {
		if p.Role == r {
			return p, nil
		}
	}
	return Principal{}, ErrForbidden
}

// RequireAuthenticated resolves the principal without a role restriction.
func RequireAuthenticated(ctx context.Context) (Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return Principal{}, ErrUnauthenticated
	}
	return p, nil
}
