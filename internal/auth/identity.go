// Package auth resolves the caller identity forwarded by the platform
// gateway.
//
// The billing engine never authenticates end users itself: the gateway in
// front of it has already done that and forwards the result as trusted
// headers. Deployments that expose the engine beyond the gateway set a
// shared secret so stray direct calls are rejected.
package auth

import (
	"crypto/subtle"
	"errors"
)

// Errors
var (
	ErrMissingIdentity = errors.New("identity headers missing")
	ErrUnknownRole     = errors.New("unknown role")
	ErrTenantRequired  = errors.New("administrator identity requires a tenant scope")
	ErrBadSecret       = errors.New("internal secret mismatch")
)

// Identity headers set by the gateway.
const (
	HeaderUserID         = "X-User-ID"
	HeaderUserRole       = "X-User-Role"
	HeaderTenantID       = "X-Tenant-ID"
	HeaderInternalSecret = "X-Internal-Secret"
)

// Role is the caller's platform role.
type Role string

const (
	// RoleAdministrator manages one condominium and is always scoped to it.
	RoleAdministrator Role = "administrator"
	// RoleSuperAdmin is platform staff with cross-tenant access.
	RoleSuperAdmin Role = "super_admin"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleAdministrator, RoleSuperAdmin:
		return Role(s), true
	}
	return "", false
}

// Identity is the authenticated caller as asserted by the gateway.
type Identity struct {
	UserID   string `json:"userId"`
	Role     Role   `json:"role"`
	TenantID string `json:"tenantId,omitempty"`
}

// SuperAdmin reports whether the caller has platform-wide access.
func (id Identity) SuperAdmin() bool { return id.Role == RoleSuperAdmin }

// secretsEqual compares the forwarded secret in constant time.
func secretsEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
