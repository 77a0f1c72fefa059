// ABOUTME: Authenticated identity and its propagation through request handlers
// ABOUTME: Provides WithAuth/FromContext for carrying the caller via context

package auth

import (
	"context"
	"strings"
)

// Role decides which lock operations an identity may force.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleStaff    Role = "staff"
	RoleObserver Role = "observer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleStaff, RoleObserver:
		return true
	}
	return false
}

// Kind separates staff sessions from anonymous widget visitors.
type Kind string

const (
	KindStaff  Kind = "staff"
	KindWidget Kind = "widget"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindStaff || k == KindWidget
}

// WidgetAccountPrefix prefixes the account id of widget visitors so their
// room never collides with a staff account.
const WidgetAccountPrefix = "widget:"

// Identity is the authenticated caller extracted from a token.
// For staff the AccountID doubles as the staff id used in conversation locks.
type Identity struct {
	AccountID      string `json:"account_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	Name           string `json:"name,omitempty"`
	Role           Role   `json:"role"`
	Kind           Kind   `json:"kind"`
}

// TenantScope returns the organization id, or the account id for tenants
// without an organization.
func (i *Identity) TenantScope() string {
	if i.OrganizationID != "" {
		return i.OrganizationID
	}
	return i.AccountID
}

// IsAdmin returns true for the admin role.
func (i *Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// CanForce reports whether the identity may release a lock it does not hold.
func (i *Identity) CanForce() bool {
	return i.Role == RoleAdmin || i.Role == RoleObserver
}

// IsWidget reports whether the identity is a widget visitor.
func (i *Identity) IsWidget() bool {
	return i.Kind == KindWidget
}

// VisitorID returns the widget visitor id without the account prefix.
func (i *Identity) VisitorID() string {
	return strings.TrimPrefix(i.AccountID, WidgetAccountPrefix)
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithAuth returns a new context with the Identity attached.
func WithAuth(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}
