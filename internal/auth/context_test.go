// ABOUTME: Unit tests for identity helpers and context propagation
// ABOUTME: Tests role checks, tenant scope, and WithAuth/FromContext

package auth

import (
	"context"
	"testing"
)

func TestIdentity_CanForce(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RoleAdmin, true},
		{RoleObserver, true},
		{RoleStaff, false},
		{Role(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			id := &Identity{AccountID: "a", Role: tt.role}
			if got := id.CanForce(); got != tt.want {
				t.Errorf("CanForce() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIdentity_TenantScope(t *testing.T) {
	withOrg := &Identity{AccountID: "acct", OrganizationID: "org"}
	if got := withOrg.TenantScope(); got != "org" {
		t.Errorf("TenantScope() = %q, want org", got)
	}

	accountOnly := &Identity{AccountID: "acct"}
	if got := accountOnly.TenantScope(); got != "acct" {
		t.Errorf("TenantScope() = %q, want acct", got)
	}
}

func TestRoleAndKindValid(t *testing.T) {
	if !RoleObserver.Valid() || Role("owner").Valid() {
		t.Error("Role.Valid() misclassified")
	}
	if !KindWidget.Valid() || Kind("bot").Valid() {
		t.Error("Kind.Valid() misclassified")
	}
}

func TestWithAuth_FromContext(t *testing.T) {
	id := &Identity{AccountID: "staff-1", Role: RoleStaff, Kind: KindStaff}

	ctx := WithAuth(context.Background(), id)
	if got := FromContext(ctx); got != id {
		t.Errorf("FromContext() = %v, want %v", got, id)
	}

	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() on empty context = %v, want nil", got)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustFromContext() did not panic on empty context")
		}
	}()
	MustFromContext(context.Background())
}
