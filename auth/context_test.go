package auth

import (
	"context"
	"testing"
)

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()

	if got := IdentityFromContext(ctx); got != nil {
		t.Errorf("IdentityFromContext() on empty context = %v, want nil", got)
	}
	if got := PrincipalFromContext(ctx); got != "" {
		t.Errorf("PrincipalFromContext() = %q, want empty", got)
	}
	if got := TenantIDFromContext(ctx); got != "" {
		t.Errorf("TenantIDFromContext() = %q, want empty", got)
	}

	ctx = WithIdentity(ctx, &Identity{Principal: "42", TenantID: "rendetalje", Roles: []string{"owner"}})

	got := IdentityFromContext(ctx)
	if got == nil {
		t.Fatal("IdentityFromContext() = nil, want identity")
	}
	if !got.HasRole("owner") {
		t.Errorf("Roles = %v, want [owner]", got.Roles)
	}
	if PrincipalFromContext(ctx) != "42" {
		t.Errorf("PrincipalFromContext() = %q, want 42", PrincipalFromContext(ctx))
	}
	if TenantIDFromContext(ctx) != "rendetalje" {
		t.Errorf("TenantIDFromContext() = %q", TenantIDFromContext(ctx))
	}
}
