package api

import "testing"

func TestParsePermissionsRoundTrip(t *testing.T) {
	t.Parallel()

	perms, err := ParsePermissions("lwr")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !perms.Has(PermissionRead) || !perms.Has(PermissionWrite) || !perms.Has(PermissionList) {
		t.Fatalf("missing expected bits in %s", perms)
	}
	if perms.Has(PermissionDelete) {
		t.Fatalf("unexpected delete bit in %s", perms)
	}
	if got := perms.String(); got != "rwl" {
		t.Fatalf("expected canonical order rwl, got %q", got)
	}
}

func TestParsePermissionsRejectsBadInput(t *testing.T) {
	t.Parallel()

	if _, err := ParsePermissions("rx"); err == nil {
		t.Fatal("expected unknown letter error")
	}
	if _, err := ParsePermissions("rr"); err == nil {
		t.Fatal("expected duplicate letter error")
	}
}
