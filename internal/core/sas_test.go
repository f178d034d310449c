package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/storage"
)

func TestSASWriteListToken(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()
	mustCreateContainer(t, svc, "docs")

	token, err := svc.SignSAS(ctx, SignSASCommand{
		KeyName:     "primary",
		Scope:       ScopeContainer,
		Container:   "docs",
		Permissions: "wl",
		ExpiryUnix:  clk.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	decision, err := svc.ValidateSAS(ctx, ValidateSASCommand{
		Token: token, Scope: ScopeBlob, Container: "docs", Blob: "f", Permission: api.PermissionWrite,
	})
	if err != nil || decision != SASOk {
		t.Fatalf("write within the hour: %v %v", decision, err)
	}
	decision, err = svc.ValidateSAS(ctx, ValidateSASCommand{
		Token: token, Scope: ScopeBlob, Container: "docs", Blob: "f", Permission: api.PermissionDelete,
	})
	if err != nil || decision != SASPermissionDenied {
		t.Fatalf("delete must be denied: %v %v", decision, err)
	}

	clk.Advance(61 * time.Minute)
	decision, err = svc.ValidateSAS(ctx, ValidateSASCommand{
		Token: token, Scope: ScopeBlob, Container: "docs", Blob: "f", Permission: api.PermissionWrite,
	})
	if err != nil || decision != SASExpired {
		t.Fatalf("expired token must be rejected even for granted permissions: %v %v", decision, err)
	}
}

func TestSASTamperedTokenRejected(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()
	mustCreateContainer(t, svc, "docs")

	token, err := svc.SignSAS(ctx, SignSASCommand{
		KeyName: "primary", Scope: ScopeContainer, Container: "docs",
		Permissions: "r", ExpiryUnix: clk.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	payload, sig, _ := strings.Cut(token, ".")

	for _, bad := range []string{
		payload,              // missing signature
		payload + ".AAAA",    // wrong signature
		"garbage." + sig,     // mangled payload
		payload + "x." + sig, // payload edited after signing
	} {
		decision, err := svc.ValidateSAS(ctx, ValidateSASCommand{
			Token: bad, Scope: ScopeContainer, Container: "docs", Permission: api.PermissionRead,
		})
		if err != nil || decision != SASBadSignature {
			t.Fatalf("token %q: expected bad_signature, got %v %v", bad, decision, err)
		}
	}
}

func TestSASScopeContainment(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()
	mustCreateContainer(t, svc, "docs")
	mustCreateContainer(t, svc, "other")
	expiry := clk.Now().Add(time.Hour).Unix()

	blobToken, err := svc.SignSAS(ctx, SignSASCommand{
		KeyName: "primary", Scope: ScopeBlob, Container: "docs", Blob: "f",
		Permissions: "r", ExpiryUnix: expiry,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	decision, _ := svc.ValidateSAS(ctx, ValidateSASCommand{
		Token: blobToken, Scope: ScopeBlob, Container: "docs", Blob: "g", Permission: api.PermissionRead,
	})
	if decision != SASPermissionDenied {
		t.Fatalf("blob token must not cover a sibling blob: %v", decision)
	}

	containerToken, err := svc.SignSAS(ctx, SignSASCommand{
		KeyName: "primary", Scope: ScopeContainer, Container: "docs",
		Permissions: "r", ExpiryUnix: expiry,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	decision, _ = svc.ValidateSAS(ctx, ValidateSASCommand{
		Token: containerToken, Scope: ScopeBlob, Container: "other", Blob: "f", Permission: api.PermissionRead,
	})
	if decision != SASPermissionDenied {
		t.Fatalf("container token must not cover another container: %v", decision)
	}
}

func TestSASNotYetValid(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()
	mustCreateContainer(t, svc, "docs")

	token, err := svc.SignSAS(ctx, SignSASCommand{
		KeyName: "primary", Scope: ScopeContainer, Container: "docs",
		Permissions: "r",
		StartUnix:   clk.Now().Add(time.Hour).Unix(),
		ExpiryUnix:  clk.Now().Add(2 * time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	decision, _ := svc.ValidateSAS(ctx, ValidateSASCommand{
		Token: token, Scope: ScopeContainer, Container: "docs", Permission: api.PermissionRead,
	})
	if decision != SASExpired {
		t.Fatalf("token before its start must be rejected: %v", decision)
	}
	clk.Advance(90 * time.Minute)
	decision, _ = svc.ValidateSAS(ctx, ValidateSASCommand{
		Token: token, Scope: ScopeContainer, Container: "docs", Permission: api.PermissionRead,
	})
	if decision != SASOk {
		t.Fatalf("token inside its window must validate: %v", decision)
	}
}

func TestSASPolicyRevocation(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()
	mustCreateContainer(t, svc, "docs")

	if err := svc.SetAccessPolicies(ctx, SetAccessPoliciesCommand{
		Container: "docs",
		Policies: map[string]storage.AccessPolicyDoc{
			"uploader": {Permissions: "cw", ExpiryUnix: clk.Now().Add(24 * time.Hour).Unix()},
		},
	}); err != nil {
		t.Fatalf("set policies: %v", err)
	}

	token, err := svc.SignSAS(ctx, SignSASCommand{
		KeyName: "primary", Scope: ScopeContainer, Container: "docs", PolicyID: "uploader",
	})
	if err != nil {
		t.Fatalf("sign policy token: %v", err)
	}
	decision, err := svc.ValidateSAS(ctx, ValidateSASCommand{
		Token: token, Scope: ScopeBlob, Container: "docs", Blob: "f", Permission: api.PermissionWrite,
	})
	if err != nil || decision != SASOk {
		t.Fatalf("policy token should validate: %v %v", decision, err)
	}

	// Deleting the policy revokes every outstanding token bound to it.
	if err := svc.SetAccessPolicies(ctx, SetAccessPoliciesCommand{Container: "docs"}); err != nil {
		t.Fatalf("clear policies: %v", err)
	}
	decision, err = svc.ValidateSAS(ctx, ValidateSASCommand{
		Token: token, Scope: ScopeBlob, Container: "docs", Blob: "f", Permission: api.PermissionWrite,
	})
	if err != nil || decision != SASPolicyRevoked {
		t.Fatalf("expected policy_revoked, got %v %v", decision, err)
	}

	_, err = svc.SignSAS(ctx, SignSASCommand{
		KeyName: "primary", Scope: ScopeContainer, Container: "docs", PolicyID: "uploader",
	})
	if code := failureCode(t, err); code != CodePolicyNotFound {
		t.Fatalf("signing against a missing policy: expected policy_not_found, got %s", code)
	}
}

func TestSASUnknownKey(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()
	mustCreateContainer(t, svc, "docs")

	_, err := svc.SignSAS(ctx, SignSASCommand{
		KeyName: "rotated-away", Scope: ScopeContainer, Container: "docs",
		Permissions: "r", ExpiryUnix: clk.Now().Add(time.Hour).Unix(),
	})
	if code := failureCode(t, err); code != CodeInvalidArgument {
		t.Fatalf("expected invalid_argument for unknown key, got %s", code)
	}
}
