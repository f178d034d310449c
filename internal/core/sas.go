package core

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/storage"
)

// Access-signature scopes.
const (
	ScopeAccount   = "account"
	ScopeContainer = "container"
	ScopeBlob      = "blob"
)

// SASDecision is the outcome of validating an access signature.
type SASDecision string

// Validation outcomes. Authorization failures never leak whether the
// underlying resource exists.
const (
	SASOk               SASDecision = "ok"
	SASExpired          SASDecision = "expired"
	SASPermissionDenied SASDecision = "permission_denied"
	SASBadSignature     SASDecision = "bad_signature"
	SASPolicyRevoked    SASDecision = "policy_revoked"
)

const sasVersion = "1"

// sasClaims is the signed token payload. Ad-hoc tokens embed permissions
// and the validity window; policy-bound tokens carry only the policy ID and
// resolve the rest from the container's stored policy at validation time.
type sasClaims struct {
	Version     string `json:"v"`
	KeyName     string `json:"k"`
	Scope       string `json:"sc"`
	Resource    string `json:"r"`
	Permissions string `json:"sp,omitempty"`
	StartUnix   int64  `json:"st,omitempty"`
	ExpiryUnix  int64  `json:"se,omitempty"`
	PolicyID    string `json:"si,omitempty"`
}

func sasResource(scope, container, blob string) string {
	switch scope {
	case ScopeContainer:
		return "c:" + container
	case ScopeBlob:
		return "b:" + container + "/" + blob
	}
	return ScopeAccount
}

// canonicalString is the newline-joined payload the HMAC covers. Changing
// any claim invalidates the signature.
func canonicalString(c sasClaims) string {
	return strings.Join([]string{
		c.Version,
		c.KeyName,
		c.Scope,
		c.Resource,
		c.Permissions,
		strconv.FormatInt(c.StartUnix, 10),
		strconv.FormatInt(c.ExpiryUnix, 10),
		c.PolicyID,
	}, "\n")
}

func signClaims(c sasClaims, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonicalString(c)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// SignSASCommand requests a signed access token.
type SignSASCommand struct {
	KeyName     string
	Scope       string
	Container   string
	Blob        string
	Permissions string
	StartUnix   int64
	ExpiryUnix  int64
	// PolicyID binds the token to a container stored access policy instead
	// of embedding permissions and expiry.
	PolicyID string
}

// SignSAS produces a capability token: HMAC-SHA256 over the canonical claim
// string with the named account key.
func (s *Service) SignSAS(ctx context.Context, cmd SignSASCommand) (string, error) {
	if s.keychain == nil {
		return "", invalidArgument("no signing keys are configured")
	}
	key, ok := s.keychain.Key(cmd.KeyName)
	if !ok {
		return "", invalidArgument("unknown signing key " + strconv.Quote(cmd.KeyName))
	}
	switch cmd.Scope {
	case ScopeAccount:
		if cmd.PolicyID != "" {
			return "", invalidArgument("stored access policies are container-scoped; account tokens cannot bind one")
		}
	case ScopeContainer:
		if cmd.Container == "" {
			return "", invalidArgument("container-scoped tokens require a container")
		}
	case ScopeBlob:
		if cmd.Container == "" || cmd.Blob == "" {
			return "", invalidArgument("blob-scoped tokens require a container and blob")
		}
	default:
		return "", invalidArgument("unknown token scope " + strconv.Quote(cmd.Scope))
	}

	claims := sasClaims{
		Version:  sasVersion,
		KeyName:  cmd.KeyName,
		Scope:    cmd.Scope,
		Resource: sasResource(cmd.Scope, cmd.Container, cmd.Blob),
	}
	if cmd.PolicyID != "" {
		doc, _, err := s.loadContainer(ctx, cmd.Container)
		if err != nil {
			return "", err
		}
		if _, ok := doc.Policies[cmd.PolicyID]; !ok {
			return "", policyNotFound(cmd.Container, cmd.PolicyID)
		}
		claims.PolicyID = cmd.PolicyID
	} else {
		if _, err := api.ParsePermissions(cmd.Permissions); err != nil {
			return "", invalidArgument(err.Error())
		}
		if cmd.Permissions == "" {
			return "", invalidArgument("ad-hoc tokens require permissions")
		}
		if cmd.ExpiryUnix <= 0 {
			return "", invalidArgument("ad-hoc tokens require an expiry")
		}
		claims.Permissions = cmd.Permissions
		claims.StartUnix = cmd.StartUnix
		claims.ExpiryUnix = cmd.ExpiryUnix
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", internalError(err)
	}
	return base64.RawURLEncoding.EncodeToString(payload) + "." + signClaims(claims, key), nil
}

// ValidateSASCommand asks whether a token authorizes one permission against
// one resource.
type ValidateSASCommand struct {
	Token     string
	Scope     string
	Container string
	Blob      string
	// Permission is the single required capability, e.g. api.PermissionWrite.
	Permission api.Permission
}

// ValidateSAS checks signature, validity window, scope coverage, and the
// required permission bit. Policy-bound tokens resolve permissions and
// window from the container's stored policy now, so deleting the policy
// revokes every outstanding token bound to it.
func (s *Service) ValidateSAS(ctx context.Context, cmd ValidateSASCommand) (SASDecision, error) {
	claims, ok := s.verifyToken(cmd.Token)
	if !ok {
		return SASBadSignature, nil
	}

	permissions := claims.Permissions
	startUnix := claims.StartUnix
	expiryUnix := claims.ExpiryUnix
	if claims.PolicyID != "" {
		container, ok := resourceContainer(claims)
		if !ok {
			return SASBadSignature, nil
		}
		doc, _, err := s.store.LoadContainer(ctx, container)
		if err == storage.ErrNotFound {
			return SASPolicyRevoked, nil
		}
		if err != nil {
			return "", internalError(err)
		}
		policy, ok := doc.Policies[claims.PolicyID]
		if !ok {
			return SASPolicyRevoked, nil
		}
		permissions = policy.Permissions
		startUnix = policy.StartUnix
		expiryUnix = policy.ExpiryUnix
	}

	now := s.nowUnix()
	if startUnix > 0 && now < startUnix {
		return SASExpired, nil
	}
	if expiryUnix > 0 && now >= expiryUnix {
		return SASExpired, nil
	}

	if !claimsCover(claims, cmd.Scope, cmd.Container, cmd.Blob) {
		return SASPermissionDenied, nil
	}
	granted, err := api.ParsePermissions(permissions)
	if err != nil || !granted.Has(cmd.Permission) {
		return SASPermissionDenied, nil
	}
	return SASOk, nil
}

// verifyToken decodes the token and checks its HMAC in constant time.
func (s *Service) verifyToken(token string) (sasClaims, bool) {
	if s.keychain == nil {
		return sasClaims{}, false
	}
	payloadPart, sigPart, found := strings.Cut(token, ".")
	if !found {
		return sasClaims{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return sasClaims{}, false
	}
	var claims sasClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return sasClaims{}, false
	}
	if claims.Version != sasVersion {
		return sasClaims{}, false
	}
	key, ok := s.keychain.Key(claims.KeyName)
	if !ok {
		return sasClaims{}, false
	}
	expected := signClaims(claims, key)
	if !hmac.Equal([]byte(expected), []byte(sigPart)) {
		return sasClaims{}, false
	}
	return claims, true
}

func resourceContainer(claims sasClaims) (string, bool) {
	switch {
	case strings.HasPrefix(claims.Resource, "c:"):
		return claims.Resource[2:], true
	case strings.HasPrefix(claims.Resource, "b:"):
		rest := claims.Resource[2:]
		if idx := strings.Index(rest, "/"); idx > 0 {
			return rest[:idx], true
		}
	}
	return "", false
}

// claimsCover reports whether the token's scope contains the requested
// resource: account tokens cover everything, container tokens cover the
// container and every blob in it, blob tokens cover exactly one blob.
func claimsCover(claims sasClaims, scope, container, blob string) bool {
	switch claims.Scope {
	case ScopeAccount:
		return true
	case ScopeContainer:
		return container != "" && claims.Resource == "c:"+container
	case ScopeBlob:
		return scope == ScopeBlob && claims.Resource == "b:"+container+"/"+blob
	}
	return false
}

// DecisionFailure maps a rejection decision onto the error taxonomy. SASOk
// maps to nil.
func DecisionFailure(decision SASDecision) error {
	switch decision {
	case SASOk:
		return nil
	case SASExpired:
		return Failure{Code: CodeAuthExpired, Detail: "token is outside its validity window", HTTPStatus: 403}
	case SASPermissionDenied:
		return Failure{Code: CodeAuthPermissionDenied, Detail: "token does not grant the required permission", HTTPStatus: 403}
	case SASPolicyRevoked:
		return Failure{Code: CodeAuthPolicyRevoked, Detail: "the stored access policy behind this token is gone", HTTPStatus: 403}
	}
	return Failure{Code: CodeAuthBadSignature, Detail: "token signature is invalid", HTTPStatus: 403}
}
