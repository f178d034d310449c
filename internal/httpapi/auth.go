package httpapi

import (
	"net/http"
	"strings"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/core"
)

func tokenFromRequest(r *http.Request) string {
	if tok := strings.TrimSpace(r.URL.Query().Get("sas")); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.Header.Get(headerSASToken))
}

// authorize gates a request on SAS validation when auth is required.
// Anonymous requests may still pass for reads and lists covered by the
// container's public-access level.
func (h *Handler) authorize(r *http.Request, scope, container, blob string, perm api.Permission) error {
	if !h.requireAuth {
		return nil
	}
	token := tokenFromRequest(r)
	if token == "" {
		return h.authorizeAnonymous(r, container, blob, perm)
	}
	decision, err := h.core.ValidateSAS(r.Context(), core.ValidateSASCommand{
		Token:      token,
		Scope:      scope,
		Container:  container,
		Blob:       blob,
		Permission: perm,
	})
	if err != nil {
		return convertCoreError(err)
	}
	return convertCoreError(core.DecisionFailure(decision))
}

func (h *Handler) authorizeAnonymous(r *http.Request, container, blob string, perm api.Permission) error {
	denied := httpError{
		Status: http.StatusForbidden,
		Code:   core.CodeAuthPermissionDenied,
		Detail: "request carries no access signature",
	}
	if perm != api.PermissionRead && perm != api.PermissionList {
		return denied
	}
	if container == "" {
		return denied
	}
	res, err := h.core.GetContainer(r.Context(), container)
	if err != nil {
		return convertCoreError(err)
	}
	switch res.PublicAccess {
	case api.PublicAccessContainer:
		return nil
	case api.PublicAccessBlob:
		// Blob-level access covers blob reads only, not container lists.
		if perm == api.PermissionRead && blob != "" {
			return nil
		}
	}
	return denied
}
