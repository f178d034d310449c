package httpapi

import (
	"net/http"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/core"
)

// Sign and validate stay outside SAS gating: signing proves possession of a
// named account key through the signature itself, and validate is how
// gateways ask for a decision about a token they hold.

func (h *Handler) handleSASSign(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.SignSASRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	token, err := h.core.SignSAS(r.Context(), core.SignSASCommand{
		KeyName:     req.KeyName,
		Scope:       req.Scope,
		Container:   req.Container,
		Blob:        req.Blob,
		Permissions: req.Permissions,
		StartUnix:   req.StartUnix,
		ExpiryUnix:  req.ExpiryUnix,
		PolicyID:    req.PolicyID,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.SignSASResponse{Token: token}, nil)
	return nil
}

func (h *Handler) handleSASValidate(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.ValidateSASRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	perm, err := api.ParsePermissions(req.Permission)
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_argument", Detail: err.Error()}
	}
	decision, err := h.core.ValidateSAS(r.Context(), core.ValidateSASCommand{
		Token:      req.Token,
		Scope:      req.Scope,
		Container:  req.Container,
		Blob:       req.Blob,
		Permission: perm,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.ValidateSASResponse{Decision: string(decision)}, nil)
	return nil
}
