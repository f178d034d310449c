package httpapi

import (
	"fmt"
	"net/http"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/core"
)

func toLeaseResponse(res core.LeaseResult) api.LeaseResponse {
	return api.LeaseResponse{
		Container:        res.Resource.Container,
		Blob:             res.Resource.Blob,
		LeaseID:          res.LeaseID,
		State:            res.State,
		ExpiresAtUnix:    res.ExpiresAtUnix,
		RemainingSeconds: res.RemainingSeconds,
	}
}

func (h *Handler) handleContainerLease(w http.ResponseWriter, r *http.Request) error {
	return h.handleLease(w, r, false)
}

func (h *Handler) handleBlobLease(w http.ResponseWriter, r *http.Request) error {
	return h.handleLease(w, r, true)
}

func (h *Handler) handleLease(w http.ResponseWriter, r *http.Request, blobLease bool) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.LeaseRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if blobLease && req.Blob == "" {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_argument", Detail: "blob lease requires a blob name"}
	}
	if !blobLease {
		req.Blob = ""
	}
	scope := core.ScopeContainer
	if blobLease {
		scope = core.ScopeBlob
	}
	if err := h.authorize(r, scope, req.Container, req.Blob, api.PermissionWrite); err != nil {
		return err
	}

	resource := core.LeaseResource{Container: req.Container, Blob: req.Blob}
	var (
		res core.LeaseResult
		err error
	)
	switch req.Action {
	case api.LeaseActionAcquire:
		res, err = h.core.AcquireLease(r.Context(), core.AcquireLeaseCommand{
			Resource:        resource,
			DurationSeconds: req.DurationSeconds,
			ProposedLeaseID: req.ProposedLeaseID,
		})
	case api.LeaseActionRenew:
		res, err = h.core.RenewLease(r.Context(), core.RenewLeaseCommand{
			Resource: resource,
			LeaseID:  req.LeaseID,
		})
	case api.LeaseActionChange:
		res, err = h.core.ChangeLease(r.Context(), core.ChangeLeaseCommand{
			Resource:        resource,
			LeaseID:         req.LeaseID,
			ProposedLeaseID: req.ProposedLeaseID,
		})
	case api.LeaseActionRelease:
		res, err = h.core.ReleaseLease(r.Context(), core.ReleaseLeaseCommand{
			Resource: resource,
			LeaseID:  req.LeaseID,
		})
	case api.LeaseActionBreak:
		cmd := core.BreakLeaseCommand{Resource: resource}
		if req.BreakPeriodSeconds != nil {
			cmd.BreakPeriodSeconds = *req.BreakPeriodSeconds
			cmd.PeriodSet = true
		}
		res, err = h.core.BreakLease(r.Context(), cmd)
	default:
		return httpError{
			Status: http.StatusBadRequest,
			Code:   "invalid_argument",
			Detail: fmt.Sprintf("unknown lease action %q", req.Action),
		}
	}
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, toLeaseResponse(res), nil)
	return nil
}
