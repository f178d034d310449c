package httpapi

import (
	"net/http"
	"strings"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/core"
)

func (h *Handler) handleCopyStart(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.StartCopyRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	// The token must authorize the write on the destination; the source is
	// read server-side.
	if err := h.authorize(r, core.ScopeBlob, req.TargetContainer, req.TargetBlob, api.PermissionWrite); err != nil {
		return err
	}
	res, err := h.core.StartCopy(r.Context(), core.StartCopyCommand{
		SourceContainer: req.SourceContainer,
		SourceBlob:      req.SourceBlob,
		SourceSnapshot:  req.SourceSnapshot,
		TargetContainer: req.TargetContainer,
		TargetBlob:      req.TargetBlob,
		Condition:       condition(r, req.LeaseID, ""),
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusAccepted, toCopyStatusResponse(res), nil)
	return nil
}

func (h *Handler) handleCopyStatus(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET"}
	}
	container := strings.TrimSpace(r.URL.Query().Get("container"))
	blob := strings.TrimSpace(r.URL.Query().Get("blob"))
	if err := h.authorize(r, core.ScopeBlob, container, blob, api.PermissionRead); err != nil {
		return err
	}
	res, err := h.core.GetCopyStatus(r.Context(), container, blob)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, toCopyStatusResponse(res), nil)
	return nil
}

func (h *Handler) handleCopyAbort(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.AbortCopyRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, api.PermissionWrite); err != nil {
		return err
	}
	res, err := h.core.AbortCopy(r.Context(), core.AbortCopyCommand{
		Container: req.Container,
		Blob:      req.Blob,
		CopyID:    req.CopyID,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, toCopyStatusResponse(res), nil)
	return nil
}
