package httpapi

import (
	"net/http"
	"strings"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/core"
)

func toBlockListResponse(res core.BlockListResult) api.BlockListResponse {
	resp := api.BlockListResponse{
		Container: res.Container,
		Blob:      res.Blob,
		Blocks:    make([]api.BlockDescriptor, 0, len(res.Blocks)),
		ETag:      res.ETag,
	}
	for _, b := range res.Blocks {
		resp.Blocks = append(resp.Blocks, api.BlockDescriptor{
			BlockID:   b.BlockID,
			Size:      b.Size,
			Committed: b.Committed,
		})
	}
	return resp
}

func (h *Handler) handleBlockStage(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.StageBlockRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, api.PermissionWrite); err != nil {
		return err
	}
	res, err := h.core.StageBlock(r.Context(), core.StageBlockCommand{
		Container: req.Container,
		Blob:      req.Blob,
		BlockID:   req.BlockID,
		Content:   req.Content,
		Condition: condition(r, req.LeaseID, ""),
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusCreated, toBlockListResponse(res), nil)
	return nil
}

func (h *Handler) handleBlockCommit(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.CommitBlockListRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, api.PermissionWrite); err != nil {
		return err
	}
	res, err := h.core.CommitBlockList(r.Context(), core.CommitBlockListCommand{
		Container:   req.Container,
		Blob:        req.Blob,
		BlockIDs:    req.BlockIDs,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
		Condition:   condition(r, req.LeaseID, req.IfMatch),
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, toBlobResponse(res), map[string]string{headerETag: res.ETag})
	return nil
}

func (h *Handler) handleBlockList(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET"}
	}
	container := strings.TrimSpace(r.URL.Query().Get("container"))
	blob := strings.TrimSpace(r.URL.Query().Get("blob"))
	if err := h.authorize(r, core.ScopeBlob, container, blob, api.PermissionRead); err != nil {
		return err
	}
	res, err := h.core.GetBlockList(r.Context(), container, blob)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, toBlockListResponse(res), map[string]string{headerETag: res.ETag})
	return nil
}
