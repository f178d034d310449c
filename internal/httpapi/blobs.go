package httpapi

import (
	"net/http"
	"strings"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/core"
)

func (h *Handler) handleBlobUpload(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.UploadBlobRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	perm := api.PermissionWrite
	if req.CreateOnly {
		perm = api.PermissionCreate
	}
	if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, perm); err != nil {
		return err
	}
	res, err := h.core.UploadBlob(r.Context(), core.UploadBlobCommand{
		Container:   req.Container,
		Blob:        req.Blob,
		Kind:        req.Kind,
		Content:     req.Content,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
		CreateOnly:  req.CreateOnly,
		Condition:   condition(r, req.LeaseID, req.IfMatch),
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusCreated, toBlobResponse(res), map[string]string{headerETag: res.ETag})
	return nil
}

func (h *Handler) handleBlobDownload(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.DownloadBlobRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, api.PermissionRead); err != nil {
		return err
	}
	res, err := h.core.DownloadBlob(r.Context(), core.DownloadBlobCommand{
		Container: req.Container,
		Blob:      req.Blob,
		Snapshot:  req.Snapshot,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.DownloadBlobResponse{
		BlobResponse: toBlobResponse(res.BlobResult),
		Content:      res.Content,
	}, map[string]string{headerETag: res.ETag})
	return nil
}

func (h *Handler) handleBlobExists(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET"}
	}
	container := strings.TrimSpace(r.URL.Query().Get("container"))
	blob := strings.TrimSpace(r.URL.Query().Get("blob"))
	if err := h.authorize(r, core.ScopeBlob, container, blob, api.PermissionRead); err != nil {
		return err
	}
	exists, err := h.core.BlobExists(r.Context(), container, blob)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.BlobExistsResponse{
		Container: container,
		Blob:      blob,
		Exists:    exists,
	}, nil)
	return nil
}

func (h *Handler) handleBlobDelete(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.DeleteBlobRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, api.PermissionDelete); err != nil {
		return err
	}
	if err := h.core.DeleteBlob(r.Context(), core.DeleteBlobCommand{
		Container: req.Container,
		Blob:      req.Blob,
		Cascade:   req.Cascade,
		Condition: condition(r, req.LeaseID, req.IfMatch),
	}); err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusNoContent, nil, nil)
	return nil
}

func (h *Handler) handleBlobProperties(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet:
		container := strings.TrimSpace(r.URL.Query().Get("container"))
		blob := strings.TrimSpace(r.URL.Query().Get("blob"))
		if err := h.authorize(r, core.ScopeBlob, container, blob, api.PermissionRead); err != nil {
			return err
		}
		res, err := h.core.GetBlobProperties(r.Context(), container, blob)
		if err != nil {
			return convertCoreError(err)
		}
		h.writeJSON(w, http.StatusOK, toBlobResponse(res), map[string]string{headerETag: res.ETag})
		return nil
	case http.MethodPost:
		var req api.SetBlobPropertiesRequest
		if err := decodeRequest(r, &req); err != nil {
			return err
		}
		if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, api.PermissionWrite); err != nil {
			return err
		}
		res, err := h.core.SetBlobProperties(r.Context(), core.SetBlobPropertiesCommand{
			Container:   req.Container,
			Blob:        req.Blob,
			ContentType: req.ContentType,
			Condition:   condition(r, req.LeaseID, req.IfMatch),
		})
		if err != nil {
			return convertCoreError(err)
		}
		h.writeJSON(w, http.StatusOK, toBlobResponse(res), map[string]string{headerETag: res.ETag})
		return nil
	default:
		w.Header().Set("Allow", "GET, POST")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET, POST"}
	}
}

func (h *Handler) handleBlobMetadata(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.SetBlobMetadataRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, api.PermissionWrite); err != nil {
		return err
	}
	res, err := h.core.SetBlobMetadata(r.Context(), core.SetBlobMetadataCommand{
		Container: req.Container,
		Blob:      req.Blob,
		Metadata:  req.Metadata,
		Condition: condition(r, req.LeaseID, req.IfMatch),
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, toBlobResponse(res), map[string]string{headerETag: res.ETag})
	return nil
}

func (h *Handler) handleBlobSnapshot(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.SnapshotRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, api.PermissionWrite); err != nil {
		return err
	}
	res, err := h.core.Snapshot(r.Context(), core.SnapshotCommand{
		Container: req.Container,
		Blob:      req.Blob,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusCreated, api.SnapshotResponse{
		Container: res.Container,
		Blob:      res.Blob,
		Snapshot:  res.Snapshot,
		ETag:      res.ETag,
	}, nil)
	return nil
}

func (h *Handler) handleBlobSnapshots(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET"}
	}
	container := strings.TrimSpace(r.URL.Query().Get("container"))
	blob := strings.TrimSpace(r.URL.Query().Get("blob"))
	if err := h.authorize(r, core.ScopeBlob, container, blob, api.PermissionRead); err != nil {
		return err
	}
	snapshots, err := h.core.ListSnapshots(r.Context(), container, blob)
	if err != nil {
		return convertCoreError(err)
	}
	resp := api.ListBlobsResponse{Container: container, Blobs: make([]api.BlobResponse, 0, len(snapshots))}
	for _, snap := range snapshots {
		resp.Blobs = append(resp.Blobs, toBlobResponse(snap))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleBlobPromote(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.PromoteSnapshotRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	targetContainer := req.TargetContainer
	if targetContainer == "" {
		targetContainer = req.Container
	}
	targetBlob := req.TargetBlob
	if targetBlob == "" {
		targetBlob = req.Blob
	}
	if err := h.authorize(r, core.ScopeBlob, targetContainer, targetBlob, api.PermissionWrite); err != nil {
		return err
	}
	res, err := h.core.PromoteSnapshot(r.Context(), core.PromoteSnapshotCommand{
		Container:       req.Container,
		Blob:            req.Blob,
		Snapshot:        req.Snapshot,
		TargetContainer: req.TargetContainer,
		TargetBlob:      req.TargetBlob,
		Condition:       condition(r, req.LeaseID, ""),
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, toBlobResponse(res), map[string]string{headerETag: res.ETag})
	return nil
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.AppendBlockRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, api.PermissionWrite); err != nil {
		return err
	}
	res, err := h.core.AppendBlock(r.Context(), core.AppendBlockCommand{
		Container: req.Container,
		Blob:      req.Blob,
		Content:   req.Content,
		Condition: condition(r, req.LeaseID, req.IfMatch),
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, toBlobResponse(res), map[string]string{headerETag: res.ETag})
	return nil
}
