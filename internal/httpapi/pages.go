package httpapi

import (
	"net/http"
	"strings"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/core"
)

func (h *Handler) handlePageCreate(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.CreatePageBlobRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, api.PermissionCreate); err != nil {
		return err
	}
	res, err := h.core.CreatePageBlob(r.Context(), core.CreatePageBlobCommand{
		Container:   req.Container,
		Blob:        req.Blob,
		Capacity:    req.Capacity,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
		Condition:   condition(r, req.LeaseID, ""),
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusCreated, toBlobResponse(res), map[string]string{headerETag: res.ETag})
	return nil
}

func (h *Handler) handlePageWrite(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.WritePagesRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, api.PermissionWrite); err != nil {
		return err
	}
	res, err := h.core.WritePages(r.Context(), core.WritePagesCommand{
		Container: req.Container,
		Blob:      req.Blob,
		Offset:    req.Offset,
		Content:   req.Content,
		Condition: condition(r, req.LeaseID, req.IfMatch),
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, toBlobResponse(res), map[string]string{headerETag: res.ETag})
	return nil
}

func (h *Handler) handlePageClear(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.WritePagesRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, api.PermissionWrite); err != nil {
		return err
	}
	res, err := h.core.ClearPages(r.Context(), core.ClearPagesCommand{
		Container: req.Container,
		Blob:      req.Blob,
		Offset:    req.Offset,
		Length:    req.Length,
		Condition: condition(r, req.LeaseID, req.IfMatch),
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, toBlobResponse(res), map[string]string{headerETag: res.ETag})
	return nil
}

func (h *Handler) handlePageRead(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.ReadPagesRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeBlob, req.Container, req.Blob, api.PermissionRead); err != nil {
		return err
	}
	content, err := h.core.ReadPages(r.Context(), core.ReadPagesCommand{
		Container: req.Container,
		Blob:      req.Blob,
		Offset:    req.Offset,
		Length:    req.Length,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.ReadPagesResponse{
		Container: req.Container,
		Blob:      req.Blob,
		Offset:    req.Offset,
		Content:   content,
	}, nil)
	return nil
}

func (h *Handler) handlePageRanges(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET"}
	}
	container := strings.TrimSpace(r.URL.Query().Get("container"))
	blob := strings.TrimSpace(r.URL.Query().Get("blob"))
	if err := h.authorize(r, core.ScopeBlob, container, blob, api.PermissionRead); err != nil {
		return err
	}
	res, err := h.core.GetPageRanges(r.Context(), container, blob)
	if err != nil {
		return convertCoreError(err)
	}
	resp := api.PageRangesResponse{
		Container: res.Container,
		Blob:      res.Blob,
		Capacity:  res.Capacity,
		Ranges:    make([]api.PageRange, 0, len(res.Ranges)),
		ETag:      res.ETag,
	}
	for _, rg := range res.Ranges {
		resp.Ranges = append(resp.Ranges, api.PageRange{Start: rg.Start, End: rg.End})
	}
	h.writeJSON(w, http.StatusOK, resp, map[string]string{headerETag: res.ETag})
	return nil
}
