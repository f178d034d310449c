package httpapi

import (
	"net/http"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/core"
)

func (h *Handler) handleListContainers(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.ListContainersRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeAccount, "", "", api.PermissionList); err != nil {
		return err
	}
	res, err := h.core.ListContainers(r.Context(), core.ListContainersCommand{
		Prefix:          req.Prefix,
		IncludeMetadata: req.IncludeMetadata,
		PageSize:        req.PageSize,
		Cursor:          req.Cursor,
	})
	if err != nil {
		return convertCoreError(err)
	}
	resp := api.ListContainersResponse{
		Containers: make([]api.ContainerResponse, 0, len(res.Containers)),
		Cursor:     res.Cursor,
	}
	for _, c := range res.Containers {
		resp.Containers = append(resp.Containers, toContainerResponse(c))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleListBlobs(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.ListBlobsRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeContainer, req.Container, "", api.PermissionList); err != nil {
		return err
	}

	var (
		res core.ListBlobsResult
		err error
	)
	if req.Delimiter != "" {
		// Hierarchical listings enumerate the base namespace only; a
		// snapshot has no standing of its own in the virtual directory tree.
		if req.IncludeSnapshots {
			return httpError{
				Status: http.StatusBadRequest,
				Code:   "invalid_argument",
				Detail: "include_snapshots cannot be combined with a delimiter",
			}
		}
		res, err = h.core.ListBlobsHierarchical(r.Context(), core.ListBlobsHierarchicalCommand{
			Container: req.Container,
			Prefix:    req.Prefix,
			Delimiter: req.Delimiter,
			PageSize:  req.PageSize,
			Cursor:    req.Cursor,
		})
	} else {
		res, err = h.core.ListBlobsFlat(r.Context(), core.ListBlobsFlatCommand{
			Container:        req.Container,
			Prefix:           req.Prefix,
			IncludeSnapshots: req.IncludeSnapshots,
			PageSize:         req.PageSize,
			Cursor:           req.Cursor,
		})
	}
	if err != nil {
		return convertCoreError(err)
	}
	resp := api.ListBlobsResponse{
		Container: res.Container,
		Blobs:     make([]api.BlobResponse, 0, len(res.Blobs)),
		Prefixes:  res.Prefixes,
		Cursor:    res.Cursor,
	}
	for _, b := range res.Blobs {
		resp.Blobs = append(resp.Blobs, toBlobResponse(b))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}
