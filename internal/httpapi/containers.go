package httpapi

import (
	"net/http"
	"sort"
	"strings"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/core"
	"pkt.systems/blobd/internal/storage"
)

func (h *Handler) handleContainerCreate(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.CreateContainerRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeContainer, req.Container, "", api.PermissionCreate); err != nil {
		return err
	}
	res, err := h.core.CreateContainer(r.Context(), core.CreateContainerCommand{
		Container:    req.Container,
		Metadata:     req.Metadata,
		PublicAccess: req.PublicAccess,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusCreated, toContainerResponse(res), map[string]string{headerETag: res.ETag})
	return nil
}

func (h *Handler) handleContainerDelete(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.DeleteContainerRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeContainer, req.Container, "", api.PermissionDelete); err != nil {
		return err
	}
	if err := h.core.DeleteContainer(r.Context(), core.DeleteContainerCommand{
		Container: req.Container,
		Condition: condition(r, req.LeaseID, ""),
	}); err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusNoContent, nil, nil)
	return nil
}

func (h *Handler) handleContainerGet(w http.ResponseWriter, r *http.Request) error {
	container := ""
	switch r.Method {
	case http.MethodGet:
		container = strings.TrimSpace(r.URL.Query().Get("container"))
	case http.MethodPost:
		var req struct {
			Container string `json:"container"`
		}
		if err := decodeRequest(r, &req); err != nil {
			return err
		}
		container = req.Container
	default:
		w.Header().Set("Allow", "GET, POST")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET, POST"}
	}
	if err := h.authorize(r, core.ScopeContainer, container, "", api.PermissionRead); err != nil {
		return err
	}
	res, err := h.core.GetContainer(r.Context(), container)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, toContainerResponse(res), map[string]string{headerETag: res.ETag})
	return nil
}

func (h *Handler) handleContainerMetadata(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.SetContainerMetadataRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeContainer, req.Container, "", api.PermissionWrite); err != nil {
		return err
	}
	res, err := h.core.SetContainerMetadata(r.Context(), core.SetContainerMetadataCommand{
		Container: req.Container,
		Metadata:  req.Metadata,
		Condition: condition(r, req.LeaseID, ""),
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, toContainerResponse(res), map[string]string{headerETag: res.ETag})
	return nil
}

func (h *Handler) handleContainerAccess(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(w, r); err != nil {
		return err
	}
	var req api.SetContainerAccessRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeContainer, req.Container, "", api.PermissionWrite); err != nil {
		return err
	}
	res, err := h.core.SetContainerAccess(r.Context(), core.SetContainerAccessCommand{
		Container:    req.Container,
		PublicAccess: req.PublicAccess,
		Condition:    condition(r, req.LeaseID, ""),
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, toContainerResponse(res), map[string]string{headerETag: res.ETag})
	return nil
}

func (h *Handler) handleContainerPolicy(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet:
		return h.handleContainerPolicyGet(w, r)
	case http.MethodPost:
		return h.handleContainerPolicySet(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET, POST"}
	}
}

func (h *Handler) handleContainerPolicyGet(w http.ResponseWriter, r *http.Request) error {
	container := strings.TrimSpace(r.URL.Query().Get("container"))
	if err := h.authorize(r, core.ScopeContainer, container, "", api.PermissionRead); err != nil {
		return err
	}
	policies, err := h.core.GetAccessPolicies(r.Context(), container)
	if err != nil {
		return convertCoreError(err)
	}
	resp := api.AccessPolicyListResponse{Container: container, Policies: []api.AccessPolicy{}}
	for id, doc := range policies {
		resp.Policies = append(resp.Policies, api.AccessPolicy{
			ID:          id,
			Permissions: doc.Permissions,
			StartUnix:   doc.StartUnix,
			ExpiryUnix:  doc.ExpiryUnix,
		})
	}
	sort.Slice(resp.Policies, func(i, j int) bool { return resp.Policies[i].ID < resp.Policies[j].ID })
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleContainerPolicySet(w http.ResponseWriter, r *http.Request) error {
	var req api.SetAccessPolicyRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r, core.ScopeContainer, req.Container, "", api.PermissionWrite); err != nil {
		return err
	}
	policies := make(map[string]storage.AccessPolicyDoc, len(req.Policies))
	for _, p := range req.Policies {
		policies[p.ID] = storage.AccessPolicyDoc{
			Permissions: p.Permissions,
			StartUnix:   p.StartUnix,
			ExpiryUnix:  p.ExpiryUnix,
		}
	}
	if err := h.core.SetAccessPolicies(r.Context(), core.SetAccessPoliciesCommand{
		Container: req.Container,
		Policies:  policies,
		Condition: condition(r, req.LeaseID, ""),
	}); err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusNoContent, nil, nil)
	return nil
}
