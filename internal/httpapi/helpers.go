package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/core"
)

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

// decodeRequest parses a strict JSON body and maps malformed payloads onto
// the invalid_argument taxonomy.
func decodeRequest(r *http.Request, dst any) error {
	if err := decodeJSONBody(r.Body, dst, jsonDecodeOptions{disallowUnknowns: true}); err != nil {
		return httpError{
			Status: http.StatusBadRequest,
			Code:   "invalid_argument",
			Detail: fmt.Sprintf("malformed request body: %v", err),
		}
	}
	return nil
}

func requirePost(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		return httpError{
			Status: http.StatusMethodNotAllowed,
			Code:   "method_not_allowed",
			Detail: "supported methods: POST",
		}
	}
	return nil
}

// condition merges body-level lease/etag fields with their header
// equivalents; headers win when both are present.
func condition(r *http.Request, leaseID, ifMatch string) core.AccessCondition {
	if v := strings.TrimSpace(r.Header.Get(headerLeaseID)); v != "" {
		leaseID = v
	}
	if v := strings.TrimSpace(r.Header.Get(headerIfMatch)); v != "" {
		ifMatch = strings.Trim(v, `"`)
	}
	return core.AccessCondition{LeaseID: leaseID, IfMatch: ifMatch}
}

func toContainerResponse(res core.ContainerResult) api.ContainerResponse {
	return api.ContainerResponse{
		Container:     res.Container,
		CreatedAtUnix: res.CreatedAtUnix,
		Metadata:      res.Metadata,
		PublicAccess:  res.PublicAccess,
		ETag:          res.ETag,
		LeaseState:    res.LeaseState,
	}
}

func toBlobResponse(res core.BlobResult) api.BlobResponse {
	return api.BlobResponse{
		Container:        res.Container,
		Blob:             res.Blob,
		Kind:             res.Kind,
		ETag:             res.ETag,
		ContentLength:    res.ContentLength,
		ContentType:      res.ContentType,
		ContentMD5:       res.ContentMD5,
		CreatedAtUnix:    res.CreatedAtUnix,
		LastModifiedUnix: res.LastModifiedUnix,
		Metadata:         res.Metadata,
		LeaseState:       res.LeaseState,
		SnapshotCount:    res.SnapshotCount,
		Snapshot:         res.Snapshot,
		CopyID:           res.CopyID,
		CopyStatus:       res.CopyStatus,
	}
}

func toCopyStatusResponse(res core.CopyStatusResult) api.CopyStatusResponse {
	return api.CopyStatusResponse{
		Container:   res.Container,
		Blob:        res.Blob,
		CopyID:      res.CopyID,
		Status:      res.Status,
		BytesCopied: res.BytesCopied,
		TotalBytes:  res.TotalBytes,
		Error:       res.Error,
	}
}
