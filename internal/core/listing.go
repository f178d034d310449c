package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// listCursor is the decoded form of the opaque continuation token. Kind
// records what the last emitted entry was so resumption can skip exactly
// past it.
type listCursor struct {
	// Kind is "c" (container), "b" (blob), "d" (virtual directory), or "s"
	// (snapshot).
	Kind string `json:"k"`
	// Name is the container or blob name the page ended on.
	Name string `json:"n"`
	// Snapshot is the last emitted snapshot ID when Kind is "s".
	Snapshot string `json:"s,omitempty"`
}

func encodeCursor(c listCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(token string) (listCursor, error) {
	if token == "" {
		return listCursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return listCursor{}, invalidArgument("malformed continuation token")
	}
	var c listCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return listCursor{}, invalidArgument("malformed continuation token")
	}
	return c, nil
}

func (s *Service) clampPageSize(size int) int {
	if size <= 0 {
		return s.listPageSize
	}
	if size > MaxListPageSize {
		return MaxListPageSize
	}
	return size
}

// listBatch is how many names each backend round-trip fetches while
// assembling a page.
const listBatch = 256

// ListContainers enumerates containers lexicographically, optionally
// filtered by prefix.
func (s *Service) ListContainers(ctx context.Context, cmd ListContainersCommand) (ListContainersResult, error) {
	cursor, err := decodeCursor(cmd.Cursor)
	if err != nil {
		return ListContainersResult{}, err
	}
	pageSize := s.clampPageSize(cmd.PageSize)
	startAfter := cursor.Name
	result := ListContainersResult{Containers: make([]ContainerResult, 0, pageSize)}
	for {
		names, truncated, err := s.store.ListContainers(ctx, startAfter, listBatch)
		if err != nil {
			return ListContainersResult{}, internalError(err)
		}
		for i, name := range names {
			if cmd.Prefix != "" && !strings.HasPrefix(name, cmd.Prefix) {
				if name > cmd.Prefix {
					// Sorted order: nothing after this can match.
					return result, nil
				}
				continue
			}
			doc, etag, err := s.loadContainer(ctx, name)
			if err != nil {
				if f, ok := err.(Failure); ok && f.Code == CodeContainerNotFound {
					continue // deleted between list and load
				}
				return ListContainersResult{}, err
			}
			result.Containers = append(result.Containers, s.containerResult(doc, etag, cmd.IncludeMetadata))
			if len(result.Containers) == pageSize {
				if truncated || i < len(names)-1 {
					result.Cursor = encodeCursor(listCursor{Kind: "c", Name: name})
				}
				return result, nil
			}
		}
		if !truncated {
			return result, nil
		}
		if len(names) > 0 {
			startAfter = names[len(names)-1]
		}
	}
}

// ListBlobsFlat enumerates blobs lexicographically, optionally interleaving
// each blob's snapshots directly after its base version in creation order.
// Page boundaries may fall between a base blob and its snapshots; the cursor
// resumes mid-chain.
func (s *Service) ListBlobsFlat(ctx context.Context, cmd ListBlobsFlatCommand) (ListBlobsResult, error) {
	cursor, err := decodeCursor(cmd.Cursor)
	if err != nil {
		return ListBlobsResult{}, err
	}
	if err := s.requireContainer(ctx, cmd.Container); err != nil {
		return ListBlobsResult{}, err
	}
	pageSize := s.clampPageSize(cmd.PageSize)
	result := ListBlobsResult{Container: cmd.Container, Blobs: make([]BlobResult, 0, pageSize)}

	startAfter := ""
	if cursor.Name != "" {
		startAfter = cursor.Name
		// Finish the snapshot chain the previous page stopped inside.
		if cmd.IncludeSnapshots && (cursor.Kind == "b" || cursor.Kind == "s") {
			done, err := s.resumeSnapshots(ctx, cmd.Container, cursor, pageSize, &result)
			if err != nil {
				return ListBlobsResult{}, err
			}
			if done {
				return result, nil
			}
		}
	}

	for {
		names, truncated, err := s.store.ListBlobs(ctx, cmd.Container, cmd.Prefix, startAfter, listBatch)
		if err != nil {
			return ListBlobsResult{}, internalError(err)
		}
		for i, name := range names {
			doc, _, err := s.loadBlob(ctx, cmd.Container, name)
			if err != nil {
				if f, ok := err.(Failure); ok && f.Code == CodeBlobNotFound {
					continue
				}
				return ListBlobsResult{}, err
			}
			leaseState := leaseView(doc.Lease, s.nowUnix())
			result.Blobs = append(result.Blobs, s.blobResult(cmd.Container, doc))
			if len(result.Blobs) == pageSize {
				more := truncated || i < len(names)-1 || (cmd.IncludeSnapshots && len(doc.Snapshots) > 0)
				if more {
					result.Cursor = encodeCursor(listCursor{Kind: "b", Name: name})
				}
				return result, nil
			}
			if cmd.IncludeSnapshots {
				for j, snap := range doc.Snapshots {
					result.Blobs = append(result.Blobs, snapshotResult(cmd.Container, name, snap, leaseState))
					if len(result.Blobs) == pageSize {
						if truncated || i < len(names)-1 || j < len(doc.Snapshots)-1 {
							result.Cursor = encodeCursor(listCursor{Kind: "s", Name: name, Snapshot: snap.ID})
						}
						return result, nil
					}
				}
			}
		}
		if !truncated {
			return result, nil
		}
		if len(names) > 0 {
			startAfter = names[len(names)-1]
		}
	}
}

// resumeSnapshots emits the remaining snapshots of the blob a previous page
// ended on. It reports true when the new page filled up.
func (s *Service) resumeSnapshots(ctx context.Context, container string, cursor listCursor, pageSize int, result *ListBlobsResult) (bool, error) {
	doc, _, err := s.loadBlob(ctx, container, cursor.Name)
	if err != nil {
		if f, ok := err.(Failure); ok && f.Code == CodeBlobNotFound {
			return false, nil // base deleted since the previous page
		}
		return false, err
	}
	leaseState := leaseView(doc.Lease, s.nowUnix())
	emit := cursor.Kind == "b" // after the base, every snapshot is pending
	for _, snap := range doc.Snapshots {
		if !emit {
			if snap.ID == cursor.Snapshot {
				emit = true
			}
			continue
		}
		result.Blobs = append(result.Blobs, snapshotResult(container, cursor.Name, snap, leaseState))
		if len(result.Blobs) == pageSize {
			result.Cursor = encodeCursor(listCursor{Kind: "s", Name: cursor.Name, Snapshot: snap.ID})
			return true, nil
		}
	}
	return false, nil
}

// ListBlobsHierarchical groups blob names on the first delimiter occurrence
// after the prefix, yielding one virtual directory entry per group plus the
// blobs at the current level. Single level only; callers recurse by listing
// with the returned prefixes. Snapshots cannot be combined with hierarchical
// listing.
func (s *Service) ListBlobsHierarchical(ctx context.Context, cmd ListBlobsHierarchicalCommand) (ListBlobsResult, error) {
	if cmd.Delimiter == "" {
		return ListBlobsResult{}, invalidArgument("hierarchical listing requires a delimiter")
	}
	cursor, err := decodeCursor(cmd.Cursor)
	if err != nil {
		return ListBlobsResult{}, err
	}
	if err := s.requireContainer(ctx, cmd.Container); err != nil {
		return ListBlobsResult{}, err
	}
	pageSize := s.clampPageSize(cmd.PageSize)
	result := ListBlobsResult{Container: cmd.Container}

	startAfter := cursor.Name
	skipDir := ""
	if cursor.Kind == "d" {
		// Every child of the emitted directory sorts after the directory
		// string itself but still belongs to it.
		skipDir = cursor.Name
	}
	emitted := 0
	lastDir := ""
	for {
		names, truncated, err := s.store.ListBlobs(ctx, cmd.Container, cmd.Prefix, startAfter, listBatch)
		if err != nil {
			return ListBlobsResult{}, internalError(err)
		}
		for i, name := range names {
			if skipDir != "" && strings.HasPrefix(name, skipDir) {
				continue
			}
			rest := name[len(cmd.Prefix):]
			if idx := strings.Index(rest, cmd.Delimiter); idx >= 0 {
				dir := cmd.Prefix + rest[:idx+len(cmd.Delimiter)]
				if dir == lastDir {
					continue
				}
				lastDir = dir
				result.Prefixes = append(result.Prefixes, dir)
				emitted++
				if emitted == pageSize {
					if truncated || i < len(names)-1 {
						result.Cursor = encodeCursor(listCursor{Kind: "d", Name: dir})
					}
					return result, nil
				}
				continue
			}
			doc, _, err := s.loadBlob(ctx, cmd.Container, name)
			if err != nil {
				if f, ok := err.(Failure); ok && f.Code == CodeBlobNotFound {
					continue
				}
				return ListBlobsResult{}, err
			}
			result.Blobs = append(result.Blobs, s.blobResult(cmd.Container, doc))
			emitted++
			if emitted == pageSize {
				if truncated || i < len(names)-1 {
					result.Cursor = encodeCursor(listCursor{Kind: "b", Name: name})
				}
				return result, nil
			}
		}
		if !truncated {
			return result, nil
		}
		if len(names) > 0 {
			startAfter = names[len(names)-1]
		}
	}
}
