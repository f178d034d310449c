package core

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"pkt.systems/blobd/internal/storage"
	"pkt.systems/blobd/internal/uuidv7"
)

func (s *Service) blobResult(container string, doc *storage.BlobDoc) BlobResult {
	res := BlobResult{
		Container:        container,
		Blob:             doc.Name,
		Kind:             doc.Kind,
		ETag:             doc.ETag,
		ContentLength:    doc.ContentLength,
		ContentType:      doc.ContentType,
		ContentMD5:       doc.ContentMD5,
		CreatedAtUnix:    doc.CreatedAtUnix,
		LastModifiedUnix: doc.LastModifiedUnix,
		Metadata:         doc.Metadata,
		LeaseState:       leaseView(doc.Lease, s.nowUnix()),
		SnapshotCount:    len(doc.Snapshots),
	}
	if doc.Copy != nil {
		res.CopyID = doc.Copy.ID
		res.CopyStatus = doc.Copy.Status
	}
	return res
}

func snapshotResult(container, blob string, snap storage.SnapshotDoc, leaseState string) BlobResult {
	return BlobResult{
		Container:        container,
		Blob:             blob,
		Kind:             storage.BlobKindBlock,
		ETag:             snap.ETag,
		ContentLength:    snap.ContentLength,
		ContentType:      snap.ContentType,
		ContentMD5:       snap.ContentMD5,
		CreatedAtUnix:    snap.CreatedAtUnix,
		LastModifiedUnix: snap.CreatedAtUnix,
		Metadata:         snap.Metadata,
		LeaseState:       leaseState,
		Snapshot:         snap.ID,
	}
}

// gcObjects deletes content objects best-effort. The documents no longer
// reference them, so a failed delete only leaks space, never correctness.
func (s *Service) gcObjects(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := s.store.DeleteObject(ctx, key); err != nil && err != storage.ErrNotFound {
			s.logger.Warn("content object gc failed", "object", key, "error", err)
		}
	}
}

// snapshotReferences reports whether any snapshot on doc references object.
func snapshotReferences(doc *storage.BlobDoc, object string) bool {
	for _, snap := range doc.Snapshots {
		if snap.ContentObject == object {
			return true
		}
	}
	return false
}

func blockObjects(doc *storage.BlobDoc) []string {
	keys := make([]string, 0, len(doc.CommittedBlocks)+len(doc.StagedBlocks))
	for _, b := range doc.CommittedBlocks {
		keys = append(keys, b.Object)
	}
	for _, b := range doc.StagedBlocks {
		keys = append(keys, b.Object)
	}
	return keys
}

func normalizeKind(kind string) (string, error) {
	switch kind {
	case "", storage.BlobKindBlock:
		return storage.BlobKindBlock, nil
	case storage.BlobKindAppend:
		return storage.BlobKindAppend, nil
	case storage.BlobKindPage:
		return "", invalidArgument("page blobs are provisioned via page create, not whole-content upload")
	}
	return "", invalidArgument(fmt.Sprintf("unknown blob kind %q", kind))
}

// UploadBlob writes whole-content data as the blob's new base version. The
// content object is written before the document swap, so a racing reader
// sees either the old version or the new one in full.
func (s *Service) UploadBlob(ctx context.Context, cmd UploadBlobCommand) (BlobResult, error) {
	start := s.now()
	res, err := s.uploadBlob(ctx, cmd)
	s.metrics.record(ctx, "blob.upload", start, err)
	return res, err
}

func (s *Service) uploadBlob(ctx context.Context, cmd UploadBlobCommand) (BlobResult, error) {
	if err := validateBlobName(cmd.Blob); err != nil {
		return BlobResult{}, err
	}
	kind, err := normalizeKind(cmd.Kind)
	if err != nil {
		return BlobResult{}, err
	}
	if int64(len(cmd.Content)) > s.maxBlobBytes {
		return BlobResult{}, invalidArgument(fmt.Sprintf("content exceeds the %d byte limit", s.maxBlobBytes))
	}
	if err := s.requireContainer(ctx, cmd.Container); err != nil {
		return BlobResult{}, err
	}

	key := objectKey(cmd.Container)
	info, err := s.store.WriteObject(ctx, key, bytes.NewReader(cmd.Content))
	if err != nil {
		return BlobResult{}, internalError(err)
	}

	now := s.nowUnix()
	existing, existingETag, err := s.store.LoadBlob(ctx, cmd.Container, cmd.Blob)
	if err != nil && err != storage.ErrNotFound {
		s.gcObjects(ctx, key)
		return BlobResult{}, internalError(err)
	}

	if err == storage.ErrNotFound {
		doc := &storage.BlobDoc{
			Name:             cmd.Blob,
			Kind:             kind,
			ContentObject:    key,
			ContentLength:    info.Size,
			ContentType:      cmd.ContentType,
			ContentMD5:       info.MD5,
			ETag:             uuidv7.NewString(),
			CreatedAtUnix:    now,
			LastModifiedUnix: now,
			Metadata:         cmd.Metadata,
		}
		if _, err := s.store.StoreBlob(ctx, cmd.Container, cmd.Blob, doc, ""); err != nil {
			s.gcObjects(ctx, key)
			if err == storage.ErrCASMismatch {
				// Lost a create race; rerun as overwrite unless create-only.
				if cmd.CreateOnly {
					return BlobResult{}, blobAlreadyExists(cmd.Container, cmd.Blob)
				}
				return s.uploadBlob(ctx, cmd)
			}
			return BlobResult{}, internalError(err)
		}
		return s.blobResult(cmd.Container, doc), nil
	}

	if cmd.CreateOnly {
		s.gcObjects(ctx, key)
		return BlobResult{}, blobAlreadyExists(cmd.Container, cmd.Blob)
	}

	var stale []string
	doc := existing.Clone()
	if err := func() error {
		if err := checkCondition("blob "+cmd.Container+"/"+cmd.Blob, doc.Lease, doc.ETag, cmd.Condition, now); err != nil {
			return err
		}
		if doc.Copy != nil && doc.Copy.Status == storage.CopyStatusPending {
			return copyConflict("blob has a pending copy; abort it before overwriting")
		}
		return nil
	}(); err != nil {
		s.gcObjects(ctx, key)
		return BlobResult{}, err
	}

	if doc.ContentObject != "" && !snapshotReferences(doc, doc.ContentObject) {
		stale = append(stale, doc.ContentObject)
	}
	stale = append(stale, blockObjects(doc)...)

	doc.Kind = kind
	doc.ContentObject = key
	doc.ContentLength = info.Size
	doc.ContentType = cmd.ContentType
	doc.ContentMD5 = info.MD5
	doc.ETag = uuidv7.NewString()
	doc.LastModifiedUnix = now
	doc.Metadata = cmd.Metadata
	doc.CommittedBlocks = nil
	doc.StagedBlocks = nil
	doc.PageCapacity = 0
	doc.PageRanges = nil

	if _, err := s.store.StoreBlob(ctx, cmd.Container, cmd.Blob, doc, existingETag); err != nil {
		s.gcObjects(ctx, key)
		if err == storage.ErrCASMismatch {
			return s.uploadBlob(ctx, cmd)
		}
		return BlobResult{}, internalError(err)
	}
	s.gcObjects(ctx, stale...)
	return s.blobResult(cmd.Container, doc), nil
}

// DownloadBlob reads the base version, or an immutable snapshot when
// cmd.Snapshot is set.
func (s *Service) DownloadBlob(ctx context.Context, cmd DownloadBlobCommand) (DownloadBlobResult, error) {
	start := s.now()
	res, err := s.downloadBlob(ctx, cmd)
	s.metrics.record(ctx, "blob.download", start, err)
	return res, err
}

func (s *Service) downloadBlob(ctx context.Context, cmd DownloadBlobCommand) (DownloadBlobResult, error) {
	doc, _, err := s.loadBlob(ctx, cmd.Container, cmd.Blob)
	if err != nil {
		return DownloadBlobResult{}, err
	}
	object := doc.ContentObject
	result := DownloadBlobResult{BlobResult: s.blobResult(cmd.Container, doc)}
	if cmd.Snapshot != "" {
		snap, ok := findSnapshot(doc, cmd.Snapshot)
		if !ok {
			return DownloadBlobResult{}, snapshotNotFound(cmd.Container, cmd.Blob, cmd.Snapshot)
		}
		object = snap.ContentObject
		result.BlobResult = snapshotResult(cmd.Container, cmd.Blob, snap, leaseView(doc.Lease, s.nowUnix()))
	}
	if object == "" {
		return result, nil
	}
	rc, _, err := s.store.ReadObject(ctx, object)
	if err != nil {
		return DownloadBlobResult{}, internalError(err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return DownloadBlobResult{}, internalError(err)
	}
	result.Content = content
	return result, nil
}

// GetBlobProperties returns the blob's properties without content.
func (s *Service) GetBlobProperties(ctx context.Context, container, blob string) (BlobResult, error) {
	doc, _, err := s.loadBlob(ctx, container, blob)
	if err != nil {
		return BlobResult{}, err
	}
	return s.blobResult(container, doc), nil
}

// BlobExists reports whether the blob's base version exists.
func (s *Service) BlobExists(ctx context.Context, container, blob string) (bool, error) {
	_, _, err := s.store.LoadBlob(ctx, container, blob)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, internalError(err)
	}
	return true, nil
}

// DeleteBlob removes a blob. With snapshots present, Cascade selects between
// failing, deleting only the snapshots, or deleting base and snapshots.
func (s *Service) DeleteBlob(ctx context.Context, cmd DeleteBlobCommand) error {
	start := s.now()
	err := s.deleteBlob(ctx, cmd)
	s.metrics.record(ctx, "blob.delete", start, err)
	return err
}

func (s *Service) deleteBlob(ctx context.Context, cmd DeleteBlobCommand) error {
	cascade := cmd.Cascade
	if cascade == "" {
		cascade = CascadeNone
	}
	switch cascade {
	case CascadeNone, CascadeSnapshotsOnly, CascadeIncludeSnapshots:
	default:
		return invalidArgument(fmt.Sprintf("unknown cascade mode %q", cmd.Cascade))
	}
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		doc, etag, err := s.loadBlob(ctx, cmd.Container, cmd.Blob)
		if err != nil {
			return err
		}
		now := s.nowUnix()
		if err := checkCondition("blob "+cmd.Container+"/"+cmd.Blob, doc.Lease, doc.ETag, cmd.Condition, now); err != nil {
			return err
		}
		if doc.Copy != nil && doc.Copy.Status == storage.CopyStatusPending {
			return copyConflict("blob has a pending copy; abort it before deleting")
		}

		if cascade == CascadeSnapshotsOnly {
			next := doc.Clone()
			var stale []string
			for _, snap := range next.Snapshots {
				if snap.ContentObject != "" && snap.ContentObject != next.ContentObject {
					stale = append(stale, snap.ContentObject)
				}
			}
			next.Snapshots = nil
			next.ETag = uuidv7.NewString()
			next.LastModifiedUnix = now
			if _, err := s.store.StoreBlob(ctx, cmd.Container, cmd.Blob, next, etag); err != nil {
				if err == storage.ErrCASMismatch {
					continue
				}
				return internalError(err)
			}
			s.gcObjects(ctx, stale...)
			return nil
		}

		if cascade == CascadeNone && len(doc.Snapshots) > 0 {
			return snapshotsPresent(cmd.Container, cmd.Blob)
		}

		stale := []string{doc.ContentObject}
		for _, snap := range doc.Snapshots {
			if snap.ContentObject != doc.ContentObject {
				stale = append(stale, snap.ContentObject)
			}
		}
		stale = append(stale, blockObjects(doc)...)
		err = s.store.DeleteBlob(ctx, cmd.Container, cmd.Blob, etag)
		if err == storage.ErrCASMismatch {
			continue
		}
		if err == storage.ErrNotFound {
			return blobNotFound(cmd.Container, cmd.Blob)
		}
		if err != nil {
			return internalError(err)
		}
		s.gcObjects(ctx, stale...)
		s.logger.Info("blob deleted", "container", cmd.Container, "blob", cmd.Blob, "cascade", cascade)
		return nil
	}
	return Failure{Code: CodeETagMismatch, Detail: "blob delete kept racing concurrent writers", HTTPStatus: 409}
}

// SetBlobMetadata replaces the metadata map; the ETag rolls.
func (s *Service) SetBlobMetadata(ctx context.Context, cmd SetBlobMetadataCommand) (BlobResult, error) {
	doc, _, err := s.mutateBlob(ctx, cmd.Container, cmd.Blob, func(doc *storage.BlobDoc) (bool, error) {
		now := s.nowUnix()
		if err := checkCondition("blob "+cmd.Container+"/"+cmd.Blob, doc.Lease, doc.ETag, cmd.Condition, now); err != nil {
			return false, err
		}
		doc.Metadata = cmd.Metadata
		doc.ETag = uuidv7.NewString()
		doc.LastModifiedUnix = now
		return true, nil
	})
	if err != nil {
		return BlobResult{}, err
	}
	return s.blobResult(cmd.Container, doc), nil
}

// SetBlobProperties updates mutable properties; the ETag rolls.
func (s *Service) SetBlobProperties(ctx context.Context, cmd SetBlobPropertiesCommand) (BlobResult, error) {
	doc, _, err := s.mutateBlob(ctx, cmd.Container, cmd.Blob, func(doc *storage.BlobDoc) (bool, error) {
		now := s.nowUnix()
		if err := checkCondition("blob "+cmd.Container+"/"+cmd.Blob, doc.Lease, doc.ETag, cmd.Condition, now); err != nil {
			return false, err
		}
		doc.ContentType = cmd.ContentType
		doc.ETag = uuidv7.NewString()
		doc.LastModifiedUnix = now
		return true, nil
	})
	if err != nil {
		return BlobResult{}, err
	}
	return s.blobResult(cmd.Container, doc), nil
}

// AppendBlock appends content to an append blob by rewriting its content
// object. The document swap publishes old and new content atomically.
func (s *Service) AppendBlock(ctx context.Context, cmd AppendBlockCommand) (BlobResult, error) {
	start := s.now()
	res, err := s.appendBlock(ctx, cmd)
	s.metrics.record(ctx, "blob.append", start, err)
	return res, err
}

func (s *Service) appendBlock(ctx context.Context, cmd AppendBlockCommand) (BlobResult, error) {
	if len(cmd.Content) == 0 {
		return BlobResult{}, invalidArgument("append requires non-empty content")
	}
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		doc, etag, err := s.loadBlob(ctx, cmd.Container, cmd.Blob)
		if err != nil {
			return BlobResult{}, err
		}
		if doc.Kind != storage.BlobKindAppend {
			return BlobResult{}, invalidArgument("append is only valid on append blobs")
		}
		now := s.nowUnix()
		if err := checkCondition("blob "+cmd.Container+"/"+cmd.Blob, doc.Lease, doc.ETag, cmd.Condition, now); err != nil {
			return BlobResult{}, err
		}
		if doc.Copy != nil && doc.Copy.Status == storage.CopyStatusPending {
			return BlobResult{}, copyConflict("blob has a pending copy; abort it before appending")
		}
		if doc.ContentLength+int64(len(cmd.Content)) > s.maxBlobBytes {
			return BlobResult{}, invalidArgument(fmt.Sprintf("append would exceed the %d byte limit", s.maxBlobBytes))
		}

		var existing []byte
		if doc.ContentObject != "" {
			rc, _, err := s.store.ReadObject(ctx, doc.ContentObject)
			if err != nil {
				return BlobResult{}, internalError(err)
			}
			existing, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return BlobResult{}, internalError(err)
			}
		}
		key := objectKey(cmd.Container)
		info, err := s.store.WriteObject(ctx, key, bytes.NewReader(append(existing, cmd.Content...)))
		if err != nil {
			return BlobResult{}, internalError(err)
		}

		next := doc.Clone()
		stale := ""
		if next.ContentObject != "" && !snapshotReferences(next, next.ContentObject) {
			stale = next.ContentObject
		}
		next.ContentObject = key
		next.ContentLength = info.Size
		next.ContentMD5 = info.MD5
		next.ETag = uuidv7.NewString()
		next.LastModifiedUnix = now
		if _, err := s.store.StoreBlob(ctx, cmd.Container, cmd.Blob, next, etag); err != nil {
			s.gcObjects(ctx, key)
			if err == storage.ErrCASMismatch {
				continue
			}
			return BlobResult{}, internalError(err)
		}
		s.gcObjects(ctx, stale)
		return s.blobResult(cmd.Container, next), nil
	}
	return BlobResult{}, Failure{Code: CodeETagMismatch, Detail: "append kept racing concurrent writers", HTTPStatus: 409}
}
