package core

import (
	"context"

	"github.com/rs/xid"

	"pkt.systems/blobd/internal/storage"
	"pkt.systems/blobd/internal/uuidv7"
)

// StartCopy begins an asynchronous copy of a blob (or one of its snapshots)
// into a destination blob. It returns immediately with a copy ID; progress
// is observed by polling GetCopyStatus. The destination keeps its pre-copy
// content until the copy completes: the staged object is swapped in with a
// single document write, so no partially copied bytes are ever visible.
func (s *Service) StartCopy(ctx context.Context, cmd StartCopyCommand) (CopyStatusResult, error) {
	start := s.now()
	res, err := s.startCopy(ctx, cmd)
	s.metrics.record(ctx, "copy.start", start, err)
	return res, err
}

func (s *Service) startCopy(ctx context.Context, cmd StartCopyCommand) (CopyStatusResult, error) {
	if err := validateBlobName(cmd.TargetBlob); err != nil {
		return CopyStatusResult{}, err
	}
	src, _, err := s.loadBlob(ctx, cmd.SourceContainer, cmd.SourceBlob)
	if err != nil {
		return CopyStatusResult{}, err
	}
	sourceObject := src.ContentObject
	sourceLength := src.ContentLength
	sourceType := src.ContentType
	sourceMD5 := src.ContentMD5
	sourceMeta := src.Metadata
	sourceLabel := cmd.SourceContainer + "/" + cmd.SourceBlob
	if cmd.SourceSnapshot != "" {
		snap, ok := findSnapshot(src, cmd.SourceSnapshot)
		if !ok {
			return CopyStatusResult{}, snapshotNotFound(cmd.SourceContainer, cmd.SourceBlob, cmd.SourceSnapshot)
		}
		sourceObject = snap.ContentObject
		sourceLength = snap.ContentLength
		sourceType = snap.ContentType
		sourceMD5 = snap.ContentMD5
		sourceMeta = snap.Metadata
		sourceLabel += "?snapshot=" + cmd.SourceSnapshot
	}
	if err := s.requireContainer(ctx, cmd.TargetContainer); err != nil {
		return CopyStatusResult{}, err
	}

	copyID := xid.New().String()
	now := s.nowUnix()
	copyDoc := &storage.CopyDoc{
		ID:            copyID,
		Status:        storage.CopyStatusPending,
		Source:        sourceLabel,
		TotalBytes:    sourceLength,
		StartedAtUnix: now,
	}

	existing, existingETag, err := s.store.LoadBlob(ctx, cmd.TargetContainer, cmd.TargetBlob)
	if err != nil && err != storage.ErrNotFound {
		return CopyStatusResult{}, internalError(err)
	}
	if err == storage.ErrNotFound {
		doc := &storage.BlobDoc{
			Name:             cmd.TargetBlob,
			Kind:             storage.BlobKindBlock,
			ETag:             uuidv7.NewString(),
			CreatedAtUnix:    now,
			LastModifiedUnix: now,
			Copy:             copyDoc,
		}
		if _, err := s.store.StoreBlob(ctx, cmd.TargetContainer, cmd.TargetBlob, doc, ""); err != nil {
			if err == storage.ErrCASMismatch {
				return CopyStatusResult{}, copyConflict("destination changed while starting the copy; retry")
			}
			return CopyStatusResult{}, internalError(err)
		}
	} else {
		if err := checkCondition("blob "+cmd.TargetContainer+"/"+cmd.TargetBlob, existing.Lease, existing.ETag, cmd.Condition, now); err != nil {
			return CopyStatusResult{}, err
		}
		if existing.Copy != nil && existing.Copy.Status == storage.CopyStatusPending {
			return CopyStatusResult{}, copyConflict("destination already has a pending copy")
		}
		next := existing.Clone()
		next.Copy = copyDoc
		if _, err := s.store.StoreBlob(ctx, cmd.TargetContainer, cmd.TargetBlob, next, existingETag); err != nil {
			if err == storage.ErrCASMismatch {
				return CopyStatusResult{}, copyConflict("destination changed while starting the copy; retry")
			}
			return CopyStatusResult{}, internalError(err)
		}
	}

	s.copyWG.Add(1)
	go s.runCopy(copyID, cmd.TargetContainer, cmd.TargetBlob, sourceObject, sourceType, sourceMD5, sourceMeta)

	return CopyStatusResult{
		Container:  cmd.TargetContainer,
		Blob:       cmd.TargetBlob,
		CopyID:     copyID,
		Status:     storage.CopyStatusPending,
		TotalBytes: sourceLength,
	}, nil
}

// runCopy stages the source bytes into a fresh object under the destination
// container, then swaps it in unless the copy was aborted meanwhile.
func (s *Service) runCopy(copyID, container, blob, sourceObject, contentType, contentMD5 string, metadata map[string]string) {
	defer s.copyWG.Done()
	ctx := context.Background()

	var staged string
	var stagedSize int64
	var copyErr error
	if sourceObject != "" {
		rc, _, err := s.store.ReadObject(ctx, sourceObject)
		if err != nil {
			copyErr = err
		} else {
			key := objectKey(container)
			info, err := s.store.WriteObject(ctx, key, rc)
			rc.Close()
			if err != nil {
				copyErr = err
			} else {
				staged = key
				stagedSize = info.Size
			}
		}
	}

	var stale []string
	_, _, err := s.mutateBlob(ctx, container, blob, func(doc *storage.BlobDoc) (bool, error) {
		stale = nil
		if doc.Copy == nil || doc.Copy.ID != copyID || doc.Copy.Status != storage.CopyStatusPending {
			// Aborted or superseded; the staged bytes are dropped below.
			return false, nil
		}
		now := s.nowUnix()
		doc.Copy.CompletedAtUnix = now
		if copyErr != nil {
			doc.Copy.Status = storage.CopyStatusFailed
			doc.Copy.Error = copyErr.Error()
			return true, nil
		}
		if doc.ContentObject != "" && !snapshotReferences(doc, doc.ContentObject) {
			stale = append(stale, doc.ContentObject)
		}
		stale = append(stale, blockObjects(doc)...)
		doc.Kind = storage.BlobKindBlock
		doc.ContentObject = staged
		doc.ContentLength = stagedSize
		doc.ContentType = contentType
		doc.ContentMD5 = contentMD5
		doc.Metadata = metadata
		doc.ETag = uuidv7.NewString()
		doc.LastModifiedUnix = now
		doc.CommittedBlocks = nil
		doc.StagedBlocks = nil
		doc.PageCapacity = 0
		doc.PageRanges = nil
		doc.Copy.Status = storage.CopyStatusSuccess
		doc.Copy.BytesCopied = stagedSize
		staged = "" // now owned by the document
		return true, nil
	})
	if err != nil {
		s.logger.Warn("copy completion failed", "copy_id", copyID, "container", container, "blob", blob, "error", err)
		s.gcObjects(ctx, staged)
		return
	}
	if staged != "" {
		stale = append(stale, staged)
	}
	s.gcObjects(ctx, stale...)
	s.metrics.addCopyBytes(ctx, stagedSize)
	if copyErr != nil {
		s.logger.Warn("copy failed", "copy_id", copyID, "container", container, "blob", blob, "error", copyErr)
	} else {
		s.logger.Info("copy completed", "copy_id", copyID, "container", container, "blob", blob, "bytes", stagedSize)
	}
}

// GetCopyStatus reports the most recent copy targeting the blob.
func (s *Service) GetCopyStatus(ctx context.Context, container, blob string) (CopyStatusResult, error) {
	doc, _, err := s.loadBlob(ctx, container, blob)
	if err != nil {
		return CopyStatusResult{}, err
	}
	if doc.Copy == nil {
		return CopyStatusResult{}, copyConflict("no copy targets this blob")
	}
	return CopyStatusResult{
		Container:   container,
		Blob:        blob,
		CopyID:      doc.Copy.ID,
		Status:      doc.Copy.Status,
		BytesCopied: doc.Copy.BytesCopied,
		TotalBytes:  doc.Copy.TotalBytes,
		Error:       doc.Copy.Error,
	}, nil
}

// AbortCopy cancels a pending copy. The destination keeps its pre-copy
// content; the worker discards its staged bytes when it observes the abort.
func (s *Service) AbortCopy(ctx context.Context, cmd AbortCopyCommand) (CopyStatusResult, error) {
	start := s.now()
	res, err := s.abortCopy(ctx, cmd)
	s.metrics.record(ctx, "copy.abort", start, err)
	return res, err
}

func (s *Service) abortCopy(ctx context.Context, cmd AbortCopyCommand) (CopyStatusResult, error) {
	doc, _, err := s.mutateBlob(ctx, cmd.Container, cmd.Blob, func(doc *storage.BlobDoc) (bool, error) {
		if doc.Copy == nil || doc.Copy.ID != cmd.CopyID {
			return false, copyConflict("unknown copy id")
		}
		if doc.Copy.Status != storage.CopyStatusPending {
			return false, copyConflict("only a pending copy can be aborted")
		}
		doc.Copy.Status = storage.CopyStatusAborted
		doc.Copy.CompletedAtUnix = s.nowUnix()
		return true, nil
	})
	if err != nil {
		return CopyStatusResult{}, err
	}
	return CopyStatusResult{
		Container:  cmd.Container,
		Blob:       cmd.Blob,
		CopyID:     doc.Copy.ID,
		Status:     doc.Copy.Status,
		TotalBytes: doc.Copy.TotalBytes,
	}, nil
}
