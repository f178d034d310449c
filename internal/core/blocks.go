package core

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"pkt.systems/blobd/internal/storage"
	"pkt.systems/blobd/internal/uuidv7"
)

const maxBlockID = 64

// StageBlock uploads one uncommitted block. Staging into a blob that does
// not exist yet creates an empty block-blob placeholder; the blob's readable
// content is unchanged until commit. Re-staging an ID replaces the earlier
// staged block.
func (s *Service) StageBlock(ctx context.Context, cmd StageBlockCommand) (BlockListResult, error) {
	start := s.now()
	res, err := s.stageBlock(ctx, cmd)
	s.metrics.record(ctx, "block.stage", start, err)
	return res, err
}

func (s *Service) stageBlock(ctx context.Context, cmd StageBlockCommand) (BlockListResult, error) {
	if cmd.BlockID == "" || len(cmd.BlockID) > maxBlockID {
		return BlockListResult{}, invalidArgument(fmt.Sprintf("block id must be 1-%d characters", maxBlockID))
	}
	if int64(len(cmd.Content)) > s.maxBlobBytes {
		return BlockListResult{}, invalidArgument(fmt.Sprintf("block exceeds the %d byte limit", s.maxBlobBytes))
	}
	if err := s.ensureBlockBlob(ctx, cmd.Container, cmd.Blob); err != nil {
		return BlockListResult{}, err
	}

	key := objectKey(cmd.Container)
	info, err := s.store.WriteObject(ctx, key, bytes.NewReader(cmd.Content))
	if err != nil {
		return BlockListResult{}, internalError(err)
	}

	var stale string
	doc, _, err := s.mutateBlob(ctx, cmd.Container, cmd.Blob, func(doc *storage.BlobDoc) (bool, error) {
		now := s.nowUnix()
		if err := checkCondition("blob "+cmd.Container+"/"+cmd.Blob, doc.Lease, doc.ETag, cmd.Condition, now); err != nil {
			return false, err
		}
		if doc.Kind != storage.BlobKindBlock {
			return false, invalidArgument("blocks can only be staged on block blobs")
		}
		stale = ""
		entry := storage.BlockDoc{ID: cmd.BlockID, Object: key, Size: info.Size, StagedAtUnix: now}
		for i, b := range doc.StagedBlocks {
			if b.ID == cmd.BlockID {
				stale = b.Object
				doc.StagedBlocks[i] = entry
				return true, nil
			}
		}
		doc.StagedBlocks = append(doc.StagedBlocks, entry)
		return true, nil
	})
	if err != nil {
		s.gcObjects(ctx, key)
		return BlockListResult{}, err
	}
	if stale != "" {
		s.gcObjects(ctx, stale)
	}
	return blockListResult(cmd.Container, doc), nil
}

// ensureBlockBlob creates an empty block-blob document when the blob does
// not exist yet. Losing the create race to another stager is fine.
func (s *Service) ensureBlockBlob(ctx context.Context, container, blob string) error {
	if err := validateBlobName(blob); err != nil {
		return err
	}
	if err := s.requireContainer(ctx, container); err != nil {
		return err
	}
	_, _, err := s.store.LoadBlob(ctx, container, blob)
	if err == nil {
		return nil
	}
	if err != storage.ErrNotFound {
		return internalError(err)
	}
	now := s.nowUnix()
	doc := &storage.BlobDoc{
		Name:             blob,
		Kind:             storage.BlobKindBlock,
		ETag:             uuidv7.NewString(),
		CreatedAtUnix:    now,
		LastModifiedUnix: now,
	}
	if _, err := s.store.StoreBlob(ctx, container, blob, doc, ""); err != nil && err != storage.ErrCASMismatch {
		return internalError(err)
	}
	return nil
}

// CommitBlockList atomically replaces the blob's content with the named
// blocks concatenated in order. Every ID must be staged or already
// committed. Readers see the old content or the new content, never a mix:
// the combined object is written before the single document swap. Staged
// blocks left out of the list are discarded.
func (s *Service) CommitBlockList(ctx context.Context, cmd CommitBlockListCommand) (BlobResult, error) {
	start := s.now()
	res, err := s.commitBlockList(ctx, cmd)
	s.metrics.record(ctx, "block.commit", start, err)
	return res, err
}

func (s *Service) commitBlockList(ctx context.Context, cmd CommitBlockListCommand) (BlobResult, error) {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		doc, etag, err := s.loadBlob(ctx, cmd.Container, cmd.Blob)
		if err != nil {
			return BlobResult{}, err
		}
		if doc.Kind != storage.BlobKindBlock {
			return BlobResult{}, invalidArgument("commit is only valid on block blobs")
		}
		now := s.nowUnix()
		if err := checkCondition("blob "+cmd.Container+"/"+cmd.Blob, doc.Lease, doc.ETag, cmd.Condition, now); err != nil {
			return BlobResult{}, err
		}
		if doc.Copy != nil && doc.Copy.Status == storage.CopyStatusPending {
			return BlobResult{}, copyConflict("blob has a pending copy; abort it before committing blocks")
		}

		available := make(map[string]storage.BlockDoc, len(doc.CommittedBlocks)+len(doc.StagedBlocks))
		for _, b := range doc.CommittedBlocks {
			available[b.ID] = b
		}
		for _, b := range doc.StagedBlocks {
			available[b.ID] = b // staged shadows committed
		}
		committed := make([]storage.BlockDoc, 0, len(cmd.BlockIDs))
		var total int64
		var buf bytes.Buffer
		for _, id := range cmd.BlockIDs {
			block, ok := available[id]
			if !ok {
				return BlobResult{}, invalidArgument(fmt.Sprintf("block %q is neither staged nor committed", id))
			}
			rc, _, err := s.store.ReadObject(ctx, block.Object)
			if err != nil {
				return BlobResult{}, internalError(err)
			}
			if _, err := io.Copy(&buf, rc); err != nil {
				rc.Close()
				return BlobResult{}, internalError(err)
			}
			rc.Close()
			block.StagedAtUnix = 0
			committed = append(committed, block)
			total += block.Size
		}
		if total > s.maxBlobBytes {
			return BlobResult{}, invalidArgument(fmt.Sprintf("committed content exceeds the %d byte limit", s.maxBlobBytes))
		}

		key := objectKey(cmd.Container)
		info, err := s.store.WriteObject(ctx, key, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return BlobResult{}, internalError(err)
		}

		next := doc.Clone()
		stale := unreferencedBlockObjects(doc, committed)
		if next.ContentObject != "" && !snapshotReferences(next, next.ContentObject) {
			stale = append(stale, next.ContentObject)
		}
		next.ContentObject = key
		next.ContentLength = info.Size
		next.ContentMD5 = info.MD5
		if cmd.ContentType != "" {
			next.ContentType = cmd.ContentType
		}
		if cmd.Metadata != nil {
			next.Metadata = cmd.Metadata
		}
		next.ETag = uuidv7.NewString()
		next.LastModifiedUnix = now
		next.CommittedBlocks = committed
		next.StagedBlocks = nil

		if _, err := s.store.StoreBlob(ctx, cmd.Container, cmd.Blob, next, etag); err != nil {
			s.gcObjects(ctx, key)
			if err == storage.ErrCASMismatch {
				continue
			}
			return BlobResult{}, internalError(err)
		}
		s.gcObjects(ctx, stale...)
		return s.blobResult(cmd.Container, next), nil
	}
	return BlobResult{}, Failure{Code: CodeETagMismatch, Detail: "commit kept racing concurrent writers", HTTPStatus: 409}
}

// unreferencedBlockObjects returns block objects on doc that the new
// committed list no longer references.
func unreferencedBlockObjects(doc *storage.BlobDoc, committed []storage.BlockDoc) []string {
	kept := make(map[string]struct{}, len(committed))
	for _, b := range committed {
		kept[b.Object] = struct{}{}
	}
	var stale []string
	for _, b := range append(append([]storage.BlockDoc(nil), doc.CommittedBlocks...), doc.StagedBlocks...) {
		if _, ok := kept[b.Object]; !ok {
			stale = append(stale, b.Object)
		}
	}
	return stale
}

// GetBlockList reports committed blocks in content order followed by staged
// blocks in staging order.
func (s *Service) GetBlockList(ctx context.Context, container, blob string) (BlockListResult, error) {
	doc, _, err := s.loadBlob(ctx, container, blob)
	if err != nil {
		return BlockListResult{}, err
	}
	if doc.Kind != storage.BlobKindBlock {
		return BlockListResult{}, invalidArgument("block lists only exist on block blobs")
	}
	return blockListResult(container, doc), nil
}

func blockListResult(container string, doc *storage.BlobDoc) BlockListResult {
	res := BlockListResult{
		Container: container,
		Blob:      doc.Name,
		ETag:      doc.ETag,
		Blocks:    make([]BlockInfo, 0, len(doc.CommittedBlocks)+len(doc.StagedBlocks)),
	}
	for _, b := range doc.CommittedBlocks {
		res.Blocks = append(res.Blocks, BlockInfo{BlockID: b.ID, Size: b.Size, Committed: true})
	}
	for _, b := range doc.StagedBlocks {
		res.Blocks = append(res.Blocks, BlockInfo{BlockID: b.ID, Size: b.Size})
	}
	return res
}
