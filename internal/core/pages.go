package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"pkt.systems/blobd/internal/storage"
	"pkt.systems/blobd/internal/uuidv7"
)

func pageAligned(v int64) bool { return v >= 0 && v%PageSize == 0 }

// CreatePageBlob provisions a fixed-capacity sparse page blob. The backing
// object is materialized as zeroes so reads never depend on range math in
// the storage layer.
func (s *Service) CreatePageBlob(ctx context.Context, cmd CreatePageBlobCommand) (BlobResult, error) {
	start := s.now()
	res, err := s.createPageBlob(ctx, cmd)
	s.metrics.record(ctx, "page.create", start, err)
	return res, err
}

func (s *Service) createPageBlob(ctx context.Context, cmd CreatePageBlobCommand) (BlobResult, error) {
	if err := validateBlobName(cmd.Blob); err != nil {
		return BlobResult{}, err
	}
	if cmd.Capacity <= 0 || !pageAligned(cmd.Capacity) {
		return BlobResult{}, invalidArgument(fmt.Sprintf("page blob capacity must be a positive multiple of %d", PageSize))
	}
	if cmd.Capacity > s.maxPageCapacity {
		return BlobResult{}, invalidArgument(fmt.Sprintf("page blob capacity exceeds the %d byte limit", s.maxPageCapacity))
	}
	if err := s.requireContainer(ctx, cmd.Container); err != nil {
		return BlobResult{}, err
	}

	key := objectKey(cmd.Container)
	info, err := s.store.WriteObject(ctx, key, bytes.NewReader(make([]byte, cmd.Capacity)))
	if err != nil {
		return BlobResult{}, internalError(err)
	}
	now := s.nowUnix()
	doc := &storage.BlobDoc{
		Name:             cmd.Blob,
		Kind:             storage.BlobKindPage,
		ContentObject:    key,
		ContentLength:    info.Size,
		ContentType:      cmd.ContentType,
		ContentMD5:       info.MD5,
		ETag:             uuidv7.NewString(),
		CreatedAtUnix:    now,
		LastModifiedUnix: now,
		Metadata:         cmd.Metadata,
		PageCapacity:     cmd.Capacity,
	}
	if _, err := s.store.StoreBlob(ctx, cmd.Container, cmd.Blob, doc, ""); err != nil {
		s.gcObjects(ctx, key)
		if err == storage.ErrCASMismatch {
			return BlobResult{}, blobAlreadyExists(cmd.Container, cmd.Blob)
		}
		return BlobResult{}, internalError(err)
	}
	return s.blobResult(cmd.Container, doc), nil
}

// WritePages replaces a 512-aligned contiguous range.
func (s *Service) WritePages(ctx context.Context, cmd WritePagesCommand) (BlobResult, error) {
	start := s.now()
	res, err := s.updatePages(ctx, cmd.Container, cmd.Blob, cmd.Offset, cmd.Content, int64(len(cmd.Content)), cmd.Condition)
	s.metrics.record(ctx, "page.write", start, err)
	return res, err
}

// ClearPages zeroes a 512-aligned contiguous range and drops it from the
// valid-range index.
func (s *Service) ClearPages(ctx context.Context, cmd ClearPagesCommand) (BlobResult, error) {
	start := s.now()
	res, err := s.updatePages(ctx, cmd.Container, cmd.Blob, cmd.Offset, nil, cmd.Length, cmd.Condition)
	s.metrics.record(ctx, "page.clear", start, err)
	return res, err
}

// updatePages rewrites the materialized buffer with content (or zeroes when
// content is nil) at offset, then swaps the document. length is the range
// size in bytes.
func (s *Service) updatePages(ctx context.Context, container, blob string, offset int64, content []byte, length int64, cond AccessCondition) (BlobResult, error) {
	if !pageAligned(offset) || length <= 0 || !pageAligned(length) {
		return BlobResult{}, invalidArgument(fmt.Sprintf("page range must be a %d-aligned offset and a positive %d-multiple length", PageSize, PageSize))
	}
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		doc, etag, err := s.loadBlob(ctx, container, blob)
		if err != nil {
			return BlobResult{}, err
		}
		if doc.Kind != storage.BlobKindPage {
			return BlobResult{}, invalidArgument("page operations are only valid on page blobs")
		}
		now := s.nowUnix()
		if err := checkCondition("blob "+container+"/"+blob, doc.Lease, doc.ETag, cond, now); err != nil {
			return BlobResult{}, err
		}
		if doc.Copy != nil && doc.Copy.Status == storage.CopyStatusPending {
			return BlobResult{}, copyConflict("blob has a pending copy; abort it before writing pages")
		}
		if offset+length > doc.PageCapacity {
			return BlobResult{}, invalidArgument("page range exceeds the blob capacity")
		}

		buf, err := s.readFullObject(ctx, doc.ContentObject, doc.PageCapacity)
		if err != nil {
			return BlobResult{}, err
		}
		if content != nil {
			copy(buf[offset:offset+length], content)
		} else {
			zero(buf[offset : offset+length])
		}
		key := objectKey(container)
		info, err := s.store.WriteObject(ctx, key, bytes.NewReader(buf))
		if err != nil {
			return BlobResult{}, internalError(err)
		}

		next := doc.Clone()
		stale := ""
		if next.ContentObject != "" && !snapshotReferences(next, next.ContentObject) {
			stale = next.ContentObject
		}
		next.ContentObject = key
		next.ContentMD5 = info.MD5
		next.ETag = uuidv7.NewString()
		next.LastModifiedUnix = now
		if content != nil {
			next.PageRanges = addPageRange(next.PageRanges, offset, offset+length)
		} else {
			next.PageRanges = subtractPageRange(next.PageRanges, offset, offset+length)
		}
		if _, err := s.store.StoreBlob(ctx, container, blob, next, etag); err != nil {
			s.gcObjects(ctx, key)
			if err == storage.ErrCASMismatch {
				continue
			}
			return BlobResult{}, internalError(err)
		}
		s.gcObjects(ctx, stale)
		return s.blobResult(container, next), nil
	}
	return BlobResult{}, Failure{Code: CodeETagMismatch, Detail: "page update kept racing concurrent writers", HTTPStatus: 409}
}

// ReadPages reads an arbitrary byte range; never-written pages read as
// zeroes because the backing object is fully materialized.
func (s *Service) ReadPages(ctx context.Context, cmd ReadPagesCommand) ([]byte, error) {
	doc, _, err := s.loadBlob(ctx, cmd.Container, cmd.Blob)
	if err != nil {
		return nil, err
	}
	if doc.Kind != storage.BlobKindPage {
		return nil, invalidArgument("page operations are only valid on page blobs")
	}
	if cmd.Offset < 0 || cmd.Length <= 0 || cmd.Offset+cmd.Length > doc.PageCapacity {
		return nil, invalidArgument("read range exceeds the blob capacity")
	}
	buf, err := s.readFullObject(ctx, doc.ContentObject, doc.PageCapacity)
	if err != nil {
		return nil, err
	}
	return buf[cmd.Offset : cmd.Offset+cmd.Length], nil
}

// GetPageRanges reports coalesced written ranges.
func (s *Service) GetPageRanges(ctx context.Context, container, blob string) (PageRangesResult, error) {
	doc, _, err := s.loadBlob(ctx, container, blob)
	if err != nil {
		return PageRangesResult{}, err
	}
	if doc.Kind != storage.BlobKindPage {
		return PageRangesResult{}, invalidArgument("page operations are only valid on page blobs")
	}
	return PageRangesResult{
		Container: container,
		Blob:      blob,
		Capacity:  doc.PageCapacity,
		Ranges:    doc.PageRanges,
		ETag:      doc.ETag,
	}, nil
}

func (s *Service) readFullObject(ctx context.Context, object string, capacity int64) ([]byte, error) {
	if object == "" {
		return make([]byte, capacity), nil
	}
	rc, _, err := s.store.ReadObject(ctx, object)
	if err != nil {
		return nil, internalError(err)
	}
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		return nil, internalError(err)
	}
	if int64(len(buf)) < capacity {
		padded := make([]byte, capacity)
		copy(padded, buf)
		buf = padded
	}
	return buf, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// addPageRange inserts [start, end) and coalesces overlapping or adjacent
// ranges.
func addPageRange(ranges []storage.PageRangeDoc, start, end int64) []storage.PageRangeDoc {
	out := append(ranges, storage.PageRangeDoc{Start: start, End: end})
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	merged := out[:1]
	for _, r := range out[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return append([]storage.PageRangeDoc(nil), merged...)
}

// subtractPageRange removes [start, end) from the index, splitting ranges
// that straddle it.
func subtractPageRange(ranges []storage.PageRangeDoc, start, end int64) []storage.PageRangeDoc {
	var out []storage.PageRangeDoc
	for _, r := range ranges {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, storage.PageRangeDoc{Start: r.Start, End: start})
		}
		if r.End > end {
			out = append(out, storage.PageRangeDoc{Start: end, End: r.End})
		}
	}
	return out
}
