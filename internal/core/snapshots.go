package core

import (
	"context"
	"fmt"
	"io"
	"time"

	"pkt.systems/blobd/internal/storage"
	"pkt.systems/blobd/internal/uuidv7"
)

// snapshotIDLayout is fixed-width so snapshot IDs sort lexicographically in
// creation order.
const snapshotIDLayout = "2006-01-02T15:04:05.0000000Z"

func findSnapshot(doc *storage.BlobDoc, id string) (storage.SnapshotDoc, bool) {
	for _, snap := range doc.Snapshots {
		if snap.ID == id {
			return snap, true
		}
	}
	return storage.SnapshotDoc{}, false
}

// snapshotID derives a collision-free identifier from the creation time. Two
// snapshots within the same clock tick get a numeric disambiguator.
func snapshotID(doc *storage.BlobDoc, at time.Time) string {
	base := at.UTC().Format(snapshotIDLayout)
	id := base
	for n := 1; ; n++ {
		if _, exists := findSnapshot(doc, id); !exists {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// Snapshot captures the blob's current content and metadata as an immutable
// version. The snapshot shares the base version's content object; overwrites
// of the base always allocate a fresh object, so the shared one never
// changes. Snapshot creation does not require the lease ID.
func (s *Service) Snapshot(ctx context.Context, cmd SnapshotCommand) (SnapshotResult, error) {
	start := s.now()
	res, err := s.snapshot(ctx, cmd)
	s.metrics.record(ctx, "blob.snapshot", start, err)
	return res, err
}

func (s *Service) snapshot(ctx context.Context, cmd SnapshotCommand) (SnapshotResult, error) {
	var result SnapshotResult
	_, _, err := s.mutateBlob(ctx, cmd.Container, cmd.Blob, func(doc *storage.BlobDoc) (bool, error) {
		at := s.now()
		snap := storage.SnapshotDoc{
			ID:            snapshotID(doc, at),
			CreatedAtUnix: at.Unix(),
			ContentObject: doc.ContentObject,
			ContentLength: doc.ContentLength,
			ContentType:   doc.ContentType,
			ContentMD5:    doc.ContentMD5,
			ETag:          uuidv7.NewString(),
			Metadata:      doc.Metadata,
		}
		if cmd.Metadata != nil {
			snap.Metadata = cmd.Metadata
		}
		// The base version's ETag stays put: a snapshot is not a mutation of
		// the base content.
		doc.Snapshots = append(doc.Snapshots, snap)
		result = SnapshotResult{Container: cmd.Container, Blob: cmd.Blob, Snapshot: snap.ID, ETag: snap.ETag}
		return true, nil
	})
	if err != nil {
		return SnapshotResult{}, err
	}
	return result, nil
}

// ListSnapshots returns the blob's snapshots in creation order.
func (s *Service) ListSnapshots(ctx context.Context, container, blob string) ([]BlobResult, error) {
	doc, _, err := s.loadBlob(ctx, container, blob)
	if err != nil {
		return nil, err
	}
	leaseState := leaseView(doc.Lease, s.nowUnix())
	results := make([]BlobResult, 0, len(doc.Snapshots))
	for _, snap := range doc.Snapshots {
		results = append(results, snapshotResult(container, blob, snap, leaseState))
	}
	return results, nil
}

// PromoteSnapshot copies a snapshot's content and metadata into a writable
// blob, by default the snapshot's own base. The target gets its own content
// object; the snapshot stays immutable.
func (s *Service) PromoteSnapshot(ctx context.Context, cmd PromoteSnapshotCommand) (BlobResult, error) {
	start := s.now()
	res, err := s.promoteSnapshot(ctx, cmd)
	s.metrics.record(ctx, "blob.promote", start, err)
	return res, err
}

func (s *Service) promoteSnapshot(ctx context.Context, cmd PromoteSnapshotCommand) (BlobResult, error) {
	doc, _, err := s.loadBlob(ctx, cmd.Container, cmd.Blob)
	if err != nil {
		return BlobResult{}, err
	}
	snap, ok := findSnapshot(doc, cmd.Snapshot)
	if !ok {
		return BlobResult{}, snapshotNotFound(cmd.Container, cmd.Blob, cmd.Snapshot)
	}
	var content []byte
	if snap.ContentObject != "" {
		rc, _, err := s.store.ReadObject(ctx, snap.ContentObject)
		if err != nil {
			return BlobResult{}, internalError(err)
		}
		content, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return BlobResult{}, internalError(err)
		}
	}
	targetContainer := cmd.TargetContainer
	if targetContainer == "" {
		targetContainer = cmd.Container
	}
	targetBlob := cmd.TargetBlob
	if targetBlob == "" {
		targetBlob = cmd.Blob
	}
	return s.uploadBlob(ctx, UploadBlobCommand{
		Container:   targetContainer,
		Blob:        targetBlob,
		Content:     content,
		ContentType: snap.ContentType,
		Metadata:    snap.Metadata,
		Condition:   cmd.Condition,
	})
}
