package core

import (
	"context"
	"time"

	"pkt.systems/blobd/internal/storage"
)

// RunStagedBlockSweeper periodically discards staged blocks that were never
// committed within the retention window. It blocks until ctx is cancelled or
// the service closes; callers run it in a goroutine.
func (s *Service) RunStagedBlockSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-s.clock.After(interval):
		}
		removed, err := s.SweepStagedBlocks(ctx)
		if err != nil {
			s.logger.Warn("staged block sweep failed", "error", err)
			continue
		}
		if removed > 0 {
			s.logger.Info("staged block sweep", "removed", removed)
		}
	}
}

// SweepStagedBlocks runs one sweep pass over every blob and reports how many
// staged blocks it discarded.
func (s *Service) SweepStagedBlocks(ctx context.Context) (int, error) {
	cutoff := s.nowUnix() - int64(s.stagedBlockRetention/time.Second)
	removed := 0
	containerAfter := ""
	for {
		containers, moreContainers, err := s.store.ListContainers(ctx, containerAfter, listBatch)
		if err != nil {
			return removed, internalError(err)
		}
		for _, container := range containers {
			n, err := s.sweepContainer(ctx, container, cutoff)
			if err != nil {
				return removed, err
			}
			removed += n
		}
		if !moreContainers {
			return removed, nil
		}
		if len(containers) > 0 {
			containerAfter = containers[len(containers)-1]
		}
	}
}

func (s *Service) sweepContainer(ctx context.Context, container string, cutoff int64) (int, error) {
	removed := 0
	blobAfter := ""
	for {
		blobs, more, err := s.store.ListBlobs(ctx, container, "", blobAfter, listBatch)
		if err != nil {
			return removed, internalError(err)
		}
		for _, blob := range blobs {
			doc, _, err := s.store.LoadBlob(ctx, container, blob)
			if err == storage.ErrNotFound {
				continue
			}
			if err != nil {
				return removed, internalError(err)
			}
			if !hasExpiredStagedBlocks(doc, cutoff) {
				continue
			}
			var stale []string
			_, _, err = s.mutateBlob(ctx, container, blob, func(doc *storage.BlobDoc) (bool, error) {
				stale = nil
				kept := doc.StagedBlocks[:0]
				for _, b := range doc.StagedBlocks {
					if b.StagedAtUnix < cutoff {
						stale = append(stale, b.Object)
						continue
					}
					kept = append(kept, b)
				}
				if len(stale) == 0 {
					return false, nil
				}
				doc.StagedBlocks = kept
				// Dropping uncommitted staging state is not a content
				// mutation; the ETag stays put.
				return true, nil
			})
			if err != nil {
				if f, ok := err.(Failure); ok && f.Code == CodeBlobNotFound {
					continue
				}
				return removed, err
			}
			s.gcObjects(ctx, stale...)
			removed += len(stale)
		}
		if !more {
			return removed, nil
		}
		if len(blobs) > 0 {
			blobAfter = blobs[len(blobs)-1]
		}
	}
}

func hasExpiredStagedBlocks(doc *storage.BlobDoc, cutoff int64) bool {
	for _, b := range doc.StagedBlocks {
		if b.StagedAtUnix < cutoff {
			return true
		}
	}
	return false
}
