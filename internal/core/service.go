package core

import (
	"context"
	"sync"
	"time"

	"pkt.systems/blobd/internal/clock"
	"pkt.systems/blobd/internal/storage"
	"pkt.systems/blobd/internal/svcfields"
	"pkt.systems/blobd/internal/uuidv7"
	"pkt.systems/pslog"
)

// Defaults applied by New when Config leaves fields zero.
const (
	DefaultListPageSize         = 1000
	MaxListPageSize             = 5000
	DefaultStagedBlockRetention = 7 * 24 * time.Hour
	DefaultMaxBlobBytes         = 256 << 20
	DefaultMaxPageCapacity      = 256 << 20
)

// PageSize is the page-blob alignment unit. Offsets, lengths, and capacities
// must be multiples of this.
const PageSize = 512

// Config wires the Service's dependencies and tuning knobs.
type Config struct {
	Store  storage.Backend
	Logger pslog.Logger
	Clock  clock.Clock
	// Keychain supplies account signing keys and is optional; SAS operations
	// fail when it is absent.
	Keychain *Keychain

	ListPageSize         int
	MaxBlobBytes         int64
	MaxPageCapacity      int64
	StagedBlockRetention time.Duration
}

// Service is the transport-agnostic blob engine: object store, snapshots,
// leases, listings, access signatures, block/page/append semantics, and copy
// machinery over a storage.Backend.
type Service struct {
	store    storage.Backend
	logger   pslog.Logger
	clock    clock.Clock
	keychain *Keychain
	metrics  *serviceMetrics

	listPageSize         int
	maxBlobBytes         int64
	maxPageCapacity      int64
	stagedBlockRetention time.Duration

	copyWG sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs the Service with sane defaults.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.ListPageSize <= 0 {
		cfg.ListPageSize = DefaultListPageSize
	}
	if cfg.MaxBlobBytes <= 0 {
		cfg.MaxBlobBytes = DefaultMaxBlobBytes
	}
	if cfg.MaxPageCapacity <= 0 {
		cfg.MaxPageCapacity = DefaultMaxPageCapacity
	}
	if cfg.StagedBlockRetention <= 0 {
		cfg.StagedBlockRetention = DefaultStagedBlockRetention
	}
	return &Service{
		store:                cfg.Store,
		logger:               svcfields.WithSubsystem(logger, "core"),
		clock:                clk,
		keychain:             cfg.Keychain,
		metrics:              newServiceMetrics(clk),
		listPageSize:         cfg.ListPageSize,
		maxBlobBytes:         cfg.MaxBlobBytes,
		maxPageCapacity:      cfg.MaxPageCapacity,
		stagedBlockRetention: cfg.StagedBlockRetention,
		closed:               make(chan struct{}),
	}
}

// Close waits for in-flight async copies and releases the backend.
func (s *Service) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.copyWG.Wait()
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Service) now() time.Time { return s.clock.Now() }

func (s *Service) nowUnix() int64 { return s.clock.Now().Unix() }

// loadContainer maps storage sentinels onto the service error taxonomy.
func (s *Service) loadContainer(ctx context.Context, name string) (*storage.ContainerDoc, string, error) {
	doc, etag, err := s.store.LoadContainer(ctx, name)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, "", containerNotFound(name)
		}
		return nil, "", internalError(err)
	}
	return doc, etag, nil
}

func (s *Service) loadBlob(ctx context.Context, container, name string) (*storage.BlobDoc, string, error) {
	doc, etag, err := s.store.LoadBlob(ctx, container, name)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, "", blobNotFound(container, name)
		}
		return nil, "", internalError(err)
	}
	return doc, etag, nil
}

const mutateAttempts = 5

// mutateContainer runs fn against the current container document and stores
// the result under CAS, retrying a bounded number of times on write races.
// fn sees the document's CAS ETag (the container's visible version) and may
// return (false, nil) to skip the store when nothing changed.
func (s *Service) mutateContainer(ctx context.Context, name string, fn func(doc *storage.ContainerDoc, etag string) (bool, error)) (*storage.ContainerDoc, string, error) {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		doc, etag, err := s.loadContainer(ctx, name)
		if err != nil {
			return nil, "", err
		}
		doc = doc.Clone()
		dirty, err := fn(doc, etag)
		if err != nil {
			return nil, "", err
		}
		if !dirty {
			return doc, etag, nil
		}
		newETag, err := s.store.StoreContainer(ctx, name, doc, etag)
		if err == storage.ErrCASMismatch {
			continue
		}
		if err != nil {
			return nil, "", internalError(err)
		}
		return doc, newETag, nil
	}
	return nil, "", Failure{Code: CodeETagMismatch, Detail: "container update kept racing concurrent writers", HTTPStatus: 409}
}

// mutateBlob mirrors mutateContainer for blob documents. fn sees a clone and
// must bump ETag/LastModified itself when it changes durable content.
func (s *Service) mutateBlob(ctx context.Context, container, name string, fn func(doc *storage.BlobDoc) (bool, error)) (*storage.BlobDoc, string, error) {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		doc, etag, err := s.loadBlob(ctx, container, name)
		if err != nil {
			return nil, "", err
		}
		doc = doc.Clone()
		dirty, err := fn(doc)
		if err != nil {
			return nil, "", err
		}
		if !dirty {
			return doc, etag, nil
		}
		newETag, err := s.store.StoreBlob(ctx, container, name, doc, etag)
		if err == storage.ErrCASMismatch {
			continue
		}
		if err != nil {
			return nil, "", internalError(err)
		}
		return doc, newETag, nil
	}
	return nil, "", Failure{Code: CodeETagMismatch, Detail: "blob update kept racing concurrent writers", HTTPStatus: 409}
}

// requireContainer verifies existence without returning the document.
func (s *Service) requireContainer(ctx context.Context, name string) error {
	_, _, err := s.loadContainer(ctx, name)
	return err
}

// objectKey allocates a fresh content-object key below the container. The
// first path segment must be the container name so PurgeContainerBlobs can
// sweep objects by prefix.
func objectKey(container string) string {
	return container + "/" + uuidv7.NewString()
}
