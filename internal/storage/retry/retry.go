package retry

import (
	"context"
	"io"
	"time"

	"pkt.systems/blobd/internal/clock"
	"pkt.systems/blobd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
// Only errors marked transient by the inner backend are retried, so CAS
// conflicts and not-found conditions always surface immediately.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{inner: inner, logger: logger, clock: clk, cfg: cfg}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) LoadContainer(ctx context.Context, name string) (*storage.ContainerDoc, string, error) {
	var doc *storage.ContainerDoc
	var etag string
	err := b.withRetry(ctx, "load_container", name, func(ctx context.Context) error {
		var err error
		doc, etag, err = b.inner.LoadContainer(ctx, name)
		return err
	})
	return doc, etag, err
}

func (b *backend) StoreContainer(ctx context.Context, name string, doc *storage.ContainerDoc, expectedETag string) (string, error) {
	var etag string
	err := b.withRetry(ctx, "store_container", name, func(ctx context.Context) error {
		var err error
		etag, err = b.inner.StoreContainer(ctx, name, doc, expectedETag)
		return err
	})
	return etag, err
}

func (b *backend) DeleteContainer(ctx context.Context, name string, expectedETag string) error {
	return b.withRetry(ctx, "delete_container", name, func(ctx context.Context) error {
		return b.inner.DeleteContainer(ctx, name, expectedETag)
	})
}

func (b *backend) ListContainers(ctx context.Context, startAfter string, limit int) ([]string, bool, error) {
	var names []string
	var truncated bool
	err := b.withRetry(ctx, "list_containers", "", func(ctx context.Context) error {
		var err error
		names, truncated, err = b.inner.ListContainers(ctx, startAfter, limit)
		return err
	})
	return names, truncated, err
}

func (b *backend) LoadBlob(ctx context.Context, container, name string) (*storage.BlobDoc, string, error) {
	var doc *storage.BlobDoc
	var etag string
	err := b.withRetry(ctx, "load_blob", container+"/"+name, func(ctx context.Context) error {
		var err error
		doc, etag, err = b.inner.LoadBlob(ctx, container, name)
		return err
	})
	return doc, etag, err
}

func (b *backend) StoreBlob(ctx context.Context, container, name string, doc *storage.BlobDoc, expectedETag string) (string, error) {
	var etag string
	err := b.withRetry(ctx, "store_blob", container+"/"+name, func(ctx context.Context) error {
		var err error
		etag, err = b.inner.StoreBlob(ctx, container, name, doc, expectedETag)
		return err
	})
	return etag, err
}

func (b *backend) DeleteBlob(ctx context.Context, container, name string, expectedETag string) error {
	return b.withRetry(ctx, "delete_blob", container+"/"+name, func(ctx context.Context) error {
		return b.inner.DeleteBlob(ctx, container, name, expectedETag)
	})
}

func (b *backend) ListBlobs(ctx context.Context, container, prefix, startAfter string, limit int) ([]string, bool, error) {
	var names []string
	var truncated bool
	err := b.withRetry(ctx, "list_blobs", container, func(ctx context.Context) error {
		var err error
		names, truncated, err = b.inner.ListBlobs(ctx, container, prefix, startAfter, limit)
		return err
	})
	return names, truncated, err
}

func (b *backend) PurgeContainerBlobs(ctx context.Context, container string) error {
	return b.withRetry(ctx, "purge_container_blobs", container, func(ctx context.Context) error {
		return b.inner.PurgeContainerBlobs(ctx, container)
	})
}

// WriteObject is not retried: the reader may already be partially consumed
// by a failed attempt, so replays must be driven by the caller.
func (b *backend) WriteObject(ctx context.Context, key string, r io.Reader) (storage.ObjectInfo, error) {
	return b.inner.WriteObject(ctx, key, r)
}

func (b *backend) ReadObject(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	var rc io.ReadCloser
	var info storage.ObjectInfo
	err := b.withRetry(ctx, "read_object", key, func(ctx context.Context) error {
		var err error
		rc, info, err = b.inner.ReadObject(ctx, key)
		return err
	})
	return rc, info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string) error {
	return b.withRetry(ctx, "delete_object", key, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, key)
	})
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	if attempts <= 1 {
		return fn(ctx)
	}
	delay := b.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
