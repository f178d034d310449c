package disk

import (
	"bytes"
	"context"
	"io"
	"testing"

	"pkt.systems/blobd/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	return store
}

func TestContainerCASLifecycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	etag, err := store.StoreContainer(ctx, "logs", &storage.ContainerDoc{Name: "logs"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.StoreContainer(ctx, "logs", &storage.ContainerDoc{Name: "logs"}, ""); err != storage.ErrCASMismatch {
		t.Fatalf("expected create-only mismatch, got %v", err)
	}
	doc, gotETag, err := store.LoadContainer(ctx, "logs")
	if err != nil || gotETag != etag {
		t.Fatalf("load: %v etag=%q want %q", err, gotETag, etag)
	}
	doc.PublicAccess = storage.PublicAccessBlob
	if _, err := store.StoreContainer(ctx, "logs", doc, "stale"); err != storage.ErrCASMismatch {
		t.Fatalf("expected stale mismatch, got %v", err)
	}
	newETag, err := store.StoreContainer(ctx, "logs", doc, etag)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.DeleteContainer(ctx, "logs", "bogus"); err != storage.ErrCASMismatch {
		t.Fatalf("expected delete mismatch, got %v", err)
	}
	if err := store.DeleteContainer(ctx, "logs", newETag); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := store.LoadContainer(ctx, "logs"); err != storage.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBlobNamesWithSlashesAndListing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	names := []string{"level1/a.txt", "level1/level2/b.txt", "top.txt"}
	for _, name := range names {
		if _, err := store.StoreBlob(ctx, "docs", name, &storage.BlobDoc{Name: name}, ""); err != nil {
			t.Fatalf("store %q: %v", name, err)
		}
	}
	got, truncated, err := store.ListBlobs(ctx, "docs", "", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if truncated || len(got) != 3 {
		t.Fatalf("unexpected listing %v truncated=%v", got, truncated)
	}
	for i, want := range []string{"level1/a.txt", "level1/level2/b.txt", "top.txt"} {
		if got[i] != want {
			t.Fatalf("position %d: got %q want %q", i, got[i], want)
		}
	}
	loaded, _, err := store.LoadBlob(ctx, "docs", "level1/level2/b.txt")
	if err != nil || loaded.Name != "level1/level2/b.txt" {
		t.Fatalf("load nested name: %v %+v", err, loaded)
	}
}

func TestObjectWriteReadPurge(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte("x"), 4096)
	info, err := store.WriteObject(ctx, "docs/v/0001", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if info.Size != int64(len(payload)) || info.MD5 == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	rc, gotInfo, err := store.ReadObject(ctx, "docs/v/0001")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(data, payload) || gotInfo.Size != info.Size {
		t.Fatalf("round trip mismatch: %d bytes, info %+v", len(data), gotInfo)
	}
	if err := store.PurgeContainerBlobs(ctx, "docs"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, _, err := store.ReadObject(ctx, "docs/v/0001"); err != storage.ErrNotFound {
		t.Fatalf("expected purged object missing, got %v", err)
	}
}
