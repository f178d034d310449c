package memory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"pkt.systems/blobd/internal/storage"
)

func TestContainerDocLifecycle(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	doc := &storage.ContainerDoc{Name: "media", CreatedAtUnix: 100}
	etag, err := store.StoreContainer(ctx, "media", doc, "")
	if err != nil {
		t.Fatalf("store container: %v", err)
	}
	if _, err := store.StoreContainer(ctx, "media", doc, ""); err != storage.ErrCASMismatch {
		t.Fatalf("expected create-only cas mismatch, got %v", err)
	}
	got, gotETag, err := store.LoadContainer(ctx, "media")
	if err != nil {
		t.Fatalf("load container: %v", err)
	}
	if gotETag != etag || got.Name != "media" {
		t.Fatalf("unexpected load result %q %q", got.Name, gotETag)
	}
	got.Metadata = map[string]string{"env": "prod"}
	newETag, err := store.StoreContainer(ctx, "media", got, gotETag)
	if err != nil {
		t.Fatalf("update container: %v", err)
	}
	if _, err := store.StoreContainer(ctx, "media", got, etag); err != storage.ErrCASMismatch {
		t.Fatalf("expected stale cas mismatch, got %v", err)
	}
	if err := store.DeleteContainer(ctx, "media", newETag); err != nil {
		t.Fatalf("delete container: %v", err)
	}
	if _, _, err := store.LoadContainer(ctx, "media"); err != storage.ErrNotFound {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestBlobDocCloneIsolation(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	doc := &storage.BlobDoc{
		Name:     "report.txt",
		Kind:     storage.BlobKindBlock,
		Metadata: map[string]string{"owner": "ops"},
	}
	etag, err := store.StoreBlob(ctx, "media", "report.txt", doc, "")
	if err != nil {
		t.Fatalf("store blob: %v", err)
	}
	doc.Metadata["owner"] = "mutated"
	got, _, err := store.LoadBlob(ctx, "media", "report.txt")
	if err != nil {
		t.Fatalf("load blob: %v", err)
	}
	if got.Metadata["owner"] != "ops" {
		t.Fatalf("stored doc aliased caller map: %q", got.Metadata["owner"])
	}
	got.Snapshots = append(got.Snapshots, storage.SnapshotDoc{ID: "snap"})
	again, _, err := store.LoadBlob(ctx, "media", "report.txt")
	if err != nil {
		t.Fatalf("reload blob: %v", err)
	}
	if len(again.Snapshots) != 0 {
		t.Fatalf("loaded doc aliased stored snapshots")
	}
	_ = etag
}

func TestListBlobsPrefixAndPaging(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	for _, name := range []string{"a/1", "a/2", "a/3", "b/1"} {
		if _, err := store.StoreBlob(ctx, "c", name, &storage.BlobDoc{Name: name}, ""); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	names, truncated, err := store.ListBlobs(ctx, "c", "a/", "", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !truncated || len(names) != 2 || names[0] != "a/1" || names[1] != "a/2" {
		t.Fatalf("unexpected first page %v truncated=%v", names, truncated)
	}
	names, truncated, err = store.ListBlobs(ctx, "c", "a/", names[1], 2)
	if err != nil {
		t.Fatalf("list resume: %v", err)
	}
	if truncated || len(names) != 1 || names[0] != "a/3" {
		t.Fatalf("unexpected second page %v truncated=%v", names, truncated)
	}
}

func TestObjectRoundTrip(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	payload := []byte("hello world")
	info, err := store.WriteObject(ctx, "c/obj/1", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("write object: %v", err)
	}
	if info.Size != int64(len(payload)) || info.MD5 == "" {
		t.Fatalf("unexpected object info %+v", info)
	}
	rc, gotInfo, err := store.ReadObject(ctx, "c/obj/1")
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || !bytes.Equal(data, payload) {
		t.Fatalf("unexpected payload %q err=%v", data, err)
	}
	if gotInfo.MD5 != info.MD5 {
		t.Fatalf("md5 mismatch %q vs %q", gotInfo.MD5, info.MD5)
	}
	if err := store.PurgeContainerBlobs(ctx, "c"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, _, err := store.ReadObject(ctx, "c/obj/1"); err != storage.ErrNotFound {
		t.Fatalf("expected purge to drop object, got %v", err)
	}
}
