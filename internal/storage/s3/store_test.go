package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/blobd/internal/storage"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "blobd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	endpoint := strings.TrimPrefix(server.URL, "http://")
	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		Bucket:         bucket,
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

func TestContainerDocLifecycle(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	doc := &storage.ContainerDoc{Name: "media", CreatedAtUnix: 7}
	initialETag, err := store.StoreContainer(ctx, "media", doc, "")
	if err != nil {
		t.Fatalf("store container create: %v", err)
	}
	got, gotETag, err := store.LoadContainer(ctx, "media")
	if err != nil {
		t.Fatalf("load container: %v", err)
	}
	if got.CreatedAtUnix != 7 || gotETag != initialETag {
		t.Fatalf("unexpected load %+v etag=%q", got, gotETag)
	}
	doc.PublicAccess = storage.PublicAccessContainer
	newETag, err := store.StoreContainer(ctx, "media", doc, gotETag)
	if err != nil {
		t.Fatalf("store container update: %v", err)
	}
	if _, err := store.StoreContainer(ctx, "media", doc, "bogus"); err != storage.ErrCASMismatch {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.DeleteContainer(ctx, "media", "wrong"); err != storage.ErrCASMismatch {
		t.Fatalf("expected delete cas mismatch, got %v", err)
	}
	if err := store.DeleteContainer(ctx, "media", newETag); err != nil {
		t.Fatalf("delete container: %v", err)
	}
	if err := store.DeleteContainer(ctx, "media", initialETag); err != storage.ErrNotFound {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestBlobDocListing(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	for _, name := range []string{"logs/a", "logs/b", "data/c"} {
		if _, err := store.StoreBlob(ctx, "bucket1", name, &storage.BlobDoc{Name: name}, ""); err != nil {
			t.Fatalf("store blob %q: %v", name, err)
		}
	}
	names, truncated, err := store.ListBlobs(ctx, "bucket1", "logs/", "", 1)
	if err != nil {
		t.Fatalf("list blobs: %v", err)
	}
	if !truncated || len(names) != 1 || names[0] != "logs/a" {
		t.Fatalf("unexpected page %v truncated=%v", names, truncated)
	}
	names, truncated, err = store.ListBlobs(ctx, "bucket1", "logs/", "logs/a", 10)
	if err != nil {
		t.Fatalf("list blobs resume: %v", err)
	}
	if truncated || len(names) != 1 || names[0] != "logs/b" {
		t.Fatalf("unexpected resume page %v truncated=%v", names, truncated)
	}
}

func TestObjectLifecycleAndPurge(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	payload := []byte("content bytes")
	info, err := store.WriteObject(ctx, "bucket1/v/0001", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("write object: %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("unexpected size %d", info.Size)
	}
	rc, gotInfo, err := store.ReadObject(ctx, "bucket1/v/0001")
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || !bytes.Equal(data, payload) {
		t.Fatalf("round trip mismatch %q err=%v", data, err)
	}
	if gotInfo.Size != info.Size {
		t.Fatalf("info mismatch %+v vs %+v", gotInfo, info)
	}
	if _, err := store.StoreBlob(ctx, "bucket1", "v-blob", &storage.BlobDoc{Name: "v-blob"}, ""); err != nil {
		t.Fatalf("store blob doc: %v", err)
	}
	if err := store.PurgeContainerBlobs(ctx, "bucket1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, _, err := store.ReadObject(ctx, "bucket1/v/0001"); err != storage.ErrNotFound {
		t.Fatalf("expected purged object missing, got %v", err)
	}
	if _, _, err := store.LoadBlob(ctx, "bucket1", "v-blob"); err != storage.ErrNotFound {
		t.Fatalf("expected purged blob doc missing, got %v", err)
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, expected: true},
		{name: "io EOF", err: io.EOF, expected: true},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}
