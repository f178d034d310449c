package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/blobd/internal/clock"
	"pkt.systems/blobd/internal/storage/memory"
)

func newTestService(t *testing.T) (*Service, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := New(Config{
		Store: memory.New(),
		Clock: clk,
		Keychain: NewStaticKeychain(map[string][]byte{
			"primary": []byte("test-signing-key"),
		}),
	})
	t.Cleanup(func() { svc.Close() })
	return svc, clk
}

func mustCreateContainer(t *testing.T, svc *Service, name string) {
	t.Helper()
	if _, err := svc.CreateContainer(context.Background(), CreateContainerCommand{Container: name}); err != nil {
		t.Fatalf("create container %s: %v", name, err)
	}
}

func mustUpload(t *testing.T, svc *Service, container, blob, content string) BlobResult {
	t.Helper()
	res, err := svc.UploadBlob(context.Background(), UploadBlobCommand{
		Container: container,
		Blob:      blob,
		Content:   []byte(content),
	})
	if err != nil {
		t.Fatalf("upload %s/%s: %v", container, blob, err)
	}
	return res
}

func failureCode(t *testing.T, err error) string {
	t.Helper()
	var f Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected Failure, got %T: %v", err, err)
	}
	return f.Code
}
