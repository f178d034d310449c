package core

import (
	"bytes"
	"context"
	"testing"
)

func TestUploadDownloadRoundTrip(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreateContainer(t, svc, "docs")

	up, err := svc.UploadBlob(ctx, UploadBlobCommand{
		Container:   "docs",
		Blob:        "hello.txt",
		Content:     []byte("hello world"),
		ContentType: "text/plain",
		Metadata:    map[string]string{"lang": "en"},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	down, err := svc.DownloadBlob(ctx, DownloadBlobCommand{Container: "docs", Blob: "hello.txt"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !bytes.Equal(down.Content, []byte("hello world")) {
		t.Fatalf("unexpected content %q", down.Content)
	}
	if down.ContentType != "text/plain" || down.Metadata["lang"] != "en" {
		t.Fatalf("properties lost: %+v", down.BlobResult)
	}
	if down.ETag != up.ETag || down.ContentMD5 == "" {
		t.Fatalf("etag/md5 mismatch: up=%+v down=%+v", up, down.BlobResult)
	}
}

func TestUploadIntoMissingContainer(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	_, err := svc.UploadBlob(context.Background(), UploadBlobCommand{Container: "absent", Blob: "x", Content: []byte("x")})
	if code := failureCode(t, err); code != CodeContainerNotFound {
		t.Fatalf("expected container_not_found, got %s", code)
	}
}

func TestOverwriteRollsETag(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreateContainer(t, svc, "docs")

	v1 := mustUpload(t, svc, "docs", "file", "one")
	v2 := mustUpload(t, svc, "docs", "file", "two")
	if v1.ETag == v2.ETag {
		t.Fatal("etag must change on every mutation")
	}
	down, err := svc.DownloadBlob(ctx, DownloadBlobCommand{Container: "docs", Blob: "file"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(down.Content) != "two" {
		t.Fatalf("unexpected content %q", down.Content)
	}
}

func TestCreateOnlyUpload(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreateContainer(t, svc, "docs")
	mustUpload(t, svc, "docs", "file", "one")

	_, err := svc.UploadBlob(ctx, UploadBlobCommand{
		Container: "docs", Blob: "file", Content: []byte("two"), CreateOnly: true,
	})
	if code := failureCode(t, err); code != CodeBlobAlreadyExists {
		t.Fatalf("expected blob_already_exists, got %s", code)
	}
}

func TestIfMatchGuardsOverwrite(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreateContainer(t, svc, "docs")
	v1 := mustUpload(t, svc, "docs", "file", "one")

	_, err := svc.UploadBlob(ctx, UploadBlobCommand{
		Container: "docs", Blob: "file", Content: []byte("two"),
		Condition: AccessCondition{IfMatch: "stale-etag"},
	})
	if code := failureCode(t, err); code != CodeETagMismatch {
		t.Fatalf("expected etag_mismatch, got %s", code)
	}
	if _, err := svc.UploadBlob(ctx, UploadBlobCommand{
		Container: "docs", Blob: "file", Content: []byte("two"),
		Condition: AccessCondition{IfMatch: v1.ETag},
	}); err != nil {
		t.Fatalf("conditional overwrite with current etag: %v", err)
	}
}

func TestDeleteBlobCascades(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreateContainer(t, svc, "docs")
	mustUpload(t, svc, "docs", "file", "one")
	if _, err := svc.Snapshot(ctx, SnapshotCommand{Container: "docs", Blob: "file"}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	err := svc.DeleteBlob(ctx, DeleteBlobCommand{Container: "docs", Blob: "file"})
	if code := failureCode(t, err); code != CodeSnapshotsPresent {
		t.Fatalf("expected snapshots_present, got %s", code)
	}

	if err := svc.DeleteBlob(ctx, DeleteBlobCommand{Container: "docs", Blob: "file", Cascade: CascadeSnapshotsOnly}); err != nil {
		t.Fatalf("snapshots-only delete: %v", err)
	}
	props, err := svc.GetBlobProperties(ctx, "docs", "file")
	if err != nil {
		t.Fatalf("props: %v", err)
	}
	if props.SnapshotCount != 0 {
		t.Fatalf("snapshots survived: %+v", props)
	}

	if _, err := svc.Snapshot(ctx, SnapshotCommand{Container: "docs", Blob: "file"}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := svc.DeleteBlob(ctx, DeleteBlobCommand{Container: "docs", Blob: "file", Cascade: CascadeIncludeSnapshots}); err != nil {
		t.Fatalf("include-snapshots delete: %v", err)
	}
	_, err = svc.GetBlobProperties(ctx, "docs", "file")
	if code := failureCode(t, err); code != CodeBlobNotFound {
		t.Fatalf("expected blob_not_found, got %s", code)
	}
}

func TestSetPropertiesRoundTrip(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreateContainer(t, svc, "docs")
	v1 := mustUpload(t, svc, "docs", "file", "one")

	updated, err := svc.SetBlobProperties(ctx, SetBlobPropertiesCommand{
		Container: "docs", Blob: "file", ContentType: "application/x-custom",
	})
	if err != nil {
		t.Fatalf("set properties: %v", err)
	}
	if updated.ETag == v1.ETag {
		t.Fatal("etag must roll on set properties")
	}
	got, err := svc.GetBlobProperties(ctx, "docs", "file")
	if err != nil {
		t.Fatalf("get properties: %v", err)
	}
	if got.ContentType != "application/x-custom" || got.ETag != updated.ETag {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestAppendBlob(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreateContainer(t, svc, "logs")

	if _, err := svc.UploadBlob(ctx, UploadBlobCommand{
		Container: "logs", Blob: "app.log", Kind: "append", Content: []byte("line1\n"),
	}); err != nil {
		t.Fatalf("create append blob: %v", err)
	}
	if _, err := svc.AppendBlock(ctx, AppendBlockCommand{Container: "logs", Blob: "app.log", Content: []byte("line2\n")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	down, err := svc.DownloadBlob(ctx, DownloadBlobCommand{Container: "logs", Blob: "app.log"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(down.Content) != "line1\nline2\n" {
		t.Fatalf("unexpected content %q", down.Content)
	}

	mustUpload(t, svc, "logs", "block.bin", "data")
	_, err = svc.AppendBlock(ctx, AppendBlockCommand{Container: "logs", Blob: "block.bin", Content: []byte("x")})
	if code := failureCode(t, err); code != CodeInvalidArgument {
		t.Fatalf("append to block blob should fail, got %s", code)
	}
}
