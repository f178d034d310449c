package client

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/blobd"
	"pkt.systems/blobd/api"
)

func startTestServer(t *testing.T, cfg blobd.Config) *blobd.Server {
	t.Helper()
	if cfg.Store == "" {
		cfg.Store = "mem://"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	srv, stop, err := blobd.StartServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		if err := stop(context.Background()); err != nil {
			t.Errorf("stop server: %v", err)
		}
	})
	return srv
}

func newTestClient(t *testing.T, srv *blobd.Server, opts ...Option) *Client {
	t.Helper()
	cli, err := New("http://"+srv.ListenerAddr().String(), opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { cli.Close() })
	return cli
}

func waitFor(t *testing.T, timeout, interval time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}

func TestClientBlobRoundtrip(t *testing.T) {
	srv := startTestServer(t, blobd.Config{})
	cli := newTestClient(t, srv)
	ctx := context.Background()

	if err := cli.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if _, err := cli.CreateContainer(ctx, api.CreateContainerRequest{Container: "docs"}); err != nil {
		t.Fatalf("create container: %v", err)
	}
	uploaded, err := cli.Upload(ctx, api.UploadBlobRequest{
		Container:   "docs",
		Blob:        "notes/today.txt",
		Content:     []byte("remember the milk"),
		ContentType: "text/plain",
		Metadata:    map[string]string{"owner": "me"},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uploaded.ETag == "" {
		t.Fatal("expected upload etag")
	}
	got, err := cli.Download(ctx, api.DownloadBlobRequest{Container: "docs", Blob: "notes/today.txt"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(got.Content) != "remember the milk" {
		t.Fatalf("unexpected content %q", got.Content)
	}
	props, err := cli.GetBlobProperties(ctx, "docs", "notes/today.txt")
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if props.ContentType != "text/plain" || props.Metadata["owner"] != "me" {
		t.Fatalf("unexpected properties %+v", props)
	}
	listed, err := cli.ListBlobs(ctx, api.ListBlobsRequest{Container: "docs", Delimiter: "/"})
	if err != nil {
		t.Fatalf("list blobs: %v", err)
	}
	if len(listed.Prefixes) != 1 || listed.Prefixes[0] != "notes/" {
		t.Fatalf("expected virtual directory notes/, got %+v", listed.Prefixes)
	}
	exists, err := cli.BlobExists(ctx, "docs", "notes/today.txt")
	if err != nil || !exists {
		t.Fatalf("expected blob to exist, got exists=%v err=%v", exists, err)
	}
	if err := cli.DeleteBlob(ctx, api.DeleteBlobRequest{Container: "docs", Blob: "notes/today.txt"}); err != nil {
		t.Fatalf("delete blob: %v", err)
	}
	exists, err = cli.BlobExists(ctx, "docs", "notes/today.txt")
	if err != nil || exists {
		t.Fatalf("expected blob gone, got exists=%v err=%v", exists, err)
	}
	_, err = cli.Download(ctx, api.DownloadBlobRequest{Container: "docs", Blob: "notes/today.txt"})
	if !IsNotFound(err) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}

func TestClientSnapshotPromote(t *testing.T) {
	srv := startTestServer(t, blobd.Config{})
	cli := newTestClient(t, srv)
	ctx := context.Background()

	if _, err := cli.CreateContainer(ctx, api.CreateContainerRequest{Container: "vault"}); err != nil {
		t.Fatalf("create container: %v", err)
	}
	if _, err := cli.Upload(ctx, api.UploadBlobRequest{Container: "vault", Blob: "cfg", Content: []byte("v1")}); err != nil {
		t.Fatalf("upload v1: %v", err)
	}
	snap, err := cli.Snapshot(ctx, api.SnapshotRequest{Container: "vault", Blob: "cfg"})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := cli.Upload(ctx, api.UploadBlobRequest{Container: "vault", Blob: "cfg", Content: []byte("v2")}); err != nil {
		t.Fatalf("upload v2: %v", err)
	}
	if _, err := cli.PromoteSnapshot(ctx, api.PromoteSnapshotRequest{Container: "vault", Blob: "cfg", Snapshot: snap.Snapshot}); err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, err := cli.Download(ctx, api.DownloadBlobRequest{Container: "vault", Blob: "cfg"})
	if err != nil {
		t.Fatalf("download promoted: %v", err)
	}
	if string(got.Content) != "v1" {
		t.Fatalf("expected promoted content v1, got %q", got.Content)
	}
	snaps, err := cli.ListSnapshots(ctx, "vault", "cfg")
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps.Blobs) == 0 {
		t.Fatal("expected at least one snapshot")
	}
}

func TestClientBlocksAndCopy(t *testing.T) {
	srv := startTestServer(t, blobd.Config{})
	cli := newTestClient(t, srv)
	ctx := context.Background()

	if _, err := cli.CreateContainer(ctx, api.CreateContainerRequest{Container: "media"}); err != nil {
		t.Fatalf("create container: %v", err)
	}
	for _, block := range []struct{ id, body string }{
		{"b1", "part one "},
		{"b2", "part two"},
	} {
		if err := cli.StageBlock(ctx, api.StageBlockRequest{
			Container: "media", Blob: "clip", BlockID: block.id, Content: []byte(block.body),
		}); err != nil {
			t.Fatalf("stage %s: %v", block.id, err)
		}
	}
	if _, err := cli.CommitBlockList(ctx, api.CommitBlockListRequest{
		Container: "media", Blob: "clip", BlockIDs: []string{"b1", "b2"},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	blocks, err := cli.GetBlockList(ctx, "media", "clip")
	if err != nil {
		t.Fatalf("block list: %v", err)
	}
	if len(blocks.Blocks) != 2 || !blocks.Blocks[0].Committed {
		t.Fatalf("unexpected block list %+v", blocks.Blocks)
	}

	started, err := cli.StartCopy(ctx, api.StartCopyRequest{
		SourceContainer: "media", SourceBlob: "clip",
		TargetContainer: "media", TargetBlob: "clip-copy",
	})
	if err != nil {
		t.Fatalf("start copy: %v", err)
	}
	if started.CopyID == "" {
		t.Fatal("expected copy id")
	}
	waitFor(t, 5*time.Second, 10*time.Millisecond, func() bool {
		status, err := cli.CopyStatus(ctx, "media", "clip-copy")
		return err == nil && status.Status == "success"
	})
	got, err := cli.Download(ctx, api.DownloadBlobRequest{Container: "media", Blob: "clip-copy"})
	if err != nil {
		t.Fatalf("download copy: %v", err)
	}
	if string(got.Content) != "part one part two" {
		t.Fatalf("unexpected copied content %q", got.Content)
	}
}

func TestClientLeaseGuardsWrites(t *testing.T) {
	srv := startTestServer(t, blobd.Config{})
	cli := newTestClient(t, srv)
	ctx := context.Background()

	if _, err := cli.CreateContainer(ctx, api.CreateContainerRequest{Container: "locked"}); err != nil {
		t.Fatalf("create container: %v", err)
	}
	if _, err := cli.Upload(ctx, api.UploadBlobRequest{Container: "locked", Blob: "state", Content: []byte("a")}); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	lease, err := cli.BlobLease(ctx, api.LeaseRequest{
		Container: "locked", Blob: "state",
		Action:          api.LeaseActionAcquire,
		DurationSeconds: -1,
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.State != "leased" || lease.LeaseID == "" {
		t.Fatalf("unexpected lease %+v", lease)
	}
	_, err = cli.Upload(ctx, api.UploadBlobRequest{Container: "locked", Blob: "state", Content: []byte("b")})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "lease_id_missing" {
		t.Fatalf("expected lease_id_missing, got %v", err)
	}
	if _, err := cli.Upload(ctx, api.UploadBlobRequest{
		Container: "locked", Blob: "state", Content: []byte("b"), LeaseID: lease.LeaseID,
	}); err != nil {
		t.Fatalf("upload with lease: %v", err)
	}
	if _, err := cli.BlobLease(ctx, api.LeaseRequest{
		Container: "locked", Blob: "state",
		Action:  api.LeaseActionRelease,
		LeaseID: lease.LeaseID,
	}); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestClientSASAuthorization(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(keyFile, []byte("keys:\n  primary: super-secret\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	srv := startTestServer(t, blobd.Config{KeyFile: keyFile, RequireAuth: true})
	anon := newTestClient(t, srv)
	ctx := context.Background()

	_, err := anon.CreateContainer(ctx, api.CreateContainerRequest{Container: "private"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 403 {
		t.Fatalf("expected anonymous write rejection, got %v", err)
	}

	signed, err := anon.SignSAS(ctx, api.SignSASRequest{
		KeyName:     "primary",
		Scope:       "account",
		Permissions: "rwcld",
		ExpiryUnix:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	verdict, err := anon.ValidateSAS(ctx, api.ValidateSASRequest{
		Token: signed.Token, Scope: "account", Permission: "w",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if verdict.Decision != "ok" {
		t.Fatalf("expected ok decision, got %q", verdict.Decision)
	}

	authed := newTestClient(t, srv, WithSASToken(signed.Token))
	if _, err := authed.CreateContainer(ctx, api.CreateContainerRequest{Container: "private"}); err != nil {
		t.Fatalf("authorized create: %v", err)
	}
	if _, err := authed.Upload(ctx, api.UploadBlobRequest{Container: "private", Blob: "doc", Content: []byte("x")}); err != nil {
		t.Fatalf("authorized upload: %v", err)
	}
	if _, err := authed.Download(ctx, api.DownloadBlobRequest{Container: "private", Blob: "doc"}); err != nil {
		t.Fatalf("authorized download: %v", err)
	}
}

func TestClientUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "blobd.sock")
	srv := startTestServer(t, blobd.Config{Listen: sock, ListenProto: "unix"})
	_ = srv
	cli, err := New("unix://" + sock)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer cli.Close()
	if err := cli.Health(context.Background()); err != nil {
		t.Fatalf("health over unix socket: %v", err)
	}
}
