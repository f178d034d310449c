package blobd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/blobd/api"
)

func postJSON(t *testing.T, base, path string, payload any, out any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(base+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp
}

func TestServerRoundtrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cfg := Config{Store: "mem://", Listen: "127.0.0.1:0"}
	srv, stop, err := StartServer(ctx, cfg)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer func() {
		if err := stop(context.Background()); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}()
	addr := srv.ListenerAddr()
	if addr == nil {
		t.Fatal("expected listener address")
	}
	base := "http://" + addr.String()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	var created api.ContainerResponse
	resp = postJSON(t, base, "/v1/container/create", api.CreateContainerRequest{Container: "docs"}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("container create status %d", resp.StatusCode)
	}
	if created.Container != "docs" {
		t.Fatalf("unexpected container name %q", created.Container)
	}

	var uploaded api.BlobResponse
	resp = postJSON(t, base, "/v1/blob/upload", api.UploadBlobRequest{
		Container: "docs",
		Blob:      "readme.txt",
		Content:   []byte("hello over the wire"),
	}, &uploaded)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("blob upload status %d", resp.StatusCode)
	}
	if uploaded.ETag == "" {
		t.Fatal("expected upload etag")
	}

	var downloaded api.DownloadBlobResponse
	resp = postJSON(t, base, "/v1/blob/download", api.DownloadBlobRequest{
		Container: "docs",
		Blob:      "readme.txt",
	}, &downloaded)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("blob download status %d", resp.StatusCode)
	}
	if string(downloaded.Content) != "hello over the wire" {
		t.Fatalf("unexpected content %q", downloaded.Content)
	}
	if downloaded.ETag != uploaded.ETag {
		t.Fatalf("download etag %q != upload etag %q", downloaded.ETag, uploaded.ETag)
	}
}

func TestServerUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "blobd.sock")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cfg := Config{Store: "mem://", Listen: sock, ListenProto: "unix"}
	srv, stop, err := StartServer(ctx, cfg)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer stop(context.Background())

	if srv.ListenerAddr() == nil {
		t.Fatal("expected listener address")
	}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (conn net.Conn, err error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		},
	}
	resp, err := client.Get("http://blobd/healthz")
	if err != nil {
		t.Fatalf("healthz over unix socket: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
}

func TestServerShutdownIdempotent(t *testing.T) {
	cfg := Config{Store: "mem://", Listen: "127.0.0.1:0"}
	srv, stop, err := StartServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close after shutdown: %v", err)
	}
}

func TestServerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewServer(Config{Store: "ftp://nope"}); err == nil {
		t.Fatal("expected error for unsupported store scheme")
	}
	if _, err := NewServer(Config{Store: "mem://", RequireAuth: true}); err == nil {
		t.Fatal("expected error for require_auth without key_file")
	}
}

func TestServerMetricsListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cfg := Config{Store: "mem://", Listen: "127.0.0.1:0", MetricsListen: "127.0.0.1:0"}
	srv, stop, err := StartServer(ctx, cfg)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer stop(context.Background())
	if srv.telemetry == nil || srv.telemetry.metricsLn == nil {
		t.Fatal("expected metrics listener")
	}
	metricsURL := fmt.Sprintf("http://%s/metrics", srv.telemetry.metricsLn.Addr())
	resp, err := http.Get(metricsURL)
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}
