package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/clock"
	"pkt.systems/blobd/internal/core"
	"pkt.systems/blobd/internal/storage/memory"
)

func newTestHandler(t *testing.T, requireAuth bool) (*http.ServeMux, *core.Service, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := core.New(core.Config{
		Store:    memory.New(),
		Clock:    clk,
		Keychain: core.NewStaticKeychain(map[string][]byte{"primary": []byte("test-signing-key")}),
	})
	t.Cleanup(func() { _ = svc.Close() })
	h := New(Config{
		Core:               svc,
		Clock:              clk,
		RequireAuth:        requireAuth,
		DisableHTTPTracing: true,
	})
	mux := http.NewServeMux()
	h.Register(mux)
	return mux, svc, clk
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[api.ErrorResponse](t, rec).Error
}

func TestContainerCreateGetRoundtrip(t *testing.T) {
	t.Parallel()
	mux, _, _ := newTestHandler(t, false)

	rec := doJSON(t, mux, http.MethodPost, "/v1/container/create", api.CreateContainerRequest{
		Container: "docs",
		Metadata:  map[string]string{"team": "platform"},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[api.ContainerResponse](t, rec)
	if created.Container != "docs" || created.ETag == "" {
		t.Fatalf("unexpected create response %+v", created)
	}
	if rec.Header().Get("ETag") != created.ETag {
		t.Fatal("ETag header must mirror the body etag")
	}

	rec = doJSON(t, mux, http.MethodGet, "/v1/container/get?container=docs", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[api.ContainerResponse](t, rec)
	if got.Metadata["team"] != "platform" || got.LeaseState != "available" {
		t.Fatalf("unexpected get response %+v", got)
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/container/create", api.CreateContainerRequest{Container: "docs"}, nil)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != core.CodeContainerAlreadyExists {
		t.Fatalf("duplicate create: %d %s", rec.Code, rec.Body.String())
	}
}

func TestBlobUploadDownloadRoundtrip(t *testing.T) {
	t.Parallel()
	mux, _, _ := newTestHandler(t, false)

	doJSON(t, mux, http.MethodPost, "/v1/container/create", api.CreateContainerRequest{Container: "docs"}, nil)
	rec := doJSON(t, mux, http.MethodPost, "/v1/blob/upload", api.UploadBlobRequest{
		Container:   "docs",
		Blob:        "report.txt",
		Content:     []byte("hello blob"),
		ContentType: "text/plain",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	uploaded := decodeBody[api.BlobResponse](t, rec)
	if uploaded.ETag == "" || uploaded.ContentLength != int64(len("hello blob")) {
		t.Fatalf("unexpected upload response %+v", uploaded)
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/blob/download", api.DownloadBlobRequest{
		Container: "docs", Blob: "report.txt",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download: %d %s", rec.Code, rec.Body.String())
	}
	down := decodeBody[api.DownloadBlobResponse](t, rec)
	if string(down.Content) != "hello blob" || down.ContentType != "text/plain" {
		t.Fatalf("unexpected download %+v", down)
	}
	if down.ETag != uploaded.ETag {
		t.Fatalf("etag drifted without a mutation: %s vs %s", down.ETag, uploaded.ETag)
	}
}

func TestErrorTaxonomyOnTheWire(t *testing.T) {
	t.Parallel()
	mux, _, _ := newTestHandler(t, false)

	rec := doJSON(t, mux, http.MethodPost, "/v1/blob/download", api.DownloadBlobRequest{
		Container: "ghost", Blob: "nothing",
	}, nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != core.CodeContainerNotFound {
		t.Fatalf("missing container: %d %s", rec.Code, rec.Body.String())
	}

	doJSON(t, mux, http.MethodPost, "/v1/container/create", api.CreateContainerRequest{Container: "docs"}, nil)
	rec = doJSON(t, mux, http.MethodPost, "/v1/blob/download", api.DownloadBlobRequest{
		Container: "docs", Blob: "nothing",
	}, nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != core.CodeBlobNotFound {
		t.Fatalf("missing blob: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodGet, "/v1/blob/upload", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method not allowed: %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/list/blobs", api.ListBlobsRequest{
		Container: "docs", Delimiter: "/", IncludeSnapshots: true,
	}, nil)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != core.CodeInvalidArgument {
		t.Fatalf("delimiter+snapshots: %d %s", rec.Code, rec.Body.String())
	}
}

func TestLeaseGuardsMutations(t *testing.T) {
	t.Parallel()
	mux, _, _ := newTestHandler(t, false)

	doJSON(t, mux, http.MethodPost, "/v1/container/create", api.CreateContainerRequest{Container: "docs"}, nil)
	doJSON(t, mux, http.MethodPost, "/v1/blob/upload", api.UploadBlobRequest{
		Container: "docs", Blob: "f", Content: []byte("v1"),
	}, nil)

	rec := doJSON(t, mux, http.MethodPost, "/v1/blob/lease", api.LeaseRequest{
		Container: "docs", Blob: "f", Action: api.LeaseActionAcquire, DurationSeconds: -1,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("acquire: %d %s", rec.Code, rec.Body.String())
	}
	lease := decodeBody[api.LeaseResponse](t, rec)
	if lease.LeaseID == "" || lease.State != "leased" {
		t.Fatalf("unexpected lease %+v", lease)
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/blob/upload", api.UploadBlobRequest{
		Container: "docs", Blob: "f", Content: []byte("v2"),
	}, nil)
	if rec.Code != http.StatusPreconditionFailed || errorCode(t, rec) != core.CodeLeaseIDMissing {
		t.Fatalf("write without lease id: %d %s", rec.Code, rec.Body.String())
	}

	// The lease ID may travel in the header instead of the body.
	rec = doJSON(t, mux, http.MethodPost, "/v1/blob/upload", api.UploadBlobRequest{
		Container: "docs", Blob: "f", Content: []byte("v2"),
	}, map[string]string{"X-Blobd-Lease-ID": lease.LeaseID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("write with lease header: %d %s", rec.Code, rec.Body.String())
	}
}

func TestIfMatchHeaderCondition(t *testing.T) {
	t.Parallel()
	mux, _, _ := newTestHandler(t, false)

	doJSON(t, mux, http.MethodPost, "/v1/container/create", api.CreateContainerRequest{Container: "docs"}, nil)
	rec := doJSON(t, mux, http.MethodPost, "/v1/blob/upload", api.UploadBlobRequest{
		Container: "docs", Blob: "f", Content: []byte("v1"),
	}, nil)
	etag := decodeBody[api.BlobResponse](t, rec).ETag

	rec = doJSON(t, mux, http.MethodPost, "/v1/blob/upload", api.UploadBlobRequest{
		Container: "docs", Blob: "f", Content: []byte("v2"),
	}, map[string]string{"If-Match": `"stale-etag"`})
	if rec.Code != http.StatusPreconditionFailed || errorCode(t, rec) != core.CodeETagMismatch {
		t.Fatalf("stale if-match: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/blob/upload", api.UploadBlobRequest{
		Container: "docs", Blob: "f", Content: []byte("v2"),
	}, map[string]string{"If-Match": `"` + etag + `"`})
	if rec.Code != http.StatusCreated {
		t.Fatalf("matching if-match: %d %s", rec.Code, rec.Body.String())
	}
}

func TestBlockStageCommitOverHTTP(t *testing.T) {
	t.Parallel()
	mux, _, _ := newTestHandler(t, false)

	doJSON(t, mux, http.MethodPost, "/v1/container/create", api.CreateContainerRequest{Container: "docs"}, nil)
	for _, block := range []struct{ id, body string }{
		{"b1", "alpha-"}, {"b2", "beta"},
	} {
		rec := doJSON(t, mux, http.MethodPost, "/v1/block/stage", api.StageBlockRequest{
			Container: "docs", Blob: "assembled", BlockID: block.id, Content: []byte(block.body),
		}, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("stage %s: %d %s", block.id, rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, mux, http.MethodPost, "/v1/block/commit", api.CommitBlockListRequest{
		Container: "docs", Blob: "assembled", BlockIDs: []string{"b1", "b2"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("commit: %d %s", rec.Code, rec.Body.String())
	}

	down := decodeBody[api.DownloadBlobResponse](t, doJSON(t, mux, http.MethodPost, "/v1/blob/download", api.DownloadBlobRequest{
		Container: "docs", Blob: "assembled",
	}, nil))
	if string(down.Content) != "alpha-beta" {
		t.Fatalf("unexpected committed content %q", down.Content)
	}

	rec = doJSON(t, mux, http.MethodGet, "/v1/block/list?container=docs&blob=assembled", nil, nil)
	list := decodeBody[api.BlockListResponse](t, rec)
	if len(list.Blocks) != 2 || !list.Blocks[0].Committed || !list.Blocks[1].Committed {
		t.Fatalf("unexpected block list %+v", list.Blocks)
	}
}

func TestAuthGatesWrites(t *testing.T) {
	t.Parallel()
	mux, svc, clk := newTestHandler(t, true)
	ctx := context.Background()

	if _, err := svc.CreateContainer(ctx, core.CreateContainerCommand{Container: "docs"}); err != nil {
		t.Fatalf("seed container: %v", err)
	}

	rec := doJSON(t, mux, http.MethodPost, "/v1/blob/upload", api.UploadBlobRequest{
		Container: "docs", Blob: "f", Content: []byte("v1"),
	}, nil)
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != core.CodeAuthPermissionDenied {
		t.Fatalf("anonymous write: %d %s", rec.Code, rec.Body.String())
	}

	token, err := svc.SignSAS(ctx, core.SignSASCommand{
		KeyName:     "primary",
		Scope:       core.ScopeContainer,
		Container:   "docs",
		Permissions: "rw",
		ExpiryUnix:  clk.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/blob/upload?sas="+token, api.UploadBlobRequest{
		Container: "docs", Blob: "f", Content: []byte("v1"),
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signed write: %d %s", rec.Code, rec.Body.String())
	}

	// Same token through the header, and an expired one after the window.
	rec = doJSON(t, mux, http.MethodPost, "/v1/blob/download", api.DownloadBlobRequest{
		Container: "docs", Blob: "f",
	}, map[string]string{"X-Blobd-SAS": token})
	if rec.Code != http.StatusOK {
		t.Fatalf("signed read: %d %s", rec.Code, rec.Body.String())
	}
	clk.Advance(2 * time.Hour)
	rec = doJSON(t, mux, http.MethodPost, "/v1/blob/download", api.DownloadBlobRequest{
		Container: "docs", Blob: "f",
	}, map[string]string{"X-Blobd-SAS": token})
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != core.CodeAuthExpired {
		t.Fatalf("expired read: %d %s", rec.Code, rec.Body.String())
	}
}

func TestPublicAccessAllowsAnonymousReads(t *testing.T) {
	t.Parallel()
	mux, svc, _ := newTestHandler(t, true)
	ctx := context.Background()

	if _, err := svc.CreateContainer(ctx, core.CreateContainerCommand{
		Container: "public", PublicAccess: api.PublicAccessBlob,
	}); err != nil {
		t.Fatalf("seed container: %v", err)
	}
	if _, err := svc.UploadBlob(ctx, core.UploadBlobCommand{
		Container: "public", Blob: "f", Content: []byte("open"),
	}); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	rec := doJSON(t, mux, http.MethodPost, "/v1/blob/download", api.DownloadBlobRequest{
		Container: "public", Blob: "f",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("anonymous blob read under blob access: %d %s", rec.Code, rec.Body.String())
	}

	// Blob-level access does not cover container listings.
	rec = doJSON(t, mux, http.MethodPost, "/v1/list/blobs", api.ListBlobsRequest{Container: "public"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("anonymous list under blob access: %d %s", rec.Code, rec.Body.String())
	}

	if _, err := svc.SetContainerAccess(ctx, core.SetContainerAccessCommand{
		Container: "public", PublicAccess: api.PublicAccessContainer,
	}); err != nil {
		t.Fatalf("raise access: %v", err)
	}
	rec = doJSON(t, mux, http.MethodPost, "/v1/list/blobs", api.ListBlobsRequest{Container: "public"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("anonymous list under container access: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSASEndpoints(t *testing.T) {
	t.Parallel()
	mux, _, clk := newTestHandler(t, false)

	doJSON(t, mux, http.MethodPost, "/v1/container/create", api.CreateContainerRequest{Container: "docs"}, nil)
	rec := doJSON(t, mux, http.MethodPost, "/v1/sas/sign", api.SignSASRequest{
		KeyName:     "primary",
		Scope:       "container",
		Container:   "docs",
		Permissions: "wl",
		ExpiryUnix:  clk.Now().Add(time.Hour).Unix(),
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sign: %d %s", rec.Code, rec.Body.String())
	}
	token := decodeBody[api.SignSASResponse](t, rec).Token
	if token == "" {
		t.Fatal("empty token")
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/sas/validate", api.ValidateSASRequest{
		Token: token, Scope: "blob", Container: "docs", Blob: "f", Permission: "w",
	}, nil)
	if decision := decodeBody[api.ValidateSASResponse](t, rec).Decision; decision != "ok" {
		t.Fatalf("validate write: %q", decision)
	}
	rec = doJSON(t, mux, http.MethodPost, "/v1/sas/validate", api.ValidateSASRequest{
		Token: token, Scope: "blob", Container: "docs", Blob: "f", Permission: "d",
	}, nil)
	if decision := decodeBody[api.ValidateSASResponse](t, rec).Decision; decision != "permission_denied" {
		t.Fatalf("validate delete: %q", decision)
	}
}

func TestCorrelationHeaderEchoed(t *testing.T) {
	t.Parallel()
	mux, _, _ := newTestHandler(t, false)

	rec := doJSON(t, mux, http.MethodPost, "/v1/container/create", api.CreateContainerRequest{Container: "docs"}, nil)
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Fatal("response must carry a correlation id")
	}
}
