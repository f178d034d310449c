// Package client provides the Go SDK for talking to a blobd server over HTTP.
// It mirrors the HTTP API one method per endpoint while exposing the shared
// api request/response types, so callers never assemble JSON by hand.
//
// The endpoint URL scheme decides the transport:
//
//   - http://host:9420 – plaintext TCP
//   - unix:///path/to/blobd.sock – Unix-domain socket
//
// A minimal upload/download roundtrip:
//
//	cli, err := client.New("http://localhost:9420")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx := context.Background()
//	if _, err := cli.CreateContainer(ctx, api.CreateContainerRequest{Container: "docs"}); err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := cli.Upload(ctx, api.UploadBlobRequest{Container: "docs", Blob: "a.txt", Content: []byte("hi")}); err != nil {
//	    log.Fatal(err)
//	}
//	got, err := cli.Download(ctx, api.DownloadBlobRequest{Container: "docs", Blob: "a.txt"})
//
// Server-side failures decode into *APIError carrying the HTTP status and the
// machine-readable error code, so callers can branch on codes like
// blob_not_found or etag_mismatch.
package client
