// Package blobd implements a self-hosted blob storage server: containers
// and blobs with snapshot versioning, lease-based mutual exclusion, flat and
// hierarchical listings, and HMAC capability tokens for delegated access.
//
// The package can be embedded:
//
//	cfg := blobd.Config{Store: "mem://", Listen: ":9420"}
//	srv, err := blobd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
//	defer srv.Close()
//
// or run standalone via the blobd command under cmd/blobd.
package blobd
