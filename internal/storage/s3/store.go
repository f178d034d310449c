package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/blobd/internal/storage"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend backed by S3-compatible object storage.
// Document CAS rides the service's conditional-put support (If-Match /
// If-None-Match), so concurrent writers race safely without local locks.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs an S3 store for cfg, building a credential chain when no
// custom credentials are supplied.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close satisfies storage.Backend; the minio client needs no teardown.
func (s *Store) Close() error { return nil }

func (s *Store) withPrefix(parts ...string) string {
	if s.cfg.Prefix != "" {
		parts = append([]string{s.cfg.Prefix}, parts...)
	}
	return path.Join(parts...)
}

func encodeSegment(name string) string {
	return url.PathEscape(name)
}

func decodeSegment(encoded string) (string, error) {
	return url.PathUnescape(encoded)
}

func (s *Store) containerObject(name string) string {
	return s.withPrefix("containers", encodeSegment(name)+".json")
}

func (s *Store) blobObject(container, name string) string {
	return s.withPrefix("blobmeta", encodeSegment(container), encodeSegment(name)+".json")
}

func (s *Store) contentObject(key string) string {
	parts := strings.Split(key, "/")
	encoded := make([]string, len(parts))
	for i, part := range parts {
		encoded[i] = encodeSegment(part)
	}
	return s.withPrefix(append([]string{"objects"}, encoded...)...)
}

// LoadContainer fetches and decodes the container document.
func (s *Store) LoadContainer(ctx context.Context, name string) (*storage.ContainerDoc, string, error) {
	var doc storage.ContainerDoc
	etag, err := s.loadDoc(ctx, s.containerObject(name), &doc)
	if err != nil {
		return nil, "", err
	}
	return &doc, etag, nil
}

// StoreContainer uploads the container document with conditional-put CAS.
func (s *Store) StoreContainer(ctx context.Context, name string, doc *storage.ContainerDoc, expectedETag string) (string, error) {
	return s.storeDoc(ctx, s.containerObject(name), doc, expectedETag)
}

// DeleteContainer removes the container document, enforcing CAS when expectedETag is supplied.
func (s *Store) DeleteContainer(ctx context.Context, name string, expectedETag string) error {
	return s.deleteDoc(ctx, s.containerObject(name), expectedETag)
}

// ListContainers scans the container-document prefix and pages decoded names.
func (s *Store) ListContainers(ctx context.Context, startAfter string, limit int) ([]string, bool, error) {
	names, err := s.scanDocNames(ctx, s.withPrefix("containers")+"/")
	if err != nil {
		return nil, false, err
	}
	return pageNames(names, "", startAfter, limit)
}

// LoadBlob fetches and decodes the blob document.
func (s *Store) LoadBlob(ctx context.Context, container, name string) (*storage.BlobDoc, string, error) {
	var doc storage.BlobDoc
	etag, err := s.loadDoc(ctx, s.blobObject(container, name), &doc)
	if err != nil {
		return nil, "", err
	}
	return &doc, etag, nil
}

// StoreBlob uploads the blob document with conditional-put CAS.
func (s *Store) StoreBlob(ctx context.Context, container, name string, doc *storage.BlobDoc, expectedETag string) (string, error) {
	return s.storeDoc(ctx, s.blobObject(container, name), doc, expectedETag)
}

// DeleteBlob removes the blob document, enforcing CAS when expectedETag is supplied.
func (s *Store) DeleteBlob(ctx context.Context, container, name string, expectedETag string) error {
	return s.deleteDoc(ctx, s.blobObject(container, name), expectedETag)
}

// ListBlobs scans the container's blob-document prefix and pages decoded names.
func (s *Store) ListBlobs(ctx context.Context, container, prefix, startAfter string, limit int) ([]string, bool, error) {
	names, err := s.scanDocNames(ctx, s.withPrefix("blobmeta", encodeSegment(container))+"/")
	if err != nil {
		return nil, false, err
	}
	return pageNames(names, prefix, startAfter, limit)
}

// PurgeContainerBlobs removes every blob document and content object below container.
func (s *Store) PurgeContainerBlobs(ctx context.Context, container string) error {
	prefixes := []string{
		s.withPrefix("blobmeta", encodeSegment(container)) + "/",
		s.withPrefix("objects", encodeSegment(container)) + "/",
	}
	for _, prefix := range prefixes {
		opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
		for object := range s.client.ListObjects(ctx, s.cfg.Bucket, opts) {
			if object.Err != nil {
				return s.wrapError(object.Err, "s3: purge list")
			}
			if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object.Key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
				return s.wrapError(err, "s3: purge remove")
			}
		}
	}
	return nil
}

// WriteObject uploads a content object under key.
func (s *Store) WriteObject(ctx context.Context, key string, r io.Reader) (storage.ObjectInfo, error) {
	object := s.contentObject(key)
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, r, -1, minio.PutObjectOptions{
		ContentType: storage.ContentTypeOctetStream,
	})
	if err != nil {
		return storage.ObjectInfo{}, s.wrapError(err, "s3: put object")
	}
	stat, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, s.wrapError(err, "s3: stat object")
	}
	return storage.ObjectInfo{
		Size:           info.Size,
		MD5:            stripETag(stat.ETag),
		ModifiedAtUnix: stat.LastModified.Unix(),
	}, nil
}

// ReadObject streams the content object stored under key.
func (s *Store) ReadObject(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	object := s.contentObject(key)
	stat, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ObjectInfo{}, storage.ErrNotFound
		}
		return nil, storage.ObjectInfo{}, s.wrapError(err, "s3: stat object")
	}
	reader, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, storage.ObjectInfo{}, s.wrapError(err, "s3: get object")
	}
	info := storage.ObjectInfo{
		Size:           stat.Size,
		MD5:            stripETag(stat.ETag),
		ModifiedAtUnix: stat.LastModified.Unix(),
	}
	return reader, info, nil
}

// DeleteObject removes the content object stored under key.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	object := s.contentObject(key)
	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return s.wrapError(err, "s3: stat object")
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return s.wrapError(err, "s3: remove object")
	}
	return nil
}

func (s *Store) loadDoc(ctx context.Context, object string, dst any) (string, error) {
	reader, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", s.wrapError(err, "s3: get doc")
	}
	defer reader.Close()
	payload, err := io.ReadAll(reader)
	if err != nil {
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", s.wrapError(err, "s3: read doc")
	}
	stat, err := reader.Stat()
	if err != nil {
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", s.wrapError(err, "s3: stat doc")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return "", fmt.Errorf("s3: decode doc %q: %w", object, err)
	}
	return stripETag(stat.ETag), nil
}

func (s *Store) storeDoc(ctx context.Context, object string, doc any, expectedETag string) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("s3: encode doc %q: %w", object, err)
	}
	options := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	if expectedETag != "" {
		options.SetMatchETag(expectedETag)
	} else {
		options.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), options)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", storage.ErrCASMismatch
		}
		if expectedETag != "" && isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", s.wrapError(err, "s3: put doc")
	}
	return stripETag(info.ETag), nil
}

func (s *Store) deleteDoc(ctx context.Context, object string, expectedETag string) error {
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return s.wrapError(err, "s3: stat doc")
	}
	if expectedETag != "" && stripETag(info.ETag) != expectedETag {
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return s.wrapError(err, "s3: remove doc")
	}
	return nil
}

func (s *Store) scanDocNames(ctx context.Context, prefix string) ([]string, error) {
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	var names []string
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, opts) {
		if object.Err != nil {
			return nil, s.wrapError(object.Err, "s3: list docs")
		}
		base := strings.TrimPrefix(object.Key, prefix)
		if !strings.HasSuffix(base, ".json") || strings.Contains(base, "/") {
			continue
		}
		name, err := decodeSegment(strings.TrimSuffix(base, ".json"))
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func pageNames(sorted []string, prefix, startAfter string, limit int) ([]string, bool, error) {
	filtered := sorted[:0:0]
	for _, name := range sorted {
		if strings.HasPrefix(name, prefix) && name > startAfter {
			filtered = append(filtered, name)
		}
	}
	if limit <= 0 || len(filtered) <= limit {
		return filtered, false, nil
	}
	return filtered[:limit], true, nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusPreconditionFailed {
			return true
		}
		if errResp.StatusCode == http.StatusConflict {
			switch errResp.Code {
			case "ConditionalRequestConflict", "OperationAborted":
				return true
			}
		}
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError && resp.StatusCode != 0 {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}
