package disk

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/blobd/internal/storage"
	"pkt.systems/blobd/internal/uuidv7"
	"pkt.systems/pslog"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root   string
	Logger pslog.Logger
}

// Store implements storage.Backend backed by the local filesystem. Document
// writes go through a temp file plus rename so readers never observe a
// partially written document.
type Store struct {
	root         string
	containerDir string
	blobDir      string
	objectDir    string
	tmpDir       string
	logger       pslog.Logger

	locks sync.Map
}

type docRecord struct {
	ETag      string          `json:"etag"`
	Container json.RawMessage `json:"container,omitempty"`
	Blob      json.RawMessage `json:"blob,omitempty"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("disk: resolve root: %w", err)
	}
	store := &Store{
		root:         root,
		containerDir: filepath.Join(root, "containers"),
		blobDir:      filepath.Join(root, "blobmeta"),
		objectDir:    filepath.Join(root, "objects"),
		tmpDir:       filepath.Join(root, "tmp"),
		logger:       cfg.Logger,
	}
	if store.logger == nil {
		store.logger = pslog.NoopLogger()
	}
	for _, dir := range []string{store.containerDir, store.blobDir, store.objectDir, store.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: create %s: %w", dir, err)
		}
	}
	return store, nil
}

// Close satisfies storage.Backend; the disk store holds no open resources.
func (s *Store) Close() error { return nil }

func (s *Store) keyMutex(path string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func encodeSegment(name string) string {
	return url.PathEscape(name)
}

func decodeSegment(encoded string) (string, error) {
	return url.PathUnescape(encoded)
}

func (s *Store) containerPath(name string) string {
	return filepath.Join(s.containerDir, encodeSegment(name)+".json")
}

func (s *Store) blobPath(container, name string) string {
	return filepath.Join(s.blobDir, encodeSegment(container), encodeSegment(name)+".json")
}

func (s *Store) objectPath(key string) string {
	parts := strings.Split(key, "/")
	encoded := make([]string, len(parts))
	for i, part := range parts {
		encoded[i] = encodeSegment(part)
	}
	return filepath.Join(append([]string{s.objectDir}, encoded...)...)
}

// LoadContainer reads the container document and returns it with its ETag.
func (s *Store) LoadContainer(_ context.Context, name string) (*storage.ContainerDoc, string, error) {
	rec, err := readRecord(s.containerPath(name))
	if err != nil {
		return nil, "", err
	}
	var doc storage.ContainerDoc
	if err := json.Unmarshal(rec.Container, &doc); err != nil {
		return nil, "", fmt.Errorf("disk: decode container %q: %w", name, err)
	}
	return &doc, rec.ETag, nil
}

// StoreContainer persists the container document with CAS semantics.
func (s *Store) StoreContainer(_ context.Context, name string, doc *storage.ContainerDoc, expectedETag string) (string, error) {
	path := s.containerPath(name)
	mu := s.keyMutex(path)
	mu.Lock()
	defer mu.Unlock()
	if err := s.checkRecordCAS(path, expectedETag); err != nil {
		return "", err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("disk: encode container %q: %w", name, err)
	}
	etag := uuidv7.NewString()
	if err := s.writeRecord(path, docRecord{ETag: etag, Container: payload}); err != nil {
		return "", err
	}
	s.logger.Trace("disk.container.store", "name", name, "etag", etag)
	return etag, nil
}

// DeleteContainer removes the container document, honouring an expected ETag.
func (s *Store) DeleteContainer(_ context.Context, name string, expectedETag string) error {
	path := s.containerPath(name)
	mu := s.keyMutex(path)
	mu.Lock()
	defer mu.Unlock()
	rec, err := readRecord(path)
	if err != nil {
		return err
	}
	if expectedETag != "" && rec.ETag != expectedETag {
		return storage.ErrCASMismatch
	}
	return os.Remove(path)
}

// ListContainers returns container names after startAfter, lexicographically.
func (s *Store) ListContainers(_ context.Context, startAfter string, limit int) ([]string, bool, error) {
	entries, err := os.ReadDir(s.containerDir)
	if err != nil {
		return nil, false, fmt.Errorf("disk: list containers: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name, err := decodeSegment(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		if name > startAfter {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return clipPage(names, limit)
}

// LoadBlob reads the blob document and returns it with its ETag.
func (s *Store) LoadBlob(_ context.Context, container, name string) (*storage.BlobDoc, string, error) {
	rec, err := readRecord(s.blobPath(container, name))
	if err != nil {
		return nil, "", err
	}
	var doc storage.BlobDoc
	if err := json.Unmarshal(rec.Blob, &doc); err != nil {
		return nil, "", fmt.Errorf("disk: decode blob %q/%q: %w", container, name, err)
	}
	return &doc, rec.ETag, nil
}

// StoreBlob persists the blob document with CAS semantics.
func (s *Store) StoreBlob(_ context.Context, container, name string, doc *storage.BlobDoc, expectedETag string) (string, error) {
	path := s.blobPath(container, name)
	mu := s.keyMutex(path)
	mu.Lock()
	defer mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("disk: create blob dir: %w", err)
	}
	if err := s.checkRecordCAS(path, expectedETag); err != nil {
		return "", err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("disk: encode blob %q/%q: %w", container, name, err)
	}
	etag := uuidv7.NewString()
	if err := s.writeRecord(path, docRecord{ETag: etag, Blob: payload}); err != nil {
		return "", err
	}
	s.logger.Trace("disk.blob.store", "container", container, "name", name, "etag", etag)
	return etag, nil
}

// DeleteBlob removes the blob document, honouring an expected ETag.
func (s *Store) DeleteBlob(_ context.Context, container, name string, expectedETag string) error {
	path := s.blobPath(container, name)
	mu := s.keyMutex(path)
	mu.Lock()
	defer mu.Unlock()
	rec, err := readRecord(path)
	if err != nil {
		return err
	}
	if expectedETag != "" && rec.ETag != expectedETag {
		return storage.ErrCASMismatch
	}
	return os.Remove(path)
}

// ListBlobs returns blob names carrying prefix that sort after startAfter.
func (s *Store) ListBlobs(_ context.Context, container, prefix, startAfter string, limit int) ([]string, bool, error) {
	dir := filepath.Join(s.blobDir, encodeSegment(container))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("disk: list blobs: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name, err := decodeSegment(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		if strings.HasPrefix(name, prefix) && name > startAfter {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return clipPage(names, limit)
}

// PurgeContainerBlobs removes every blob document and content object below container.
func (s *Store) PurgeContainerBlobs(_ context.Context, container string) error {
	blobDir := filepath.Join(s.blobDir, encodeSegment(container))
	if err := os.RemoveAll(blobDir); err != nil {
		return fmt.Errorf("disk: purge blob docs: %w", err)
	}
	objDir := filepath.Join(s.objectDir, encodeSegment(container))
	if err := os.RemoveAll(objDir); err != nil {
		return fmt.Errorf("disk: purge objects: %w", err)
	}
	return nil
}

// WriteObject stores a content object under key via temp file plus rename.
func (s *Store) WriteObject(_ context.Context, key string, r io.Reader) (storage.ObjectInfo, error) {
	path := s.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("disk: create object dir: %w", err)
	}
	tempFile, err := os.CreateTemp(s.tmpDir, "blobd-object-*")
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("disk: create temp object: %w", err)
	}
	hasher := md5.New()
	size, err := io.Copy(io.MultiWriter(tempFile, hasher), r)
	if err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return storage.ObjectInfo{}, fmt.Errorf("disk: write object: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempFile.Name())
		return storage.ObjectInfo{}, fmt.Errorf("disk: close temp object: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		os.Remove(tempFile.Name())
		return storage.ObjectInfo{}, fmt.Errorf("disk: rename object: %w", err)
	}
	return storage.ObjectInfo{
		Size:           size,
		MD5:            hex.EncodeToString(hasher.Sum(nil)),
		ModifiedAtUnix: time.Now().Unix(),
	}, nil
}

// ReadObject streams the content object stored under key.
func (s *Store) ReadObject(_ context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	path := s.objectPath(key)
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ObjectInfo{}, storage.ErrNotFound
		}
		return nil, storage.ObjectInfo{}, fmt.Errorf("disk: open object: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, storage.ObjectInfo{}, fmt.Errorf("disk: stat object: %w", err)
	}
	info := storage.ObjectInfo{
		Size:           stat.Size(),
		ModifiedAtUnix: stat.ModTime().Unix(),
	}
	return file, info, nil
}

// DeleteObject removes the content object stored under key.
func (s *Store) DeleteObject(_ context.Context, key string) error {
	err := os.Remove(s.objectPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return storage.ErrNotFound
	}
	return err
}

func (s *Store) checkRecordCAS(path, expectedETag string) error {
	rec, err := readRecord(path)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if expectedETag != "" {
			return storage.ErrNotFound
		}
		return nil
	case err != nil:
		return err
	}
	if expectedETag == "" {
		return storage.ErrCASMismatch
	}
	if rec.ETag != expectedETag {
		return storage.ErrCASMismatch
	}
	return nil
}

func (s *Store) writeRecord(path string, rec docRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("disk: encode record: %w", err)
	}
	tempFile, err := os.CreateTemp(s.tmpDir, "blobd-doc-*")
	if err != nil {
		return fmt.Errorf("disk: create temp record: %w", err)
	}
	if _, err := tempFile.Write(payload); err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return fmt.Errorf("disk: write record: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempFile.Name())
		return fmt.Errorf("disk: close temp record: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		os.Remove(tempFile.Name())
		return fmt.Errorf("disk: rename record: %w", err)
	}
	return nil
}

func readRecord(path string) (docRecord, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return docRecord{}, storage.ErrNotFound
		}
		return docRecord{}, fmt.Errorf("disk: read record: %w", err)
	}
	var rec docRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return docRecord{}, fmt.Errorf("disk: decode record: %w", err)
	}
	return rec, nil
}

func clipPage(names []string, limit int) ([]string, bool, error) {
	if limit <= 0 || len(names) <= limit {
		return names, false, nil
	}
	return names[:limit], true, nil
}
