package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/blobd/internal/storage"
	"pkt.systems/blobd/internal/uuidv7"
)

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu         sync.RWMutex
	containers map[string]*docEntry
	blobs      map[string]map[string]*docEntry // container -> blob name -> entry
	objects    map[string]*objectEntry
}

type docEntry struct {
	container *storage.ContainerDoc
	blob      *storage.BlobDoc
	etag      string
}

type objectEntry struct {
	payload []byte
	info    storage.ObjectInfo
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{
		containers: make(map[string]*docEntry),
		blobs:      make(map[string]map[string]*docEntry),
		objects:    make(map[string]*objectEntry),
	}
}

// Close satisfies storage.Backend but requires no action for the in-memory store.
func (s *Store) Close() error { return nil }

// LoadContainer returns a copy of the container document stored under name.
func (s *Store) LoadContainer(_ context.Context, name string) (*storage.ContainerDoc, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.containers[name]
	if !ok {
		return nil, "", storage.ErrNotFound
	}
	return entry.container.Clone(), entry.etag, nil
}

// StoreContainer writes the container document, enforcing CAS semantics.
func (s *Store) StoreContainer(_ context.Context, name string, doc *storage.ContainerDoc, expectedETag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.containers[name]
	if err := checkCAS(exists, entryETag(entry), expectedETag); err != nil {
		return "", err
	}
	etag := uuidv7.NewString()
	s.containers[name] = &docEntry{container: doc.Clone(), etag: etag}
	return etag, nil
}

// DeleteContainer removes the container document, respecting the expected ETag.
func (s *Store) DeleteContainer(_ context.Context, name string, expectedETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.containers[name]
	if !ok {
		return storage.ErrNotFound
	}
	if expectedETag != "" && entry.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.containers, name)
	return nil
}

// ListContainers returns container names after startAfter, lexicographically.
func (s *Store) ListContainers(_ context.Context, startAfter string, limit int) ([]string, bool, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.containers))
	for name := range s.containers {
		if name > startAfter {
			names = append(names, name)
		}
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return clipPage(names, limit)
}

// LoadBlob returns a copy of the blob document for (container, name).
func (s *Store) LoadBlob(_ context.Context, container, name string) (*storage.BlobDoc, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.blobs[container][name]
	if !ok {
		return nil, "", storage.ErrNotFound
	}
	return entry.blob.Clone(), entry.etag, nil
}

// StoreBlob writes the blob document, enforcing CAS semantics.
func (s *Store) StoreBlob(_ context.Context, container, name string, doc *storage.BlobDoc, expectedETag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.blobs[container][name]
	if err := checkCAS(exists, entryETag(entry), expectedETag); err != nil {
		return "", err
	}
	if s.blobs[container] == nil {
		s.blobs[container] = make(map[string]*docEntry)
	}
	etag := uuidv7.NewString()
	s.blobs[container][name] = &docEntry{blob: doc.Clone(), etag: etag}
	return etag, nil
}

// DeleteBlob removes the blob document, respecting the expected ETag.
func (s *Store) DeleteBlob(_ context.Context, container, name string, expectedETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.blobs[container][name]
	if !ok {
		return storage.ErrNotFound
	}
	if expectedETag != "" && entry.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.blobs[container], name)
	if len(s.blobs[container]) == 0 {
		delete(s.blobs, container)
	}
	return nil
}

// ListBlobs returns blob names carrying prefix that sort after startAfter.
func (s *Store) ListBlobs(_ context.Context, container, prefix, startAfter string, limit int) ([]string, bool, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.blobs[container]))
	for name := range s.blobs[container] {
		if strings.HasPrefix(name, prefix) && name > startAfter {
			names = append(names, name)
		}
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return clipPage(names, limit)
}

// PurgeContainerBlobs drops every blob document and content object below container.
func (s *Store) PurgeContainerBlobs(_ context.Context, container string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, container)
	objPrefix := container + "/"
	for key := range s.objects {
		if strings.HasPrefix(key, objPrefix) {
			delete(s.objects, key)
		}
	}
	return nil
}

// WriteObject stores a content object under key, computing size and MD5.
func (s *Store) WriteObject(_ context.Context, key string, r io.Reader) (storage.ObjectInfo, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	sum := md5.Sum(payload)
	info := storage.ObjectInfo{
		Size:           int64(len(payload)),
		MD5:            hex.EncodeToString(sum[:]),
		ModifiedAtUnix: time.Now().Unix(),
	}
	s.mu.Lock()
	s.objects[key] = &objectEntry{payload: payload, info: info}
	s.mu.Unlock()
	return info, nil
}

// ReadObject streams the content object stored under key.
func (s *Store) ReadObject(_ context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	s.mu.RLock()
	entry, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ObjectInfo{}, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(entry.payload)), entry.info, nil
}

// DeleteObject removes the content object stored under key.
func (s *Store) DeleteObject(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

func entryETag(entry *docEntry) string {
	if entry == nil {
		return ""
	}
	return entry.etag
}

func checkCAS(exists bool, currentETag, expectedETag string) error {
	if expectedETag != "" {
		if !exists {
			return storage.ErrNotFound
		}
		if currentETag != expectedETag {
			return storage.ErrCASMismatch
		}
		return nil
	}
	if exists {
		return storage.ErrCASMismatch
	}
	return nil
}

func clipPage(names []string, limit int) ([]string, bool, error) {
	if limit <= 0 || len(names) <= limit {
		return names, false, nil
	}
	return names[:limit], true, nil
}
