package storage

import (
	"context"
	"errors"
	"io"
)

// Content type constants shared by backends and the HTTP layer.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

// Sentinel errors surfaced by every backend.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrCASMismatch    = errors.New("storage: cas mismatch")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// PublicAccess levels stored on a container document.
const (
	PublicAccessNone      = ""
	PublicAccessBlob      = "blob"
	PublicAccessContainer = "container"
)

// Lease FSM states persisted on container and blob documents. Available and
// Expired are derived at read time and never stored.
const (
	LeaseStateLeased   = "leased"
	LeaseStateBreaking = "breaking"
	LeaseStateBroken   = "broken"
)

// LeaseDoc is the persisted portion of the lease state machine. Expiry is
// evaluated lazily against an injected clock; no background timers exist.
type LeaseDoc struct {
	ID              string `json:"id"`
	State           string `json:"state"`
	DurationSeconds int64  `json:"duration_seconds"` // 0 means infinite
	AcquiredAtUnix  int64  `json:"acquired_at_unix"`
	ExpiresAtUnix   int64  `json:"expires_at_unix,omitempty"` // absent for infinite leases
	BreakAtUnix     int64  `json:"break_at_unix,omitempty"`   // set while breaking
}

// AccessPolicyDoc is a named, revocable stored access policy on a container.
type AccessPolicyDoc struct {
	Permissions string `json:"permissions"`
	StartUnix   int64  `json:"start_unix,omitempty"`
	ExpiryUnix  int64  `json:"expiry_unix"`
}

// ContainerDoc is the durable record for one container.
type ContainerDoc struct {
	Name          string                     `json:"name"`
	CreatedAtUnix int64                      `json:"created_at_unix"`
	Metadata      map[string]string          `json:"metadata,omitempty"`
	PublicAccess  string                     `json:"public_access,omitempty"`
	Lease         *LeaseDoc                  `json:"lease,omitempty"`
	Policies      map[string]AccessPolicyDoc `json:"policies,omitempty"`
}

// SnapshotDoc captures an immutable version of a blob. Content objects
// referenced here are never rewritten; overwriting the base blob always
// allocates a fresh object key.
type SnapshotDoc struct {
	ID            string            `json:"id"`
	CreatedAtUnix int64             `json:"created_at_unix"`
	ContentObject string            `json:"content_object,omitempty"`
	ContentLength int64             `json:"content_length"`
	ContentType   string            `json:"content_type,omitempty"`
	ContentMD5    string            `json:"content_md5,omitempty"`
	ETag          string            `json:"etag"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// BlockDoc describes one staged or committed block of a block blob.
type BlockDoc struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	Size         int64  `json:"size"`
	StagedAtUnix int64  `json:"staged_at_unix,omitempty"`
}

// PageRangeDoc is a half-open [Start, End) byte range of written pages.
type PageRangeDoc struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Copy status values persisted on the destination blob document.
const (
	CopyStatusPending = "pending"
	CopyStatusSuccess = "success"
	CopyStatusFailed  = "failed"
	CopyStatusAborted = "aborted"
)

// CopyDoc tracks a long-running copy targeting this blob.
type CopyDoc struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Source          string `json:"source"`
	Error           string `json:"error,omitempty"`
	BytesCopied     int64  `json:"bytes_copied"`
	TotalBytes      int64  `json:"total_bytes"`
	StartedAtUnix   int64  `json:"started_at_unix"`
	CompletedAtUnix int64  `json:"completed_at_unix,omitempty"`
}

// Blob kinds.
const (
	BlobKindBlock  = "block"
	BlobKindAppend = "append"
	BlobKindPage   = "page"
)

// BlobDoc is the durable record for one blob: base-version reference,
// properties, lease, snapshots, block lists, and the page-range index.
type BlobDoc struct {
	Name             string            `json:"name"`
	Kind             string            `json:"kind"`
	ContentObject    string            `json:"content_object,omitempty"`
	ContentLength    int64             `json:"content_length"`
	ContentType      string            `json:"content_type,omitempty"`
	ContentMD5       string            `json:"content_md5,omitempty"`
	ETag             string            `json:"etag"`
	CreatedAtUnix    int64             `json:"created_at_unix"`
	LastModifiedUnix int64             `json:"last_modified_unix"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Lease            *LeaseDoc         `json:"lease,omitempty"`
	Snapshots        []SnapshotDoc     `json:"snapshots,omitempty"`
	CommittedBlocks  []BlockDoc        `json:"committed_blocks,omitempty"`
	StagedBlocks     []BlockDoc        `json:"staged_blocks,omitempty"`
	PageCapacity     int64             `json:"page_capacity,omitempty"`
	PageRanges       []PageRangeDoc    `json:"page_ranges,omitempty"`
	Copy             *CopyDoc          `json:"copy,omitempty"`
}

// ObjectInfo describes a stored content object.
type ObjectInfo struct {
	Size           int64
	MD5            string
	ModifiedAtUnix int64
}

// Backend is the persistence contract for the blob engine. Document writes
// use ETag compare-and-swap: an empty expectedETag demands creation (the
// write fails with ErrCASMismatch when the document already exists), a
// non-empty expectedETag must match the stored document exactly. Content
// objects are written once under engine-generated keys and never mutated.
type Backend interface {
	LoadContainer(ctx context.Context, name string) (*ContainerDoc, string, error)
	StoreContainer(ctx context.Context, name string, doc *ContainerDoc, expectedETag string) (string, error)
	DeleteContainer(ctx context.Context, name string, expectedETag string) error
	// ListContainers returns up to limit container names lexicographically
	// greater than startAfter, plus whether more remain.
	ListContainers(ctx context.Context, startAfter string, limit int) ([]string, bool, error)

	LoadBlob(ctx context.Context, container, name string) (*BlobDoc, string, error)
	StoreBlob(ctx context.Context, container, name string, doc *BlobDoc, expectedETag string) (string, error)
	DeleteBlob(ctx context.Context, container, name string, expectedETag string) error
	// ListBlobs returns up to limit blob names in container that carry
	// prefix and sort lexicographically after startAfter.
	ListBlobs(ctx context.Context, container, prefix, startAfter string, limit int) ([]string, bool, error)
	// PurgeContainerBlobs removes every blob document and content object
	// below container. Used by container deletion after the container
	// document is gone, so partial progress is never observable.
	PurgeContainerBlobs(ctx context.Context, container string) error

	WriteObject(ctx context.Context, key string, r io.Reader) (ObjectInfo, error)
	ReadObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error

	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (d *ContainerDoc) Clone() *ContainerDoc {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Metadata = cloneStringMap(d.Metadata)
	if d.Lease != nil {
		lease := *d.Lease
		clone.Lease = &lease
	}
	if d.Policies != nil {
		clone.Policies = make(map[string]AccessPolicyDoc, len(d.Policies))
		for name, policy := range d.Policies {
			clone.Policies[name] = policy
		}
	}
	return &clone
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (d *BlobDoc) Clone() *BlobDoc {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Metadata = cloneStringMap(d.Metadata)
	if d.Lease != nil {
		lease := *d.Lease
		clone.Lease = &lease
	}
	if d.Copy != nil {
		cp := *d.Copy
		clone.Copy = &cp
	}
	if len(d.Snapshots) > 0 {
		clone.Snapshots = make([]SnapshotDoc, len(d.Snapshots))
		for i, snap := range d.Snapshots {
			snap.Metadata = cloneStringMap(snap.Metadata)
			clone.Snapshots[i] = snap
		}
	}
	clone.CommittedBlocks = append([]BlockDoc(nil), d.CommittedBlocks...)
	clone.StagedBlocks = append([]BlockDoc(nil), d.StagedBlocks...)
	clone.PageRanges = append([]PageRangeDoc(nil), d.PageRanges...)
	return &clone
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	clone := make(map[string]string, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
