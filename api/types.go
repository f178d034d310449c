package api

// Public access levels accepted on container create and set-access calls.
const (
	PublicAccessNone      = "none"
	PublicAccessBlob      = "blob"
	PublicAccessContainer = "container"
)

// Blob kinds accepted on upload and create calls.
const (
	BlobKindBlock  = "block"
	BlobKindAppend = "append"
	BlobKindPage   = "page"
)

// CreateContainerRequest models the JSON payload for POST /v1/container/create.
type CreateContainerRequest struct {
	// Container is the container name (3-63 chars, lowercase/digits/hyphen).
	Container string `json:"container"`
	// Metadata carries initial user metadata for the container.
	Metadata map[string]string `json:"metadata,omitempty"`
	// PublicAccess is one of none, blob, container.
	PublicAccess string `json:"public_access,omitempty"`
}

// ContainerResponse describes a container.
type ContainerResponse struct {
	Container     string            `json:"container"`
	CreatedAtUnix int64             `json:"created_at_unix"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PublicAccess  string            `json:"public_access"`
	// ETag is the container document version used for If-Match conditions.
	ETag string `json:"etag"`
	// LeaseState is the derived lease state (available, leased, breaking, broken, expired).
	LeaseState string `json:"lease_state"`
}

// DeleteContainerRequest models POST /v1/container/delete.
type DeleteContainerRequest struct {
	Container string `json:"container"`
	// LeaseID must match the active container lease when one exists.
	LeaseID string `json:"lease_id,omitempty"`
}

// SetContainerMetadataRequest models POST /v1/container/metadata.
type SetContainerMetadataRequest struct {
	Container string            `json:"container"`
	Metadata  map[string]string `json:"metadata"`
	LeaseID   string            `json:"lease_id,omitempty"`
}

// SetContainerAccessRequest models POST /v1/container/access.
type SetContainerAccessRequest struct {
	Container    string `json:"container"`
	PublicAccess string `json:"public_access"`
	LeaseID      string `json:"lease_id,omitempty"`
}

// AccessPolicy is a named stored access policy on a container.
type AccessPolicy struct {
	// ID names the policy within its container.
	ID string `json:"id"`
	// Permissions is the permission string, e.g. "rwl".
	Permissions string `json:"permissions"`
	StartUnix   int64  `json:"start_unix,omitempty"`
	ExpiryUnix  int64  `json:"expiry_unix"`
}

// SetAccessPolicyRequest models POST /v1/container/policy. An empty Policies
// slice clears every stored policy on the container.
type SetAccessPolicyRequest struct {
	Container string         `json:"container"`
	Policies  []AccessPolicy `json:"policies"`
	LeaseID   string         `json:"lease_id,omitempty"`
}

// AccessPolicyListResponse models the GET /v1/container/policy reply.
type AccessPolicyListResponse struct {
	Container string         `json:"container"`
	Policies  []AccessPolicy `json:"policies"`
}

// UploadBlobRequest models POST /v1/blob/upload. Content travels as base64
// in JSON bodies; large payloads should use the raw-body upload endpoint.
type UploadBlobRequest struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	// Kind selects block, append, or page semantics; defaults to block.
	Kind        string `json:"kind,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	// Content is the base64-encoded blob payload.
	Content  []byte            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// CreateOnly fails the upload when the blob already exists.
	CreateOnly bool   `json:"create_only,omitempty"`
	LeaseID    string `json:"lease_id,omitempty"`
	// IfMatch aborts the upload unless the blob's current ETag matches.
	IfMatch string `json:"if_match,omitempty"`
}

// BlobResponse carries blob properties after a read or mutation.
type BlobResponse struct {
	Container        string            `json:"container"`
	Blob             string            `json:"blob"`
	Kind             string            `json:"kind"`
	ETag             string            `json:"etag"`
	ContentLength    int64             `json:"content_length"`
	ContentType      string            `json:"content_type,omitempty"`
	ContentMD5       string            `json:"content_md5,omitempty"`
	CreatedAtUnix    int64             `json:"created_at_unix"`
	LastModifiedUnix int64             `json:"last_modified_unix"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	LeaseState       string            `json:"lease_state"`
	SnapshotCount    int               `json:"snapshot_count,omitempty"`
	// Snapshot is set when the response describes a snapshot version.
	Snapshot string `json:"snapshot,omitempty"`
	// CopyID/CopyStatus mirror the most recent copy targeting this blob.
	CopyID     string `json:"copy_id,omitempty"`
	CopyStatus string `json:"copy_status,omitempty"`
}

// BlobExistsResponse answers GET /v1/blob/exists.
type BlobExistsResponse struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	Exists    bool   `json:"exists"`
}

// DownloadBlobRequest models POST /v1/blob/download.
type DownloadBlobRequest struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	// Snapshot selects an immutable version instead of the base blob.
	Snapshot string `json:"snapshot,omitempty"`
}

// DownloadBlobResponse returns blob content and properties.
type DownloadBlobResponse struct {
	BlobResponse
	// Content is the base64-encoded payload.
	Content []byte `json:"content"`
}

// Delete cascade modes for blobs with snapshots.
const (
	DeleteCascadeNone             = "none"
	DeleteCascadeSnapshotsOnly    = "snapshots-only"
	DeleteCascadeIncludeSnapshots = "include-snapshots"
)

// DeleteBlobRequest models POST /v1/blob/delete.
type DeleteBlobRequest struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	// Cascade is one of none, snapshots-only, include-snapshots.
	Cascade string `json:"cascade,omitempty"`
	LeaseID string `json:"lease_id,omitempty"`
	IfMatch string `json:"if_match,omitempty"`
}

// SetBlobMetadataRequest models POST /v1/blob/metadata.
type SetBlobMetadataRequest struct {
	Container string            `json:"container"`
	Blob      string            `json:"blob"`
	Metadata  map[string]string `json:"metadata"`
	LeaseID   string            `json:"lease_id,omitempty"`
	IfMatch   string            `json:"if_match,omitempty"`
}

// SetBlobPropertiesRequest models POST /v1/blob/properties.
type SetBlobPropertiesRequest struct {
	Container   string `json:"container"`
	Blob        string `json:"blob"`
	ContentType string `json:"content_type"`
	LeaseID     string `json:"lease_id,omitempty"`
	IfMatch     string `json:"if_match,omitempty"`
}

// SnapshotRequest models POST /v1/blob/snapshot.
type SnapshotRequest struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	// Metadata overrides the snapshot's captured metadata when non-nil.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SnapshotResponse returns the new snapshot identity.
type SnapshotResponse struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	Snapshot  string `json:"snapshot"`
	ETag      string `json:"etag"`
}

// PromoteSnapshotRequest models POST /v1/blob/promote: copy a snapshot's
// content and metadata into a writable blob.
type PromoteSnapshotRequest struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	Snapshot  string `json:"snapshot"`
	// TargetContainer/TargetBlob default to the source coordinates.
	TargetContainer string `json:"target_container,omitempty"`
	TargetBlob      string `json:"target_blob,omitempty"`
	LeaseID         string `json:"lease_id,omitempty"`
}

// StageBlockRequest models POST /v1/block/stage.
type StageBlockRequest struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	// BlockID is an opaque caller token, unique within the blob.
	BlockID string `json:"block_id"`
	Content []byte `json:"content"`
	LeaseID string `json:"lease_id,omitempty"`
}

// CommitBlockListRequest models POST /v1/block/commit.
type CommitBlockListRequest struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	// BlockIDs orders the committed content; every ID must be staged or
	// already committed.
	BlockIDs    []string          `json:"block_ids"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LeaseID     string            `json:"lease_id,omitempty"`
	IfMatch     string            `json:"if_match,omitempty"`
}

// BlockDescriptor describes one block in a block list response.
type BlockDescriptor struct {
	BlockID   string `json:"block_id"`
	Size      int64  `json:"size"`
	Committed bool   `json:"committed"`
}

// BlockListResponse models the GET /v1/block/list reply.
type BlockListResponse struct {
	Container string            `json:"container"`
	Blob      string            `json:"blob"`
	Blocks    []BlockDescriptor `json:"blocks"`
	ETag      string            `json:"etag"`
}

// CreatePageBlobRequest models POST /v1/page/create.
type CreatePageBlobRequest struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	// Capacity is the fixed sparse size in bytes; multiple of 512.
	Capacity    int64             `json:"capacity"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LeaseID     string            `json:"lease_id,omitempty"`
}

// WritePagesRequest models POST /v1/page/write and /v1/page/clear.
type WritePagesRequest struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	// Offset is the 512-aligned start of the range.
	Offset int64 `json:"offset"`
	// Content is required for write; its length must be a multiple of 512.
	// Clear requests send Length instead.
	Content []byte `json:"content,omitempty"`
	Length  int64  `json:"length,omitempty"`
	LeaseID string `json:"lease_id,omitempty"`
	IfMatch string `json:"if_match,omitempty"`
}

// ReadPagesRequest models POST /v1/page/read.
type ReadPagesRequest struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	Offset    int64  `json:"offset"`
	Length    int64  `json:"length"`
}

// ReadPagesResponse returns the requested range; never-written pages read
// as zeroes.
type ReadPagesResponse struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	Offset    int64  `json:"offset"`
	// Content is the base64-encoded range.
	Content []byte `json:"content"`
}

// PageRange is a half-open [Start, End) written range.
type PageRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// PageRangesResponse models the GET /v1/page/ranges reply.
type PageRangesResponse struct {
	Container string      `json:"container"`
	Blob      string      `json:"blob"`
	Capacity  int64       `json:"capacity"`
	Ranges    []PageRange `json:"ranges"`
	ETag      string      `json:"etag"`
}

// AppendBlockRequest models POST /v1/append.
type AppendBlockRequest struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	Content   []byte `json:"content"`
	LeaseID   string `json:"lease_id,omitempty"`
	IfMatch   string `json:"if_match,omitempty"`
}

// Lease actions accepted by the lease endpoints.
const (
	LeaseActionAcquire = "acquire"
	LeaseActionRenew   = "renew"
	LeaseActionChange  = "change"
	LeaseActionRelease = "release"
	LeaseActionBreak   = "break"
)

// LeaseRequest models POST /v1/container/lease and /v1/blob/lease.
type LeaseRequest struct {
	Container string `json:"container"`
	// Blob is empty for container leases.
	Blob string `json:"blob,omitempty"`
	// Action is one of acquire, renew, change, release, break.
	Action string `json:"action"`
	// DurationSeconds applies to acquire: 15-60 fixed, or -1 for infinite.
	DurationSeconds int64 `json:"duration_seconds,omitempty"`
	// LeaseID identifies the held lease for renew, change, and release.
	LeaseID string `json:"lease_id,omitempty"`
	// ProposedLeaseID supplies the caller's ID on acquire or change.
	ProposedLeaseID string `json:"proposed_lease_id,omitempty"`
	// BreakPeriodSeconds bounds the break window. Omitted or negative means
	// "remaining lease time"; zero breaks immediately.
	BreakPeriodSeconds *int64 `json:"break_period_seconds,omitempty"`
}

// LeaseResponse reports the lease after an action.
type LeaseResponse struct {
	Container string `json:"container"`
	Blob      string `json:"blob,omitempty"`
	LeaseID   string `json:"lease_id,omitempty"`
	// State is the derived lease state after the action.
	State string `json:"state"`
	// ExpiresAtUnix is zero for infinite leases.
	ExpiresAtUnix int64 `json:"expires_at_unix,omitempty"`
	// RemainingSeconds reports the break countdown after a break action.
	RemainingSeconds int64 `json:"remaining_seconds,omitempty"`
}

// ListContainersRequest models POST /v1/list/containers.
type ListContainersRequest struct {
	Prefix          string `json:"prefix,omitempty"`
	IncludeMetadata bool   `json:"include_metadata,omitempty"`
	PageSize        int    `json:"page_size,omitempty"`
	// Cursor resumes a prior listing; opaque.
	Cursor string `json:"cursor,omitempty"`
}

// ListContainersResponse is one page of containers.
type ListContainersResponse struct {
	Containers []ContainerResponse `json:"containers"`
	// Cursor is empty on and after the final page.
	Cursor string `json:"cursor,omitempty"`
}

// ListBlobsRequest models POST /v1/list/blobs.
type ListBlobsRequest struct {
	Container string `json:"container"`
	Prefix    string `json:"prefix,omitempty"`
	// Delimiter switches to hierarchical listing when non-empty.
	Delimiter        string `json:"delimiter,omitempty"`
	IncludeSnapshots bool   `json:"include_snapshots,omitempty"`
	PageSize         int    `json:"page_size,omitempty"`
	Cursor           string `json:"cursor,omitempty"`
}

// ListBlobsResponse is one page of blobs and, for hierarchical listings,
// virtual directory prefixes.
type ListBlobsResponse struct {
	Container string         `json:"container"`
	Blobs     []BlobResponse `json:"blobs,omitempty"`
	// Prefixes holds virtual directory entries ending in the delimiter.
	Prefixes []string `json:"prefixes,omitempty"`
	Cursor   string   `json:"cursor,omitempty"`
}

// StartCopyRequest models POST /v1/blob/copy.
type StartCopyRequest struct {
	SourceContainer string `json:"source_container"`
	SourceBlob      string `json:"source_blob"`
	// SourceSnapshot copies from an immutable version when set.
	SourceSnapshot string `json:"source_snapshot,omitempty"`
	TargetContainer string `json:"target_container"`
	TargetBlob      string `json:"target_blob"`
	LeaseID         string `json:"lease_id,omitempty"`
}

// CopyStatusResponse reports progress of a copy operation.
type CopyStatusResponse struct {
	Container   string `json:"container"`
	Blob        string `json:"blob"`
	CopyID      string `json:"copy_id"`
	Status      string `json:"status"`
	BytesCopied int64  `json:"bytes_copied"`
	TotalBytes  int64  `json:"total_bytes"`
	Error       string `json:"error,omitempty"`
}

// AbortCopyRequest models POST /v1/blob/copy/abort.
type AbortCopyRequest struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
	CopyID    string `json:"copy_id"`
}

// SignSASRequest models POST /v1/sas/sign.
type SignSASRequest struct {
	// KeyName selects the signing account key.
	KeyName string `json:"key_name"`
	// Scope is account, container, or blob.
	Scope string `json:"scope"`
	// Container/Blob narrow the resource for container- and blob-scoped tokens.
	Container string `json:"container,omitempty"`
	Blob      string `json:"blob,omitempty"`
	// Permissions is the permission string, e.g. "rl". Ignored when
	// PolicyID references a stored access policy.
	Permissions string `json:"permissions,omitempty"`
	StartUnix   int64  `json:"start_unix,omitempty"`
	ExpiryUnix  int64  `json:"expiry_unix,omitempty"`
	// PolicyID binds the token to a container stored access policy.
	PolicyID string `json:"policy_id,omitempty"`
}

// SignSASResponse returns the encoded token.
type SignSASResponse struct {
	Token string `json:"token"`
}

// ValidateSASRequest models POST /v1/sas/validate.
type ValidateSASRequest struct {
	Token string `json:"token"`
	// Scope/Container/Blob describe the resource being accessed.
	Scope     string `json:"scope"`
	Container string `json:"container,omitempty"`
	Blob      string `json:"blob,omitempty"`
	// Permission names the single required capability, e.g. "w".
	Permission string `json:"permission"`
}

// ValidateSASResponse reports the authorization decision.
type ValidateSASResponse struct {
	// Decision is ok, expired, permission_denied, bad_signature, or
	// policy_revoked. Tokens before their start window report expired.
	Decision string `json:"decision"`
}

// ErrorResponse is the uniform error body returned by every endpoint.
type ErrorResponse struct {
	Error      string `json:"error"`
	Detail     string `json:"detail,omitempty"`
	RetryAfter int64  `json:"retry_after_seconds,omitempty"`
	// ETag carries the current document version on etag_mismatch errors.
	ETag string `json:"etag,omitempty"`
}
