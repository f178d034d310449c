package core

import "pkt.systems/blobd/internal/storage"

// AccessCondition gates a mutating operation on lease ownership and/or an
// ETag match. A failed condition aborts the operation with no partial
// effects.
type AccessCondition struct {
	// LeaseID must match the resource's active lease when one exists.
	LeaseID string
	// IfMatch, when non-empty, must equal the resource's current ETag.
	IfMatch string
}

// CreateContainerCommand creates a container.
type CreateContainerCommand struct {
	Container    string
	Metadata     map[string]string
	PublicAccess string
}

// ContainerResult describes a container after a read or mutation.
type ContainerResult struct {
	Container     string
	CreatedAtUnix int64
	Metadata      map[string]string
	PublicAccess  string
	ETag          string
	LeaseState    string
}

// DeleteContainerCommand removes a container and everything below it.
type DeleteContainerCommand struct {
	Container string
	Condition AccessCondition
}

// SetContainerMetadataCommand replaces the container metadata map.
type SetContainerMetadataCommand struct {
	Container string
	Metadata  map[string]string
	Condition AccessCondition
}

// SetContainerAccessCommand changes the container public-access level.
type SetContainerAccessCommand struct {
	Container    string
	PublicAccess string
	Condition    AccessCondition
}

// SetAccessPoliciesCommand replaces the container's stored access policies.
// An empty Policies map clears them all.
type SetAccessPoliciesCommand struct {
	Container string
	Policies  map[string]storage.AccessPolicyDoc
	Condition AccessCondition
}

// UploadBlobCommand writes whole-content blob data, creating or overwriting
// the base version.
type UploadBlobCommand struct {
	Container   string
	Blob        string
	Kind        string
	Content     []byte
	ContentType string
	Metadata    map[string]string
	// CreateOnly fails with BlobAlreadyExists when the blob exists.
	CreateOnly bool
	Condition  AccessCondition
}

// BlobResult carries blob properties after a read or mutation.
type BlobResult struct {
	Container        string
	Blob             string
	Kind             string
	ETag             string
	ContentLength    int64
	ContentType      string
	ContentMD5       string
	CreatedAtUnix    int64
	LastModifiedUnix int64
	Metadata         map[string]string
	LeaseState       string
	SnapshotCount    int
	Snapshot         string
	CopyID           string
	CopyStatus       string
}

// DownloadBlobCommand reads the base version, or a snapshot when Snapshot
// is set.
type DownloadBlobCommand struct {
	Container string
	Blob      string
	Snapshot  string
}

// DownloadBlobResult returns content together with properties.
type DownloadBlobResult struct {
	BlobResult
	Content []byte
}

// Cascade modes for DeleteBlobCommand.
const (
	CascadeNone             = "none"
	CascadeSnapshotsOnly    = "snapshots-only"
	CascadeIncludeSnapshots = "include-snapshots"
)

// DeleteBlobCommand deletes a blob. With snapshots present, Cascade selects
// between failing, deleting only the snapshots, or deleting everything.
type DeleteBlobCommand struct {
	Container string
	Blob      string
	Cascade   string
	Condition AccessCondition
}

// SetBlobMetadataCommand replaces the blob metadata map.
type SetBlobMetadataCommand struct {
	Container string
	Blob      string
	Metadata  map[string]string
	Condition AccessCondition
}

// SetBlobPropertiesCommand updates mutable blob properties.
type SetBlobPropertiesCommand struct {
	Container   string
	Blob        string
	ContentType string
	Condition   AccessCondition
}

// SnapshotCommand captures the blob's current content and metadata as an
// immutable version.
type SnapshotCommand struct {
	Container string
	Blob      string
	// Metadata overrides the captured metadata when non-nil.
	Metadata map[string]string
}

// SnapshotResult identifies the new snapshot.
type SnapshotResult struct {
	Container string
	Blob      string
	Snapshot  string
	ETag      string
}

// PromoteSnapshotCommand copies a snapshot's content and metadata into a
// writable blob.
type PromoteSnapshotCommand struct {
	Container       string
	Blob            string
	Snapshot        string
	TargetContainer string
	TargetBlob      string
	Condition       AccessCondition
}

// StageBlockCommand uploads one uncommitted block.
type StageBlockCommand struct {
	Container string
	Blob      string
	BlockID   string
	Content   []byte
	Condition AccessCondition
}

// CommitBlockListCommand atomically replaces the committed block list.
type CommitBlockListCommand struct {
	Container   string
	Blob        string
	BlockIDs    []string
	ContentType string
	Metadata    map[string]string
	Condition   AccessCondition
}

// BlockInfo describes one entry of a block list.
type BlockInfo struct {
	BlockID   string
	Size      int64
	Committed bool
}

// BlockListResult reports committed and staged blocks.
type BlockListResult struct {
	Container string
	Blob      string
	Blocks    []BlockInfo
	ETag      string
}

// CreatePageBlobCommand provisions a fixed-capacity sparse page blob.
type CreatePageBlobCommand struct {
	Container   string
	Blob        string
	Capacity    int64
	ContentType string
	Metadata    map[string]string
	Condition   AccessCondition
}

// WritePagesCommand writes a 512-aligned range of a page blob.
type WritePagesCommand struct {
	Container string
	Blob      string
	Offset    int64
	Content   []byte
	Condition AccessCondition
}

// ClearPagesCommand zeroes a 512-aligned range of a page blob.
type ClearPagesCommand struct {
	Container string
	Blob      string
	Offset    int64
	Length    int64
	Condition AccessCondition
}

// ReadPagesCommand reads a byte range; never-written pages read as zeroes.
type ReadPagesCommand struct {
	Container string
	Blob      string
	Offset    int64
	Length    int64
}

// PageRangesResult reports coalesced written ranges.
type PageRangesResult struct {
	Container string
	Blob      string
	Capacity  int64
	Ranges    []storage.PageRangeDoc
	ETag      string
}

// AppendBlockCommand appends content to an append blob.
type AppendBlockCommand struct {
	Container string
	Blob      string
	Content   []byte
	Condition AccessCondition
}

// LeaseResource locates the lease target: a container, or a blob within one.
type LeaseResource struct {
	Container string
	// Blob is empty for container leases.
	Blob string
}

// AcquireLeaseCommand acquires a lease on a resource.
type AcquireLeaseCommand struct {
	Resource LeaseResource
	// DurationSeconds is 15-60 for fixed leases, or -1/0 for infinite.
	DurationSeconds int64
	// ProposedLeaseID supplies the caller's ID; empty means server-generated.
	ProposedLeaseID string
}

// RenewLeaseCommand extends a fixed lease by its original duration from now.
type RenewLeaseCommand struct {
	Resource LeaseResource
	LeaseID  string
}

// ChangeLeaseCommand atomically swaps the active lease ID.
type ChangeLeaseCommand struct {
	Resource        LeaseResource
	LeaseID         string
	ProposedLeaseID string
}

// ReleaseLeaseCommand releases a lease immediately.
type ReleaseLeaseCommand struct {
	Resource LeaseResource
	LeaseID  string
}

// BreakLeaseCommand forces a lease toward Broken without the lease ID.
type BreakLeaseCommand struct {
	Resource LeaseResource
	// BreakPeriodSeconds bounds the break window; negative means "remaining
	// lease time", zero breaks immediately.
	BreakPeriodSeconds int64
	// PeriodSet distinguishes an explicit zero period from an absent one.
	PeriodSet bool
}

// LeaseResult reports lease state after an action.
type LeaseResult struct {
	Resource         LeaseResource
	LeaseID          string
	State            string
	ExpiresAtUnix    int64
	RemainingSeconds int64
}

// ListContainersCommand enumerates containers.
type ListContainersCommand struct {
	Prefix          string
	IncludeMetadata bool
	PageSize        int
	Cursor          string
}

// ListContainersResult is one page of containers.
type ListContainersResult struct {
	Containers []ContainerResult
	Cursor     string
}

// ListBlobsFlatCommand enumerates blobs lexicographically, optionally
// interleaving snapshots after their base blob.
type ListBlobsFlatCommand struct {
	Container        string
	Prefix           string
	IncludeSnapshots bool
	PageSize         int
	Cursor           string
}

// ListBlobsHierarchicalCommand groups blob names on the first delimiter
// occurrence after the prefix, yielding blobs and virtual directories.
type ListBlobsHierarchicalCommand struct {
	Container string
	Prefix    string
	Delimiter string
	PageSize  int
	Cursor    string
}

// ListBlobsResult is one page of blobs and, for hierarchical listings,
// virtual directory prefixes.
type ListBlobsResult struct {
	Container string
	Blobs     []BlobResult
	Prefixes  []string
	Cursor    string
}

// StartCopyCommand begins an asynchronous blob copy.
type StartCopyCommand struct {
	SourceContainer string
	SourceBlob      string
	SourceSnapshot  string
	TargetContainer string
	TargetBlob      string
	Condition       AccessCondition
}

// CopyStatusResult reports copy progress persisted on the destination.
type CopyStatusResult struct {
	Container   string
	Blob        string
	CopyID      string
	Status      string
	BytesCopied int64
	TotalBytes  int64
	Error       string
}

// AbortCopyCommand cancels a pending copy and rolls back the destination.
type AbortCopyCommand struct {
	Container string
	Blob      string
	CopyID    string
}
