package core

import (
	"fmt"
	"net/http"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	ETag       string
	HTTPStatus int // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Error codes returned in Failure.Code. The HTTP adapter maps these onto
// status codes via the HTTPStatus hint.
const (
	CodeContainerNotFound      = "container_not_found"
	CodeBlobNotFound           = "blob_not_found"
	CodeSnapshotNotFound       = "snapshot_not_found"
	CodeContainerAlreadyExists = "container_already_exists"
	CodeBlobAlreadyExists      = "blob_already_exists"
	CodeSnapshotsPresent       = "snapshots_present"
	CodeCopyConflict           = "copy_conflict"
	CodeLeaseIDMissing         = "lease_id_missing"
	CodeLeaseIDMismatch        = "lease_id_mismatch"
	CodeETagMismatch           = "etag_mismatch"
	CodeInvalidLeaseDuration   = "invalid_lease_duration"
	CodeLeaseAlreadyPresent    = "lease_already_present"
	CodeLeaseNotPresent        = "lease_not_present"
	CodeInvalidArgument        = "invalid_argument"
	CodeAuthBadSignature       = "auth_bad_signature"
	CodeAuthPermissionDenied   = "auth_permission_denied"
	CodeAuthExpired            = "auth_expired"
	CodeAuthPolicyRevoked      = "auth_policy_revoked"
	CodePolicyNotFound         = "policy_not_found"
	CodeInternal               = "internal"
)

func containerNotFound(name string) Failure {
	return Failure{Code: CodeContainerNotFound, Detail: fmt.Sprintf("container %q does not exist", name), HTTPStatus: http.StatusNotFound}
}

func blobNotFound(container, name string) Failure {
	return Failure{Code: CodeBlobNotFound, Detail: fmt.Sprintf("blob %q does not exist in container %q", name, container), HTTPStatus: http.StatusNotFound}
}

func snapshotNotFound(container, name, snapshot string) Failure {
	return Failure{Code: CodeSnapshotNotFound, Detail: fmt.Sprintf("snapshot %q of blob %q/%q does not exist", snapshot, container, name), HTTPStatus: http.StatusNotFound}
}

func containerAlreadyExists(name string) Failure {
	return Failure{Code: CodeContainerAlreadyExists, Detail: fmt.Sprintf("container %q already exists", name), HTTPStatus: http.StatusConflict}
}

func blobAlreadyExists(container, name string) Failure {
	return Failure{Code: CodeBlobAlreadyExists, Detail: fmt.Sprintf("blob %q already exists in container %q", name, container), HTTPStatus: http.StatusConflict}
}

func snapshotsPresent(container, name string) Failure {
	return Failure{Code: CodeSnapshotsPresent, Detail: fmt.Sprintf("blob %q/%q has snapshots; delete requires a cascade mode", container, name), HTTPStatus: http.StatusConflict}
}

func copyConflict(detail string) Failure {
	return Failure{Code: CodeCopyConflict, Detail: detail, HTTPStatus: http.StatusConflict}
}

func leaseIDMissing(resource string) Failure {
	return Failure{Code: CodeLeaseIDMissing, Detail: fmt.Sprintf("%s is leased; the request must carry the lease id", resource), HTTPStatus: http.StatusPreconditionFailed}
}

func leaseIDMismatch(resource string) Failure {
	return Failure{Code: CodeLeaseIDMismatch, Detail: fmt.Sprintf("lease id does not match the active lease on %s", resource), HTTPStatus: http.StatusConflict}
}

func etagMismatch(current string) Failure {
	return Failure{Code: CodeETagMismatch, Detail: "etag precondition failed", ETag: current, HTTPStatus: http.StatusPreconditionFailed}
}

func invalidLeaseDuration(seconds int64) Failure {
	return Failure{Code: CodeInvalidLeaseDuration, Detail: fmt.Sprintf("lease duration must be %d-%d seconds or -1 for infinite, got %d", minLeaseSeconds, maxLeaseSeconds, seconds), HTTPStatus: http.StatusBadRequest}
}

func leaseAlreadyPresent(resource string) Failure {
	return Failure{Code: CodeLeaseAlreadyPresent, Detail: fmt.Sprintf("%s already holds an active lease", resource), HTTPStatus: http.StatusConflict}
}

func leaseNotPresent(resource string) Failure {
	return Failure{Code: CodeLeaseNotPresent, Detail: fmt.Sprintf("%s has no active lease", resource), HTTPStatus: http.StatusConflict}
}

func invalidArgument(detail string) Failure {
	return Failure{Code: CodeInvalidArgument, Detail: detail, HTTPStatus: http.StatusBadRequest}
}

func policyNotFound(container, id string) Failure {
	return Failure{Code: CodePolicyNotFound, Detail: fmt.Sprintf("container %q has no stored access policy %q", container, id), HTTPStatus: http.StatusNotFound}
}

func internalError(err error) Failure {
	return Failure{Code: CodeInternal, Detail: err.Error(), HTTPStatus: http.StatusInternalServerError}
}
