package core

import "pkt.systems/blobd/internal/storage"

// Effective lease states. Leased, Breaking, and Broken are persisted;
// Available and Expired are derived at read time.
const (
	LeaseStateAvailable = "available"
	LeaseStateLeased    = storage.LeaseStateLeased
	LeaseStateBreaking  = storage.LeaseStateBreaking
	LeaseStateBroken    = storage.LeaseStateBroken
	LeaseStateExpired   = "expired"
)

// leaseView derives the effective lease state at now. Expiry and break
// completion are never written back eagerly; readers evaluate them lazily.
func leaseView(l *storage.LeaseDoc, now int64) string {
	if l == nil {
		return LeaseStateAvailable
	}
	switch l.State {
	case storage.LeaseStateLeased:
		if l.DurationSeconds > 0 && now >= l.ExpiresAtUnix {
			return LeaseStateExpired
		}
		return LeaseStateLeased
	case storage.LeaseStateBreaking:
		if now >= l.BreakAtUnix {
			return LeaseStateBroken
		}
		return LeaseStateBreaking
	case storage.LeaseStateBroken:
		return LeaseStateBroken
	}
	return LeaseStateAvailable
}

// leaseHolds reports whether the lease still grants exclusivity at now.
func leaseHolds(l *storage.LeaseDoc, now int64) bool {
	state := leaseView(l, now)
	return state == LeaseStateLeased || state == LeaseStateBreaking
}

// checkCondition enforces the access condition against the resource's lease
// and visible ETag. Mutations on a held lease must present the matching ID;
// presenting an ID against an unleased resource is rejected so stale holders
// notice they lost the lease.
func checkCondition(resource string, lease *storage.LeaseDoc, etag string, cond AccessCondition, now int64) error {
	if cond.IfMatch != "" && cond.IfMatch != etag {
		return etagMismatch(etag)
	}
	if leaseHolds(lease, now) {
		if cond.LeaseID == "" {
			return leaseIDMissing(resource)
		}
		if cond.LeaseID != lease.ID {
			return leaseIDMismatch(resource)
		}
		return nil
	}
	if cond.LeaseID != "" {
		return leaseNotPresent(resource)
	}
	return nil
}
