package core

import (
	"context"

	"pkt.systems/blobd/internal/storage"
	"pkt.systems/blobd/internal/uuidv7"
)

const (
	minLeaseSeconds = 15
	maxLeaseSeconds = 60
)

// leaseCounted reports whether the persisted lease is represented in the
// active-lease gauge. A lapsed lease stays counted until a transition
// replaces or clears it, so those transitions must not count it again.
func leaseCounted(l *storage.LeaseDoc) bool {
	return l != nil && (l.State == storage.LeaseStateLeased || l.State == storage.LeaseStateBreaking)
}

func (r LeaseResource) label() string {
	if r.Blob == "" {
		return "container " + r.Container
	}
	return "blob " + r.Container + "/" + r.Blob
}

// applyLease runs a lease transition against the resource's persisted lease
// under the document CAS loop. Lease transitions never touch the blob's
// content ETag.
func (s *Service) applyLease(ctx context.Context, res LeaseResource, fn func(lease *storage.LeaseDoc, now int64) (*storage.LeaseDoc, LeaseResult, error)) (LeaseResult, error) {
	var result LeaseResult
	apply := func(lease **storage.LeaseDoc) (bool, error) {
		next, r, err := fn(*lease, s.nowUnix())
		if err != nil {
			return false, err
		}
		result = r
		result.Resource = res
		*lease = next
		return true, nil
	}
	var err error
	if res.Blob == "" {
		_, _, err = s.mutateContainer(ctx, res.Container, func(doc *storage.ContainerDoc, _ string) (bool, error) {
			return apply(&doc.Lease)
		})
	} else {
		_, _, err = s.mutateBlob(ctx, res.Container, res.Blob, func(doc *storage.BlobDoc) (bool, error) {
			return apply(&doc.Lease)
		})
	}
	if err != nil {
		return LeaseResult{}, err
	}
	return result, nil
}

// AcquireLease acquires a lease when the resource reads Available, Expired,
// or Broken. Re-acquiring with the currently held lease ID refreshes the
// lease instead of conflicting.
func (s *Service) AcquireLease(ctx context.Context, cmd AcquireLeaseCommand) (LeaseResult, error) {
	start := s.now()
	res, err := s.acquireLease(ctx, cmd)
	s.metrics.record(ctx, "lease.acquire", start, err)
	return res, err
}

func (s *Service) acquireLease(ctx context.Context, cmd AcquireLeaseCommand) (LeaseResult, error) {
	duration := cmd.DurationSeconds
	if duration == -1 {
		duration = 0 // infinite
	}
	if duration != 0 && (duration < minLeaseSeconds || duration > maxLeaseSeconds) {
		return LeaseResult{}, invalidLeaseDuration(cmd.DurationSeconds)
	}
	return s.applyLease(ctx, cmd.Resource, func(lease *storage.LeaseDoc, now int64) (*storage.LeaseDoc, LeaseResult, error) {
		switch leaseView(lease, now) {
		case LeaseStateLeased:
			if cmd.ProposedLeaseID == "" || cmd.ProposedLeaseID != lease.ID {
				return nil, LeaseResult{}, leaseAlreadyPresent(cmd.Resource.label())
			}
			// Same-ID re-acquire refreshes the lease with the new duration.
		case LeaseStateBreaking:
			return nil, LeaseResult{}, leaseAlreadyPresent(cmd.Resource.label())
		default:
			// Acquiring over an expired (persisted Leased) lease replaces a
			// lease the gauge already counts.
			if !leaseCounted(lease) {
				s.metrics.leaseDelta(cmd.Resource.Blob != "", 1)
			}
		}
		id := cmd.ProposedLeaseID
		if id == "" {
			id = uuidv7.NewString()
		}
		next := &storage.LeaseDoc{
			ID:              id,
			State:           storage.LeaseStateLeased,
			DurationSeconds: duration,
			AcquiredAtUnix:  now,
		}
		if duration > 0 {
			next.ExpiresAtUnix = now + duration
		}
		return next, LeaseResult{LeaseID: id, State: LeaseStateLeased, ExpiresAtUnix: next.ExpiresAtUnix}, nil
	})
}

// RenewLease extends a fixed lease by its original duration from now. A lease
// that already reads Expired renews successfully as long as nobody else
// acquired in between; a breaking or broken lease cannot be renewed.
func (s *Service) RenewLease(ctx context.Context, cmd RenewLeaseCommand) (LeaseResult, error) {
	start := s.now()
	res, err := s.renewLease(ctx, cmd)
	s.metrics.record(ctx, "lease.renew", start, err)
	return res, err
}

func (s *Service) renewLease(ctx context.Context, cmd RenewLeaseCommand) (LeaseResult, error) {
	return s.applyLease(ctx, cmd.Resource, func(lease *storage.LeaseDoc, now int64) (*storage.LeaseDoc, LeaseResult, error) {
		switch leaseView(lease, now) {
		case LeaseStateAvailable, LeaseStateBroken:
			return nil, LeaseResult{}, leaseNotPresent(cmd.Resource.label())
		case LeaseStateBreaking:
			return nil, LeaseResult{}, Failure{Code: CodeLeaseAlreadyPresent, Detail: "lease is breaking and cannot be renewed", HTTPStatus: 409}
		}
		if lease.ID != cmd.LeaseID {
			return nil, LeaseResult{}, leaseIDMismatch(cmd.Resource.label())
		}
		next := *lease
		next.State = storage.LeaseStateLeased
		if next.DurationSeconds > 0 {
			next.ExpiresAtUnix = now + next.DurationSeconds
		}
		return &next, LeaseResult{LeaseID: next.ID, State: LeaseStateLeased, ExpiresAtUnix: next.ExpiresAtUnix}, nil
	})
}

// ChangeLease atomically swaps the active lease ID. The old ID authorizes
// the swap, the proposed ID becomes the new token.
func (s *Service) ChangeLease(ctx context.Context, cmd ChangeLeaseCommand) (LeaseResult, error) {
	start := s.now()
	res, err := s.changeLease(ctx, cmd)
	s.metrics.record(ctx, "lease.change", start, err)
	return res, err
}

func (s *Service) changeLease(ctx context.Context, cmd ChangeLeaseCommand) (LeaseResult, error) {
	if cmd.ProposedLeaseID == "" {
		return LeaseResult{}, invalidArgument("change requires a proposed lease id")
	}
	return s.applyLease(ctx, cmd.Resource, func(lease *storage.LeaseDoc, now int64) (*storage.LeaseDoc, LeaseResult, error) {
		switch leaseView(lease, now) {
		case LeaseStateLeased:
		case LeaseStateBreaking:
			return nil, LeaseResult{}, Failure{Code: CodeLeaseAlreadyPresent, Detail: "lease is breaking and cannot be changed", HTTPStatus: 409}
		default:
			return nil, LeaseResult{}, leaseNotPresent(cmd.Resource.label())
		}
		if lease.ID != cmd.LeaseID {
			return nil, LeaseResult{}, leaseIDMismatch(cmd.Resource.label())
		}
		next := *lease
		next.ID = cmd.ProposedLeaseID
		return &next, LeaseResult{LeaseID: next.ID, State: LeaseStateLeased, ExpiresAtUnix: next.ExpiresAtUnix}, nil
	})
}

// ReleaseLease relinquishes the lease immediately. The matching ID is
// required; release works from any persisted lease state.
func (s *Service) ReleaseLease(ctx context.Context, cmd ReleaseLeaseCommand) (LeaseResult, error) {
	start := s.now()
	res, err := s.releaseLease(ctx, cmd)
	s.metrics.record(ctx, "lease.release", start, err)
	return res, err
}

func (s *Service) releaseLease(ctx context.Context, cmd ReleaseLeaseCommand) (LeaseResult, error) {
	return s.applyLease(ctx, cmd.Resource, func(lease *storage.LeaseDoc, now int64) (*storage.LeaseDoc, LeaseResult, error) {
		if lease == nil {
			return nil, LeaseResult{}, leaseNotPresent(cmd.Resource.label())
		}
		if lease.ID != cmd.LeaseID {
			return nil, LeaseResult{}, leaseIDMismatch(cmd.Resource.label())
		}
		if leaseCounted(lease) {
			s.metrics.leaseDelta(cmd.Resource.Blob != "", -1)
		}
		return nil, LeaseResult{State: LeaseStateAvailable}, nil
	})
}

// BreakLease forces the lease toward Broken without presenting its ID. An
// omitted break period defaults to the remaining lease time (immediate for
// infinite leases); zero breaks immediately. Breaking an already-broken or
// expired lease reports Broken with zero remaining.
func (s *Service) BreakLease(ctx context.Context, cmd BreakLeaseCommand) (LeaseResult, error) {
	start := s.now()
	res, err := s.breakLease(ctx, cmd)
	s.metrics.record(ctx, "lease.break", start, err)
	return res, err
}

func (s *Service) breakLease(ctx context.Context, cmd BreakLeaseCommand) (LeaseResult, error) {
	if cmd.PeriodSet && cmd.BreakPeriodSeconds > int64(maxLeaseSeconds) {
		return LeaseResult{}, invalidArgument("break period must not exceed the maximum lease duration")
	}
	return s.applyLease(ctx, cmd.Resource, func(lease *storage.LeaseDoc, now int64) (*storage.LeaseDoc, LeaseResult, error) {
		state := leaseView(lease, now)
		switch state {
		case LeaseStateAvailable:
			return nil, LeaseResult{}, leaseNotPresent(cmd.Resource.label())
		case LeaseStateBroken, LeaseStateExpired:
			if leaseCounted(lease) {
				s.metrics.leaseDelta(cmd.Resource.Blob != "", -1)
			}
			next := *lease
			next.State = storage.LeaseStateBroken
			next.BreakAtUnix = now
			return &next, LeaseResult{State: LeaseStateBroken}, nil
		}

		// Remaining exclusivity window; -1 stands in for infinite.
		remaining := int64(-1)
		if state == LeaseStateBreaking {
			remaining = lease.BreakAtUnix - now
		} else if lease.DurationSeconds > 0 {
			remaining = lease.ExpiresAtUnix - now
		}

		period := cmd.BreakPeriodSeconds
		if !cmd.PeriodSet || period < 0 {
			period = remaining // infinite leases break immediately
		}
		if period < 0 {
			period = 0
		}
		if remaining >= 0 && period > remaining {
			period = remaining
		}

		next := *lease
		if period == 0 {
			next.State = storage.LeaseStateBroken
			next.BreakAtUnix = now
			s.metrics.leaseDelta(cmd.Resource.Blob != "", -1)
			return &next, LeaseResult{State: LeaseStateBroken}, nil
		}
		next.State = storage.LeaseStateBreaking
		next.BreakAtUnix = now + period
		return &next, LeaseResult{State: LeaseStateBreaking, RemainingSeconds: period}, nil
	})
}
