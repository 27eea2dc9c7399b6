// Package ledger defines the port for the durable store of decisions,
// leases, revocations and execution records.
//
// The port is split by capability. Read-only consumers such as status
// reports receive a Reader and have no path to mutate state.
package ledger

import (
	"context"

	"github.com/Strob0t/warden/internal/domain/authority"
)

// Reader exposes side-effect-free queries.
type Reader interface {
	// GetDecision returns the decision with the given ID or domain.ErrNotFound.
	GetDecision(ctx context.Context, id string) (*authority.Decision, error)

	// GetLease returns the lease with the given ID or domain.ErrNotFound.
	GetLease(ctx context.Context, id string) (*authority.Lease, error)

	// CheckDecisionApproved returns the lease ID issued for an approved
	// decision, or "" while the decision is pending or denied.
	CheckDecisionApproved(ctx context.Context, decisionID string) (string, error)

	// IsDecisionDenied reports whether the decision was denied by policy
	// or by a reviewer.
	IsDecisionDenied(ctx context.Context, decisionID string) (bool, error)

	// IsLeaseRevoked reports whether the lease has been revoked.
	IsLeaseRevoked(ctx context.Context, leaseID string) (bool, error)

	// ListPendingDecisions returns unresolved needs_human decisions,
	// oldest first. Decisions recorded at the same instant keep insertion
	// order.
	ListPendingDecisions(ctx context.Context) ([]authority.Decision, error)

	// ListActiveLeases returns leases that are valid now, newest first.
	ListActiveLeases(ctx context.Context) ([]authority.Lease, error)

	// ListRevocations returns revocation records, optionally for one lease.
	ListRevocations(ctx context.Context, leaseID string) ([]authority.RevocationRecord, error)

	// ListActions returns execution records, optionally for one lease.
	ListActions(ctx context.Context, leaseID string) ([]authority.ActionRecord, error)

	// CountDecisions returns decision counts grouped by outcome and status,
	// ordered by outcome then status.
	CountDecisions(ctx context.Context) ([]authority.DecisionCount, error)
}

// Ledger is the full read-write capability. Every mutation is a single
// serializable transaction.
type Ledger interface {
	Reader

	// RecordDecision appends d. There is no deduplication.
	RecordDecision(ctx context.Context, d *authority.Decision) (string, error)

	// ResolveDecision resolves a pending decision. On approval it issues
	// and returns the lease in the same transaction; on denial the lease
	// is nil. A second resolution fails with domain.ErrAlreadyResolved.
	ResolveDecision(ctx context.Context, decisionID string, r authority.Resolution) (*authority.Lease, error)

	// RevokeLease marks a lease revoked and appends one revocation record.
	// A second call fails with domain.ErrAlreadyRevoked and writes nothing.
	RevokeLease(ctx context.Context, leaseID string, r authority.Revocation) (*authority.RevocationRecord, error)

	// ConsumeStep checks validity and increments steps_used atomically.
	// It returns the updated lease or a *authority.LeaseInvalidError.
	ConsumeStep(ctx context.Context, leaseID string) (*authority.Lease, error)

	// RecordAction appends an execution record.
	RecordAction(ctx context.Context, a *authority.ActionRecord) error
}
