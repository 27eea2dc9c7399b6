package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	wotel "github.com/Strob0t/warden/internal/adapter/otel"
	"github.com/Strob0t/warden/internal/config"
	"github.com/Strob0t/warden/internal/domain"
	"github.com/Strob0t/warden/internal/domain/authority"
	"github.com/Strob0t/warden/internal/logger"
	"github.com/Strob0t/warden/internal/port/ledger"
)

// batchConcurrency bounds parallel resolutions in ApproveAll and DenyAll.
const batchConcurrency = 4

// LeaseTerms are reviewer overrides for an approval. Zero fields fall
// back to the rule's limits, then to the configured defaults.
type LeaseTerms struct {
	MaxSteps int
	TTL      time.Duration
}

// BatchResult is the outcome of resolving one decision in a batch.
type BatchResult struct {
	DecisionID string
	Action     string
	Lease      *authority.Lease
	Err        error
}

// Inspection is everything the ledger holds about one decision.
type Inspection struct {
	Decision    *authority.Decision          `json:"decision"`
	Lease       *authority.Lease             `json:"lease,omitempty"`
	Revocations []authority.RevocationRecord `json:"revocations,omitempty"`
	Actions     []authority.ActionRecord     `json:"actions,omitempty"`
}

// ReviewService is the reviewer side of the ledger: it resolves pending
// decisions and revokes leases.
type ReviewService struct {
	ledger  ledger.Ledger
	lease   config.Lease
	events  *EventPublisher
	metrics *wotel.Metrics
}

// NewReviewService creates a ReviewService. events and metrics may be nil.
func NewReviewService(l ledger.Ledger, lease config.Lease, events *EventPublisher, metrics *wotel.Metrics) *ReviewService {
	return &ReviewService{ledger: l, lease: lease, events: events, metrics: metrics}
}

func reviewerID(reviewer string) (string, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return "", fmt.Errorf("%w: reviewer is required", domain.ErrValidation)
	}
	return authority.Human(reviewer), nil
}

// Approve approves a pending decision and returns the lease issued for it.
func (s *ReviewService) Approve(ctx context.Context, decisionID, reviewer, rationale string, terms LeaseTerms) (*authority.Lease, error) {
	by, err := reviewerID(reviewer)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithDecisionID(ctx, decisionID)
	ctx, span := wotel.StartResolveSpan(ctx, decisionID, string(authority.VerdictApprove))

	lease, err := s.approve(ctx, decisionID, by, rationale, terms)
	wotel.EndSpan(span, err)
	return lease, err
}

func (s *ReviewService) approve(ctx context.Context, decisionID, by, rationale string, terms LeaseTerms) (*authority.Lease, error) {
	d, err := s.ledger.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, fmt.Errorf("approve %s: %w", decisionID, err)
	}
	r := authority.Resolution{
		Verdict:    authority.VerdictApprove,
		Rationale:  rationale,
		ResolvedBy: by,
		MaxSteps:   terms.MaxSteps,
		TTL:        terms.TTL,
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("approve %s: %w", decisionID, err)
	}
	r.MaxSteps, r.TTL = authority.Terms(d, &r, s.lease.DefaultMaxSteps, s.lease.DefaultTTL)

	lease, err := s.ledger.ResolveDecision(ctx, decisionID, r)
	if err != nil {
		return nil, fmt.Errorf("approve %s: %w", decisionID, err)
	}
	slog.InfoContext(logger.WithLeaseID(ctx, lease.ID), "decision approved",
		"resolved_by", by,
		"max_steps", lease.MaxSteps,
		"expires_at", lease.ExpiresAt,
	)
	s.metrics.DecisionResolved(ctx, string(authority.StatusApproved))
	s.announceResolution(ctx, decisionID)
	return lease, nil
}

// Deny denies a pending decision. The denial is permanent.
func (s *ReviewService) Deny(ctx context.Context, decisionID, reviewer, rationale string) error {
	by, err := reviewerID(reviewer)
	if err != nil {
		return err
	}
	ctx = logger.WithDecisionID(ctx, decisionID)
	ctx, span := wotel.StartResolveSpan(ctx, decisionID, string(authority.VerdictDeny))

	_, err = s.ledger.ResolveDecision(ctx, decisionID, authority.Resolution{
		Verdict:    authority.VerdictDeny,
		Rationale:  rationale,
		ResolvedBy: by,
	})
	if err != nil {
		err = fmt.Errorf("deny %s: %w", decisionID, err)
	} else {
		slog.InfoContext(ctx, "decision denied", "resolved_by", by)
		s.metrics.DecisionResolved(ctx, string(authority.StatusDenied))
		s.announceResolution(ctx, decisionID)
	}
	wotel.EndSpan(span, err)
	return err
}

func (s *ReviewService) announceResolution(ctx context.Context, decisionID string) {
	if s.events == nil {
		return
	}
	d, err := s.ledger.GetDecision(ctx, decisionID)
	if err != nil {
		slog.WarnContext(ctx, "reload resolved decision", "error", err)
		return
	}
	s.events.DecisionResolved(ctx, d)
}

// Revoke revokes a lease. A lease can be revoked once; later calls fail
// with domain.ErrAlreadyRevoked.
func (s *ReviewService) Revoke(ctx context.Context, leaseID, reviewer string, reason authority.RevocationReason, detail string) (*authority.RevocationRecord, error) {
	by, err := reviewerID(reviewer)
	if err != nil {
		return nil, err
	}
	return s.revoke(ctx, leaseID, authority.Revocation{Reason: reason, Detail: detail, RevokedBy: by})
}

// RevokeAs revokes a lease on behalf of a non-human revoker such as
// authority.RevokedBySystem.
func (s *ReviewService) RevokeAs(ctx context.Context, leaseID string, rev authority.Revocation) (*authority.RevocationRecord, error) {
	return s.revoke(ctx, leaseID, rev)
}

func (s *ReviewService) revoke(ctx context.Context, leaseID string, rev authority.Revocation) (*authority.RevocationRecord, error) {
	ctx = logger.WithLeaseID(ctx, leaseID)
	rec, err := s.ledger.RevokeLease(ctx, leaseID, rev)
	if err != nil {
		return nil, fmt.Errorf("revoke %s: %w", leaseID, err)
	}
	slog.InfoContext(ctx, "lease revoked", "reason", rec.Reason, "revoked_by", rec.RevokedBy)
	s.metrics.LeaseRevoked(ctx, string(rec.Reason))
	s.events.LeaseRevoked(ctx, rec)
	return rec, nil
}

// ApproveAll approves every currently pending decision. Each item
// succeeds or fails on its own; a decision resolved concurrently by
// someone else reports domain.ErrAlreadyResolved. The error is only set
// when the pending list cannot be read.
func (s *ReviewService) ApproveAll(ctx context.Context, reviewer, rationale string, terms LeaseTerms) ([]BatchResult, error) {
	return s.batch(ctx, reviewer, func(ctx context.Context, id string) (*authority.Lease, error) {
		return s.Approve(ctx, id, reviewer, rationale, terms)
	})
}

// DenyAll denies every currently pending decision, reporting per item
// like ApproveAll.
func (s *ReviewService) DenyAll(ctx context.Context, reviewer, rationale string) ([]BatchResult, error) {
	return s.batch(ctx, reviewer, func(ctx context.Context, id string) (*authority.Lease, error) {
		return nil, s.Deny(ctx, id, reviewer, rationale)
	})
}

func (s *ReviewService) batch(ctx context.Context, reviewer string, resolve func(context.Context, string) (*authority.Lease, error)) ([]BatchResult, error) {
	if _, err := reviewerID(reviewer); err != nil {
		return nil, err
	}
	pending, err := s.ledger.ListPendingDecisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending decisions: %w", err)
	}

	results := make([]BatchResult, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i := range pending {
		d := pending[i]
		g.Go(func() error {
			lease, err := resolve(gctx, d.ID)
			results[i] = BatchResult{DecisionID: d.ID, Action: d.ActionName, Lease: lease, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// ListPending returns decisions waiting on a reviewer, oldest first.
func (s *ReviewService) ListPending(ctx context.Context) ([]authority.Decision, error) {
	ds, err := s.ledger.ListPendingDecisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending decisions: %w", err)
	}
	return ds, nil
}

// ListActiveLeases returns leases valid now, newest first.
func (s *ReviewService) ListActiveLeases(ctx context.Context) ([]authority.Lease, error) {
	ls, err := s.ledger.ListActiveLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active leases: %w", err)
	}
	return ls, nil
}

// ListActions returns the execution trail, optionally for one lease.
func (s *ReviewService) ListActions(ctx context.Context, leaseID string) ([]authority.ActionRecord, error) {
	as, err := s.ledger.ListActions(ctx, leaseID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return as, nil
}

// Inspect gathers a decision with its lease, revocations and actions.
func (s *ReviewService) Inspect(ctx context.Context, decisionID string) (*Inspection, error) {
	d, err := s.ledger.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", decisionID, err)
	}
	in := &Inspection{Decision: d}
	if d.LeaseID == "" {
		return in, nil
	}
	if in.Lease, err = s.ledger.GetLease(ctx, d.LeaseID); err != nil {
		return nil, fmt.Errorf("inspect %s: %w", decisionID, err)
	}
	if in.Revocations, err = s.ledger.ListRevocations(ctx, d.LeaseID); err != nil {
		return nil, fmt.Errorf("inspect %s: %w", decisionID, err)
	}
	if in.Actions, err = s.ledger.ListActions(ctx, d.LeaseID); err != nil {
		return nil, fmt.Errorf("inspect %s: %w", decisionID, err)
	}
	return in, nil
}
