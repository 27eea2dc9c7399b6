// Package authority holds the ledger entities: decisions, the leases
// issued for approved decisions, revocations, and the audit trail of
// executions attempted under a lease.
package authority

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/warden/internal/domain"
	"github.com/Strob0t/warden/internal/domain/policy"
)

// Status tracks whether a decision has been resolved.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// ResolvedByPolicy marks decisions resolved without a reviewer.
const ResolvedByPolicy = "policy"

// Decision is the recorded evaluation of one action request. Outcome and
// Context are fixed at creation; the resolution fields are written once.
type Decision struct {
	ID          string             `json:"id"`
	AgentID     string             `json:"agent_id"`
	ActionName  string             `json:"action_name"`
	Context     policy.Context     `json:"context,omitempty"`
	Outcome     policy.Outcome     `json:"outcome"`
	Reason      string             `json:"reason"`
	PolicyName  string             `json:"policy_name"`
	Constraints policy.Constraints `json:"constraints"`
	CreatedAt   time.Time          `json:"created_at"`

	Status     Status     `json:"status"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	Rationale  string     `json:"rationale,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	LeaseID    string     `json:"lease_id,omitempty"`
}

// NewDecision builds an unpersisted decision from an evaluation result.
// Policy denials are born resolved; every other outcome starts pending.
func NewDecision(id, agentID, action string, ctx policy.Context, res policy.EvaluationResult, now time.Time) Decision {
	d := Decision{
		ID:          id,
		AgentID:     agentID,
		ActionName:  action,
		Context:     ctx.Clone(),
		Outcome:     res.Outcome,
		Reason:      res.Reason,
		PolicyName:  res.Policy,
		Constraints: res.Constraints,
		CreatedAt:   now,
		Status:      StatusPending,
	}
	if res.Outcome == policy.OutcomeDeny {
		at := now
		d.Status = StatusDenied
		d.ResolvedBy = ResolvedByPolicy
		d.Rationale = res.Reason
		d.ResolvedAt = &at
	}
	return d
}

// Resolved reports whether the decision left the pending state.
func (d *Decision) Resolved() bool { return d.Status != StatusPending }

// Validate checks the fields a ledger requires before persisting.
func (d *Decision) Validate() error {
	switch {
	case d.ID == "":
		return fmt.Errorf("%w: decision id is required", domain.ErrValidation)
	case d.ActionName == "":
		return fmt.Errorf("%w: action name is required", domain.ErrValidation)
	case !d.Outcome.Valid():
		return fmt.Errorf("%w: invalid outcome %q", domain.ErrValidation, d.Outcome)
	}
	switch d.Status {
	case StatusPending, StatusApproved, StatusDenied:
	default:
		return fmt.Errorf("%w: invalid status %q", domain.ErrValidation, d.Status)
	}
	return nil
}

// Verdict is a reviewer's answer to a pending decision.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictDeny    Verdict = "deny"
)

// Resolution carries a verdict and the lease terms chosen by the resolver.
// Zero MaxSteps or TTL fall back to the decision's constraints and then
// to the package defaults.
type Resolution struct {
	Verdict    Verdict
	Rationale  string
	ResolvedBy string
	MaxSteps   int
	TTL        time.Duration
}

// Validate checks a resolution before it reaches the ledger.
func (r *Resolution) Validate() error {
	if r.Verdict != VerdictApprove && r.Verdict != VerdictDeny {
		return fmt.Errorf("%w: invalid verdict %q", domain.ErrValidation, r.Verdict)
	}
	if strings.TrimSpace(r.Rationale) == "" {
		return fmt.Errorf("%w: rationale is required", domain.ErrValidation)
	}
	if r.MaxSteps < 0 || r.TTL < 0 {
		return fmt.Errorf("%w: lease limits must be >= 0", domain.ErrValidation)
	}
	return nil
}

// Status returns the decision status this verdict produces.
func (v Verdict) Status() Status {
	if v == VerdictApprove {
		return StatusApproved
	}
	return StatusDenied
}

// DecisionCount is the number of decisions with one outcome and status.
type DecisionCount struct {
	Outcome policy.Outcome `json:"outcome"`
	Status  Status         `json:"status"`
	Count   int            `json:"count"`
}
