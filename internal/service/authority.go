package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	wotel "github.com/Strob0t/warden/internal/adapter/otel"
	"github.com/Strob0t/warden/internal/config"
	"github.com/Strob0t/warden/internal/domain/authority"
	"github.com/Strob0t/warden/internal/domain/policy"
	"github.com/Strob0t/warden/internal/logger"
	"github.com/Strob0t/warden/internal/port/ledger"
)

// autoApproveRationale is recorded when an allow rule carries no reason.
const autoApproveRationale = "allowed by policy"

// Executor runs an authorized action. It is only invoked after a step of
// leaseID has been consumed.
type Executor func(ctx context.Context, action string, args map[string]any, leaseID string) (any, error)

// Invocation describes one action to run under a lease. Context, when
// set, is checked against the lease scope.
type Invocation struct {
	Action  string
	Args    map[string]any
	Context policy.Context
}

// RunResult is the outcome of Run. Executed is false when no lease was
// attached to the decision.
type RunResult struct {
	Decision *authority.Decision
	Result   any
	Executed bool
}

// AuthorityService answers authority requests for one agent and runs
// actions under the leases it obtains.
type AuthorityService struct {
	policy  *policy.Policy
	ledger  ledger.Ledger
	agentID string
	lease   config.Lease
	events  *EventPublisher
	metrics *wotel.Metrics
	now     func() time.Time
}

// AuthorityOption configures an AuthorityService.
type AuthorityOption func(*AuthorityService)

// WithEvents publishes ledger changes through p.
func WithEvents(p *EventPublisher) AuthorityOption {
	return func(s *AuthorityService) { s.events = p }
}

// WithMetrics records instruments on m.
func WithMetrics(m *wotel.Metrics) AuthorityOption {
	return func(s *AuthorityService) { s.metrics = m }
}

// WithLeaseDefaults sets the limits used when an allow rule omits them.
func WithLeaseDefaults(l config.Lease) AuthorityOption {
	return func(s *AuthorityService) { s.lease = l }
}

// WithClock overrides the time source used for decision timestamps.
func WithClock(now func() time.Time) AuthorityOption {
	return func(s *AuthorityService) { s.now = now }
}

// NewAuthorityService creates an AuthorityService evaluating p and
// persisting to l on behalf of agentID.
func NewAuthorityService(p *policy.Policy, l ledger.Ledger, agentID string, opts ...AuthorityOption) *AuthorityService {
	s := &AuthorityService{
		policy:  p,
		ledger:  l,
		agentID: agentID,
		lease:   config.Lease{DefaultMaxSteps: authority.DefaultMaxSteps, DefaultTTL: authority.DefaultTTL},
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AgentID returns the agent this service acts for.
func (s *AuthorityService) AgentID() string { return s.agentID }

// Policy returns the policy requests are evaluated against.
func (s *AuthorityService) Policy() *policy.Policy { return s.policy }

// RequestAuthority evaluates action against the policy and records the
// decision. Allowed requests are approved on the spot and come back with
// a lease; denied ones are terminal; needs_human decisions stay pending.
// A denial is not an error. If the automatic approval fails after the
// decision is recorded, the decision stays pending with outcome allow and
// is logged at error level so a reviewer can resolve it.
func (s *AuthorityService) RequestAuthority(ctx context.Context, action string, actx policy.Context) (*authority.Decision, error) {
	ctx = logger.WithAgentID(ctx, s.agentID)
	ctx, span := wotel.StartRequestSpan(ctx, s.agentID, action)
	d, err := s.requestAuthority(ctx, action, actx)
	wotel.EndSpan(span, err)
	return d, err
}

func (s *AuthorityService) requestAuthority(ctx context.Context, action string, actx policy.Context) (*authority.Decision, error) {
	res := s.policy.Evaluate(action, actx)
	d := authority.NewDecision("", s.agentID, action, actx, res, s.now().UTC())

	id, err := s.ledger.RecordDecision(ctx, &d)
	if err != nil {
		return nil, fmt.Errorf("request authority for %s: %w", action, err)
	}
	ctx = logger.WithDecisionID(ctx, id)
	slog.InfoContext(ctx, "decision recorded",
		"action", action,
		"outcome", d.Outcome,
		"rule_index", res.RuleIndex,
		"reason", d.Reason,
	)
	s.metrics.DecisionRecorded(ctx, string(d.Outcome))
	s.events.DecisionRecorded(ctx, &d)

	if d.Outcome != policy.OutcomeAllow {
		return &d, nil
	}

	r := authority.Resolution{
		Verdict:    authority.VerdictApprove,
		Rationale:  res.Reason,
		ResolvedBy: authority.ResolvedByPolicy,
	}
	if r.Rationale == "" {
		r.Rationale = autoApproveRationale
	}
	r.MaxSteps, r.TTL = authority.Terms(&d, &r, s.lease.DefaultMaxSteps, s.lease.DefaultTTL)

	lease, err := s.ledger.ResolveDecision(ctx, id, r)
	if err != nil {
		slog.ErrorContext(ctx, "allowed decision left unresolved", "action", action, "error", err)
		return nil, fmt.Errorf("auto-approve decision %s: %w", id, err)
	}
	slog.InfoContext(logger.WithLeaseID(ctx, lease.ID), "lease issued by policy",
		"action_pattern", lease.ActionPattern,
		"max_steps", lease.MaxSteps,
		"expires_at", lease.ExpiresAt,
	)
	s.metrics.DecisionResolved(ctx, string(authority.StatusApproved))

	resolved, err := s.ledger.GetDecision(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload decision %s: %w", id, err)
	}
	s.events.DecisionResolved(ctx, resolved)
	return resolved, nil
}

// Execute runs fn under leaseID. The lease is re-read from the ledger,
// checked against the invocation, and one step is consumed before fn is
// called. Invalid leases fail with *authority.LeaseInvalidError without
// running fn; failures of fn come back as *authority.ExecutionError.
// Every attempt is recorded in the action trail.
func (s *AuthorityService) Execute(ctx context.Context, leaseID string, inv Invocation, fn Executor) (any, error) {
	ctx = logger.WithLeaseID(logger.WithAgentID(ctx, s.agentID), leaseID)
	ctx, span := wotel.StartExecuteSpan(ctx, leaseID, inv.Action)
	out, err := s.execute(ctx, leaseID, inv, fn)
	wotel.EndSpan(span, err)
	return out, err
}

func (s *AuthorityService) execute(ctx context.Context, leaseID string, inv Invocation, fn Executor) (any, error) {
	lease, err := s.ledger.GetLease(ctx, leaseID)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", inv.Action, err)
	}
	ctx = logger.WithDecisionID(ctx, lease.DecisionID)

	if !lease.Covers(inv.Action, inv.Context) {
		return nil, s.block(ctx, lease, inv, &authority.LeaseInvalidError{LeaseID: leaseID, Reason: authority.ReasonOutOfScope})
	}

	consumed, err := s.ledger.ConsumeStep(ctx, leaseID)
	if err != nil {
		var invalid *authority.LeaseInvalidError
		if errors.As(err, &invalid) {
			return nil, s.block(ctx, lease, inv, invalid)
		}
		return nil, fmt.Errorf("execute %s: %w", inv.Action, err)
	}
	s.metrics.StepConsumed(ctx)
	slog.DebugContext(ctx, "lease step consumed", "action", inv.Action, "steps_used", consumed.StepsUsed, "max_steps", consumed.MaxSteps)

	start := s.now()
	out, runErr := fn(ctx, inv.Action, inv.Args, leaseID)
	elapsed := s.now().Sub(start).Seconds()

	rec := authority.ActionRecord{
		LeaseID:    leaseID,
		DecisionID: lease.DecisionID,
		AgentID:    s.agentID,
		ActionName: inv.Action,
		Args:       inv.Args,
		Status:     authority.ActionSuccess,
	}
	if runErr != nil {
		rec.Status = authority.ActionFailed
		rec.Detail = runErr.Error()
	}
	s.metrics.ExecutionFinished(ctx, string(rec.Status), elapsed)
	slog.InfoContext(ctx, "action executed", "action", inv.Action, "status", rec.Status, "duration_s", elapsed)

	recErr := s.ledger.RecordAction(ctx, &rec)
	if recErr != nil {
		recErr = fmt.Errorf("record action %s: %w", inv.Action, recErr)
	}
	if runErr != nil {
		var execErr error = &authority.ExecutionError{Action: inv.Action, LeaseID: leaseID, Err: runErr}
		if recErr != nil {
			execErr = errors.Join(execErr, recErr)
		}
		return out, execErr
	}
	return out, recErr
}

// block records a refused attempt and returns invalid, joined with any
// failure to write the record.
func (s *AuthorityService) block(ctx context.Context, lease *authority.Lease, inv Invocation, invalid *authority.LeaseInvalidError) error {
	s.metrics.ExecutionBlocked(ctx, string(invalid.Reason))
	slog.WarnContext(ctx, "execution blocked", "action", inv.Action, "reason", invalid.Reason)

	rec := authority.ActionRecord{
		LeaseID:    invalid.LeaseID,
		DecisionID: lease.DecisionID,
		AgentID:    s.agentID,
		ActionName: inv.Action,
		Args:       inv.Args,
		Status:     authority.ActionBlocked,
		Detail:     string(invalid.Reason),
	}
	if err := s.ledger.RecordAction(ctx, &rec); err != nil {
		return errors.Join(invalid, fmt.Errorf("record blocked action %s: %w", inv.Action, err))
	}
	return invalid
}

// Run requests authority for action and, when the decision carries a
// lease, executes fn under it straight away. Pending and denied
// decisions are returned unexecuted for the caller to branch on.
func (s *AuthorityService) Run(ctx context.Context, action string, actx policy.Context, args map[string]any, fn Executor) (*RunResult, error) {
	d, err := s.RequestAuthority(ctx, action, actx)
	if err != nil {
		return nil, err
	}
	if d.LeaseID == "" {
		return &RunResult{Decision: d}, nil
	}
	out, err := s.Execute(ctx, d.LeaseID, Invocation{Action: action, Args: args, Context: actx}, fn)
	if err != nil {
		return &RunResult{Decision: d, Result: out}, err
	}
	return &RunResult{Decision: d, Result: out, Executed: true}, nil
}

// Callback adapts fn so that a coordinator runs it through Execute, which
// consumes a step and records the attempt.
func (s *AuthorityService) Callback(fn Executor) Executor {
	return func(ctx context.Context, action string, args map[string]any, leaseID string) (any, error) {
		return s.Execute(ctx, leaseID, Invocation{Action: action, Args: args}, fn)
	}
}
