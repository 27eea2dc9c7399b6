package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/warden/internal/domain"
	"github.com/Strob0t/warden/internal/domain/authority"
	"github.com/Strob0t/warden/internal/logger"
	"github.com/Strob0t/warden/internal/port/ledger"
)

// DefaultWatchdogInterval is the pause between scans of Watchdog.Run.
const DefaultWatchdogInterval = 30 * time.Second

// Severity grades a watchdog violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ViolationKind names what a watchdog rule detected.
type ViolationKind string

const (
	ViolationExpiredLeaseUsage ViolationKind = "expired_lease_usage"
	ViolationRevokedLeaseUsage ViolationKind = "revoked_lease_usage"
	ViolationActionNotAllowed  ViolationKind = "action_not_allowed"
	ViolationStepOverrun       ViolationKind = "step_overrun"
)

// WatchdogRule is a deterministic check over one lease and the attempts
// recorded against it. Check returns a description and true when the
// lease is in violation.
type WatchdogRule struct {
	Name       string
	Kind       ViolationKind
	Severity   Severity
	AutoRevoke bool
	Reason     authority.RevocationReason
	Check      func(l *authority.Lease, actions []authority.ActionRecord) (string, bool)
}

// Violation is one rule firing for one lease.
type Violation struct {
	Rule       string        `json:"rule"`
	Kind       ViolationKind `json:"kind"`
	Severity   Severity      `json:"severity"`
	LeaseID    string        `json:"lease_id"`
	DecisionID string        `json:"decision_id"`
	AgentID    string        `json:"agent_id"`
	Detail     string        `json:"detail"`
	LastSeen   time.Time     `json:"last_seen"`
	AutoRevoke bool          `json:"auto_revoke"`
	// Revoked is set when this scan revoked the lease.
	Revoked bool `json:"revoked"`
}

// DefaultWatchdogRules returns the built-in rules. Use of an expired
// lease and attempts outside a lease's scope revoke it; use of a revoked
// lease and running more than 10% past the step limit are reported only.
func DefaultWatchdogRules() []WatchdogRule {
	return []WatchdogRule{
		{
			Name:       "expired_lease_check",
			Kind:       ViolationExpiredLeaseUsage,
			Severity:   SeverityHigh,
			AutoRevoke: true,
			Reason:     authority.RevokeExceededAuthority,
			Check: func(l *authority.Lease, actions []authority.ActionRecord) (string, bool) {
				n, last := countBlocked(actions, authority.ReasonExpired)
				if n == 0 {
					return "", false
				}
				return fmt.Sprintf("%d attempt(s) after expiry at %s, last %s", n, l.ExpiresAt.Format(time.RFC3339), last), true
			},
		},
		{
			Name:       "scope_violation_check",
			Kind:       ViolationActionNotAllowed,
			Severity:   SeverityHigh,
			AutoRevoke: true,
			Reason:     authority.RevokeViolatedScope,
			Check: func(l *authority.Lease, actions []authority.ActionRecord) (string, bool) {
				n, last := countBlocked(actions, authority.ReasonOutOfScope)
				if n == 0 {
					return "", false
				}
				return fmt.Sprintf("%d attempt(s) outside %s, last %s", n, l.ActionPattern, last), true
			},
		},
		{
			Name:     "revoked_usage_check",
			Kind:     ViolationRevokedLeaseUsage,
			Severity: SeverityHigh,
			Check: func(_ *authority.Lease, actions []authority.ActionRecord) (string, bool) {
				n, last := countBlocked(actions, authority.ReasonRevoked)
				if n == 0 {
					return "", false
				}
				return fmt.Sprintf("%d attempt(s) after revocation, last %s", n, last), true
			},
		},
		{
			Name:     "rate_limit_check",
			Kind:     ViolationStepOverrun,
			Severity: SeverityMedium,
			Reason:   authority.RevokeExceededAuthority,
			Check: func(l *authority.Lease, actions []authority.ActionRecord) (string, bool) {
				n, _ := countBlocked(actions, authority.ReasonExhausted)
				attempted := l.StepsUsed + n
				if n == 0 || attempted*10 <= l.MaxSteps*11 {
					return "", false
				}
				return fmt.Sprintf("%d steps attempted against a limit of %d", attempted, l.MaxSteps), true
			},
		},
	}
}

// countBlocked counts blocked attempts refused for reason and returns the
// action name of the most recent one.
func countBlocked(actions []authority.ActionRecord, reason authority.InvalidReason) (n int, last string) {
	for i := range actions {
		a := &actions[i]
		if a.Status == authority.ActionBlocked && a.Detail == string(reason) {
			n++
			last = a.ActionName
		}
	}
	return n, last
}

// Watchdog checks the action trail against deterministic rules and
// revokes leases whose violations call for it. It never approves or
// denies anything.
type Watchdog struct {
	ledger   ledger.Reader
	review   *ReviewService
	rules    []WatchdogRule
	interval time.Duration
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*Watchdog)

// WithWatchdogRules replaces the default rules.
func WithWatchdogRules(rules ...WatchdogRule) WatchdogOption {
	return func(w *Watchdog) { w.rules = rules }
}

// WithWatchdogInterval sets the pause between scans of Run.
func WithWatchdogInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatchdog creates a watchdog reading from r. Auto-revocations go
// through review; with a nil review the watchdog only reports.
func NewWatchdog(r ledger.Reader, review *ReviewService, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		ledger:   r,
		review:   review,
		rules:    DefaultWatchdogRules(),
		interval: DefaultWatchdogInterval,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Scan evaluates every rule against every lease that has recorded
// actions, in order of first activity. A lease is revoked at most once
// per scan, and never when it is already revoked, so repeated scans
// report the same violations without writing new revocations.
func (w *Watchdog) Scan(ctx context.Context) ([]Violation, error) {
	actions, err := w.ledger.ListActions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("watchdog scan: %w", err)
	}

	var order []string
	byLease := make(map[string][]authority.ActionRecord)
	for i := range actions {
		id := actions[i].LeaseID
		if _, ok := byLease[id]; !ok {
			order = append(order, id)
		}
		byLease[id] = append(byLease[id], actions[i])
	}

	var out []Violation
	for _, id := range order {
		lease, err := w.ledger.GetLease(ctx, id)
		if err != nil {
			return out, fmt.Errorf("watchdog scan: %w", err)
		}
		recs := byLease[id]
		revoked := lease.Revoked
		for i := range w.rules {
			rule := &w.rules[i]
			detail, hit := rule.Check(lease, recs)
			if !hit {
				continue
			}
			v := Violation{
				Rule:       rule.Name,
				Kind:       rule.Kind,
				Severity:   rule.Severity,
				LeaseID:    lease.ID,
				DecisionID: lease.DecisionID,
				AgentID:    lease.AgentID,
				Detail:     detail,
				LastSeen:   recs[len(recs)-1].ExecutedAt,
				AutoRevoke: rule.AutoRevoke,
			}
			if rule.AutoRevoke && !revoked && w.review != nil {
				done, err := w.revoke(ctx, rule, &v)
				if err != nil {
					return out, err
				}
				v.Revoked = done
				revoked = true
			}
			out = append(out, v)
		}
	}
	return out, nil
}

func (w *Watchdog) revoke(ctx context.Context, rule *WatchdogRule, v *Violation) (bool, error) {
	_, err := w.review.RevokeAs(ctx, v.LeaseID, authority.Revocation{
		Reason:    rule.Reason,
		Detail:    fmt.Sprintf("%s: %s", rule.Name, v.Detail),
		RevokedBy: authority.RevokedByWatchdog,
	})
	switch {
	case errors.Is(err, domain.ErrAlreadyRevoked):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("watchdog revoke: %w", err)
	}
	slog.WarnContext(logger.WithLeaseID(ctx, v.LeaseID), "watchdog revoked lease", "rule", rule.Name, "reason", rule.Reason)
	return true, nil
}

// Run scans until ctx is cancelled, logging each violation the first
// time it is seen. Scan errors are logged and retried on the next tick.
func (w *Watchdog) Run(ctx context.Context) error {
	seen := make(map[string]bool)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		vs, err := w.Scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.ErrorContext(ctx, "watchdog scan failed", "error", err)
		}
		for i := range vs {
			v := &vs[i]
			key := v.LeaseID + "/" + v.Rule
			if seen[key] {
				continue
			}
			seen[key] = true
			slog.WarnContext(logger.WithLeaseID(ctx, v.LeaseID), "watchdog violation",
				"rule", v.Rule,
				"severity", v.Severity,
				"detail", v.Detail,
				"revoked", v.Revoked,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
