package authority

import (
	"fmt"
	"time"

	"github.com/Strob0t/warden/internal/domain"
	"github.com/Strob0t/warden/internal/domain/policy"
)

// Lease defaults applied when neither the resolver nor the matched rule
// sets a limit.
const (
	DefaultMaxSteps = 1
	DefaultTTL      = 5 * time.Minute
)

// Lease is a time- and step-bounded grant to run actions covered by
// ActionPattern and Scope. StepsUsed only grows.
type Lease struct {
	ID            string         `json:"id"`
	DecisionID    string         `json:"decision_id"`
	AgentID       string         `json:"agent_id"`
	ActionPattern string         `json:"action_pattern"`
	Scope         policy.Context `json:"scope,omitempty"`
	IssuedAt      time.Time      `json:"issued_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	MaxSteps      int            `json:"max_steps"`
	StepsUsed     int            `json:"steps_used"`
	Revoked       bool           `json:"revoked"`
	RevokedAt     *time.Time     `json:"revoked_at,omitempty"`
}

// Terms fills the lease limits for d under r: the resolver's values win,
// then the rule's, then the given defaults.
func Terms(d *Decision, r *Resolution, defaultSteps int, defaultTTL time.Duration) (int, time.Duration) {
	steps, ttl := r.MaxSteps, r.TTL
	if steps == 0 {
		steps = d.Constraints.MaxSteps
	}
	if steps == 0 {
		steps = defaultSteps
	}
	if ttl == 0 {
		ttl = d.Constraints.MaxDuration
	}
	if ttl == 0 {
		ttl = defaultTTL
	}
	return steps, ttl
}

// NewLease issues a lease for an approved decision, scoped to the
// pattern and constraints of the rule that produced it.
func NewLease(id string, d *Decision, r *Resolution, now time.Time) Lease {
	steps, ttl := Terms(d, r, DefaultMaxSteps, DefaultTTL)
	pattern := d.Constraints.ActionPattern
	if pattern == "" {
		pattern = d.ActionName
	}
	return Lease{
		ID:            id,
		DecisionID:    d.ID,
		AgentID:       d.AgentID,
		ActionPattern: pattern,
		Scope:         d.Constraints.Scope.Clone(),
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
		MaxSteps:      steps,
	}
}

// InvalidReason says why a lease cannot authorize an execution.
type InvalidReason string

const (
	ReasonExpired    InvalidReason = "expired"
	ReasonExhausted  InvalidReason = "exhausted"
	ReasonRevoked    InvalidReason = "revoked"
	ReasonOutOfScope InvalidReason = "out_of_scope"
)

// LeaseInvalidError reports a failed validity check.
type LeaseInvalidError struct {
	LeaseID string
	Reason  InvalidReason
}

func (e *LeaseInvalidError) Error() string {
	return fmt.Sprintf("lease %s invalid: %s", e.LeaseID, e.Reason)
}

// Is makes errors.Is(err, domain.ErrLeaseInvalid) hold.
func (e *LeaseInvalidError) Is(target error) bool { return target == domain.ErrLeaseInvalid }

// Check returns nil when the lease is valid at now, or a
// *LeaseInvalidError naming the first failed condition. Revocation is
// reported before expiry, expiry before exhaustion.
func (l *Lease) Check(now time.Time) error {
	var reason InvalidReason
	switch {
	case l.Revoked:
		reason = ReasonRevoked
	case !now.Before(l.ExpiresAt):
		reason = ReasonExpired
	case l.StepsUsed >= l.MaxSteps:
		reason = ReasonExhausted
	default:
		return nil
	}
	return &LeaseInvalidError{LeaseID: l.ID, Reason: reason}
}

// Valid reports now < expires_at, steps_used < max_steps and not revoked.
func (l *Lease) Valid(now time.Time) bool { return l.Check(now) == nil }

// Covers reports whether the lease scope admits action. Scope
// constraints are checked against ctx when the caller has one.
func (l *Lease) Covers(action string, ctx policy.Context) bool {
	if !policy.MatchPattern(l.ActionPattern, action, nil) {
		return false
	}
	return ctx == nil || ctx.Satisfies(l.Scope)
}

// Remaining returns the steps left on the lease.
func (l *Lease) Remaining() int {
	if n := l.MaxSteps - l.StepsUsed; n > 0 {
		return n
	}
	return 0
}
