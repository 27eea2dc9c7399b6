// Package ledgertest provides the behavioural suite every ledger adapter
// must pass.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/warden/internal/domain"
	"github.com/Strob0t/warden/internal/domain/authority"
	"github.com/Strob0t/warden/internal/domain/policy"
	"github.com/Strob0t/warden/internal/port/ledger"
)

// Epoch is the starting time of the suite clock. Whole seconds keep the
// values exact on stores with microsecond precision.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Factory returns an empty ledger whose notion of now is the given func.
type Factory func(t *testing.T, now func() time.Time) ledger.Ledger

// Run executes the suite. Every subtest gets a fresh ledger.
func Run(t *testing.T, newLedger Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, l ledger.Ledger, c *Clock)
	}{
		{"RecordAndGetDecision", testRecordAndGetDecision},
		{"RecordDecisionAssignsID", testRecordDecisionAssignsID},
		{"RecordDecisionValidates", testRecordDecisionValidates},
		{"UnknownIDs", testUnknownIDs},
		{"ApproveIssuesLease", testApproveIssuesLease},
		{"ResolveTwice", testResolveTwice},
		{"DenyIsPermanent", testDenyIsPermanent},
		{"PolicyDenialIsResolved", testPolicyDenialIsResolved},
		{"ResolveValidates", testResolveValidates},
		{"ConcurrentResolve", testConcurrentResolve},
		{"ConsumeStepBudget", testConsumeStepBudget},
		{"ConsumeLastStepConcurrently", testConsumeLastStepConcurrently},
		{"ConsumeBudgetConcurrently", testConsumeBudgetConcurrently},
		{"ConsumeExpired", testConsumeExpired},
		{"ConsumeRevoked", testConsumeRevoked},
		{"RevokeIdempotent", testRevokeIdempotent},
		{"ListPendingDecisions", testListPendingDecisions},
		{"ListPendingDecisionsSameInstant", testListPendingDecisionsSameInstant},
		{"ListActiveLeases", testListActiveLeases},
		{"RecordAndListActions", testRecordAndListActions},
		{"CountDecisions", testCountDecisions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClock(Epoch)
			tt.fn(t, newLedger(t, c.Now), c)
		})
	}
}

// NeedsHuman builds a pending needs_human decision for action, matched
// by a rule with the given limits.
func NeedsHuman(id, action string, maxSteps int, ttl time.Duration, now time.Time) *authority.Decision {
	res := policy.EvaluationResult{
		Outcome:   policy.OutcomeNeedsHuman,
		Policy:    "suite",
		RuleIndex: 0,
		Reason:    "needs review",
		Constraints: policy.Constraints{
			RuleName:      "review",
			ActionPattern: action,
			Scope:         policy.Context{"env": policy.String("prod"), "destructive": policy.Bool(true)},
			MaxSteps:      maxSteps,
			MaxDuration:   ttl,
		},
	}
	d := authority.NewDecision(id, "agent-1", action, policy.Context{
		"env":         policy.String("prod"),
		"destructive": policy.Bool(true),
		"replicas":    policy.Int(3),
	}, res, now)
	return &d
}

func approve(rationale string) authority.Resolution {
	return authority.Resolution{Verdict: authority.VerdictApprove, Rationale: rationale, ResolvedBy: "human:alice"}
}

func deny(rationale string) authority.Resolution {
	return authority.Resolution{Verdict: authority.VerdictDeny, Rationale: rationale, ResolvedBy: "human:bob"}
}

func revocation() authority.Revocation {
	return authority.Revocation{Reason: authority.RevokeHumanOverride, Detail: "stop", RevokedBy: authority.Human("alice")}
}

// issue records a decision and approves it, returning the lease.
func issue(t *testing.T, l ledger.Ledger, c *Clock, id string, maxSteps int, ttl time.Duration) *authority.Lease {
	t.Helper()
	ctx := context.Background()
	if _, err := l.RecordDecision(ctx, NeedsHuman(id, "shell_exec", maxSteps, ttl, c.Now())); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	lease, err := l.ResolveDecision(ctx, id, approve("ok"))
	if err != nil {
		t.Fatalf("ResolveDecision: %v", err)
	}
	return lease
}

func testRecordAndGetDecision(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	d := NeedsHuman("dec-1", "shell_exec", 4, time.Hour, c.Now())

	id, err := l.RecordDecision(ctx, d)
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if id != "dec-1" {
		t.Fatalf("id = %q, want dec-1", id)
	}

	got, err := l.GetDecision(ctx, id)
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if got.AgentID != "agent-1" || got.ActionName != "shell_exec" || got.Outcome != policy.OutcomeNeedsHuman {
		t.Errorf("decision fields = %+v", got)
	}
	if got.Status != authority.StatusPending || got.Resolved() || got.LeaseID != "" || got.ResolvedAt != nil {
		t.Errorf("new decision resolved: %+v", got)
	}
	if !got.CreatedAt.Equal(c.Now()) {
		t.Errorf("created at = %s, want %s", got.CreatedAt, c.Now())
	}
	if !got.Context.Satisfies(d.Context) || len(got.Context) != len(d.Context) {
		t.Errorf("context = %v, want %v", got.Context, d.Context)
	}
	if v, ok := got.Context["replicas"].Num(); !ok || v != 3 {
		t.Errorf("numeric context value lost its kind: %v", got.Context["replicas"])
	}
	if got.Constraints.MaxSteps != 4 || got.Constraints.MaxDuration != time.Hour || got.Constraints.RuleName != "review" {
		t.Errorf("constraints = %+v", got.Constraints)
	}
	if got.PolicyName != "suite" || got.Reason != "needs review" {
		t.Errorf("policy fields = %q / %q", got.PolicyName, got.Reason)
	}
}

func testRecordDecisionAssignsID(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	a, err := l.RecordDecision(ctx, NeedsHuman("", "shell_exec", 1, 0, c.Now()))
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	b, err := l.RecordDecision(ctx, NeedsHuman("", "shell_exec", 1, 0, c.Now()))
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if a == "" || b == "" || a == b {
		t.Fatalf("generated ids not unique: %q %q", a, b)
	}
	if _, err := l.GetDecision(ctx, a); err != nil {
		t.Fatalf("GetDecision(%s): %v", a, err)
	}
}

func testRecordDecisionValidates(t *testing.T, l ledger.Ledger, c *Clock) {
	d := NeedsHuman("dec-1", "", 1, 0, c.Now())
	if _, err := l.RecordDecision(context.Background(), d); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func testUnknownIDs(t *testing.T, l ledger.Ledger, _ *Clock) {
	ctx := context.Background()
	checks := map[string]error{}
	_, checks["GetDecision"] = l.GetDecision(ctx, "missing")
	_, checks["GetLease"] = l.GetLease(ctx, "missing")
	_, checks["CheckDecisionApproved"] = l.CheckDecisionApproved(ctx, "missing")
	_, checks["IsDecisionDenied"] = l.IsDecisionDenied(ctx, "missing")
	_, checks["IsLeaseRevoked"] = l.IsLeaseRevoked(ctx, "missing")
	_, checks["ResolveDecision"] = l.ResolveDecision(ctx, "missing", approve("x"))
	_, checks["RevokeLease"] = l.RevokeLease(ctx, "missing", revocation())
	_, checks["ConsumeStep"] = l.ConsumeStep(ctx, "missing")
	for op, err := range checks {
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", op, err)
		}
	}
}

func testApproveIssuesLease(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	if _, err := l.RecordDecision(ctx, NeedsHuman("dec-1", "shell_exec", 0, 0, c.Now())); err != nil {
		t.Fatal(err)
	}
	if id, err := l.CheckDecisionApproved(ctx, "dec-1"); err != nil || id != "" {
		t.Fatalf("pending decision approved: %q %v", id, err)
	}

	c.Advance(time.Minute)
	r := approve("reviewed the command")
	r.MaxSteps = 7
	lease, err := l.ResolveDecision(ctx, "dec-1", r)
	if err != nil {
		t.Fatalf("ResolveDecision: %v", err)
	}
	if lease == nil || lease.ID == "" {
		t.Fatal("approval returned no lease")
	}
	if lease.DecisionID != "dec-1" || lease.AgentID != "agent-1" || lease.ActionPattern != "shell_exec" {
		t.Errorf("lease identity = %+v", lease)
	}
	if lease.MaxSteps != 7 || lease.StepsUsed != 0 || lease.Revoked {
		t.Errorf("lease budget = %+v", lease)
	}
	if !lease.IssuedAt.Equal(c.Now()) || !lease.ExpiresAt.Equal(c.Now().Add(authority.DefaultTTL)) {
		t.Errorf("lease window = %s..%s", lease.IssuedAt, lease.ExpiresAt)
	}
	if !lease.Scope["env"].Equal(policy.String("prod")) {
		t.Errorf("lease scope = %v", lease.Scope)
	}

	stored, err := l.GetLease(ctx, lease.ID)
	if err != nil {
		t.Fatalf("GetLease: %v", err)
	}
	if stored.MaxSteps != 7 || !stored.ExpiresAt.Equal(lease.ExpiresAt) {
		t.Errorf("stored lease = %+v", stored)
	}

	d, err := l.GetDecision(ctx, "dec-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != authority.StatusApproved || d.LeaseID != lease.ID || d.Rationale != "reviewed the command" || d.ResolvedBy != "human:alice" {
		t.Errorf("resolved decision = %+v", d)
	}
	if d.ResolvedAt == nil || !d.ResolvedAt.Equal(c.Now()) {
		t.Errorf("resolved at = %v", d.ResolvedAt)
	}
	if id, err := l.CheckDecisionApproved(ctx, "dec-1"); err != nil || id != lease.ID {
		t.Errorf("CheckDecisionApproved = %q, %v", id, err)
	}
	if denied, err := l.IsDecisionDenied(ctx, "dec-1"); err != nil || denied {
		t.Errorf("IsDecisionDenied = %v, %v", denied, err)
	}
}

func testResolveTwice(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	lease := issue(t, l, c, "dec-1", 3, time.Hour)

	for _, r := range []authority.Resolution{approve("again"), deny("changed my mind")} {
		got, err := l.ResolveDecision(ctx, "dec-1", r)
		if !errors.Is(err, domain.ErrAlreadyResolved) {
			t.Fatalf("second %s: expected ErrAlreadyResolved, got %v", r.Verdict, err)
		}
		if got != nil {
			t.Fatalf("second %s returned a lease", r.Verdict)
		}
	}

	d, err := l.GetDecision(ctx, "dec-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != authority.StatusApproved || d.LeaseID != lease.ID || d.Rationale != "ok" {
		t.Errorf("decision changed by second resolution: %+v", d)
	}
	leases, err := l.ListActiveLeases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 1 {
		t.Errorf("expected 1 lease, got %d", len(leases))
	}
}

func testDenyIsPermanent(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	if _, err := l.RecordDecision(ctx, NeedsHuman("dec-1", "shell_exec", 1, 0, c.Now())); err != nil {
		t.Fatal(err)
	}
	lease, err := l.ResolveDecision(ctx, "dec-1", deny("too risky"))
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if lease != nil {
		t.Fatal("denial issued a lease")
	}
	if _, err := l.ResolveDecision(ctx, "dec-1", approve("sneak")); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("approve after deny: %v", err)
	}

	if denied, err := l.IsDecisionDenied(ctx, "dec-1"); err != nil || !denied {
		t.Errorf("IsDecisionDenied = %v, %v", denied, err)
	}
	if id, err := l.CheckDecisionApproved(ctx, "dec-1"); err != nil || id != "" {
		t.Errorf("CheckDecisionApproved = %q, %v", id, err)
	}
	d, _ := l.GetDecision(ctx, "dec-1")
	if d.Status != authority.StatusDenied || d.LeaseID != "" || d.Rationale != "too risky" {
		t.Errorf("denied decision = %+v", d)
	}
}

func testPolicyDenialIsResolved(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	p := policy.MustNew("p", []policy.Rule{{Name: "no", ActionPattern: "drop", Outcome: policy.OutcomeDeny, Reason: "never"}})
	d := authority.NewDecision("dec-1", "agent-1", "drop", nil, p.Evaluate("drop", nil), c.Now())
	if _, err := l.RecordDecision(ctx, &d); err != nil {
		t.Fatal(err)
	}
	if denied, err := l.IsDecisionDenied(ctx, "dec-1"); err != nil || !denied {
		t.Errorf("IsDecisionDenied = %v, %v", denied, err)
	}
	if _, err := l.ResolveDecision(ctx, "dec-1", approve("override")); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
	pending, err := l.ListPendingDecisions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("policy denial listed as pending: %+v", pending)
	}
}

func testResolveValidates(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	if _, err := l.RecordDecision(ctx, NeedsHuman("dec-1", "shell_exec", 1, 0, c.Now())); err != nil {
		t.Fatal(err)
	}
	if _, err := l.ResolveDecision(ctx, "dec-1", approve("")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if id, _ := l.CheckDecisionApproved(ctx, "dec-1"); id != "" {
		t.Fatal("invalid resolution was applied")
	}
}

func testConcurrentResolve(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	if _, err := l.RecordDecision(ctx, NeedsHuman("dec-1", "shell_exec", 1, 0, c.Now())); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var won, lost atomic.Int32
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		r := approve(fmt.Sprintf("reviewer %d", i))
		if i%2 == 1 {
			r = deny(fmt.Sprintf("reviewer %d", i))
		}
		g.Go(func() error {
			_, err := l.ResolveDecision(ctx, "dec-1", r)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, domain.ErrAlreadyResolved):
				lost.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if won.Load() != 1 || lost.Load() != workers-1 {
		t.Fatalf("won=%d lost=%d, want 1/%d", won.Load(), lost.Load(), workers-1)
	}

	d, err := l.GetDecision(ctx, "dec-1")
	if err != nil {
		t.Fatal(err)
	}
	leases, err := l.ListActiveLeases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	switch d.Status {
	case authority.StatusApproved:
		if len(leases) != 1 || leases[0].ID != d.LeaseID {
			t.Errorf("approved decision with leases %+v", leases)
		}
	case authority.StatusDenied:
		if len(leases) != 0 || d.LeaseID != "" {
			t.Errorf("denied decision with leases %+v", leases)
		}
	default:
		t.Errorf("decision left %s", d.Status)
	}
}

func testConsumeStepBudget(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	lease := issue(t, l, c, "dec-1", 3, time.Hour)

	for i := 1; i <= 3; i++ {
		got, err := l.ConsumeStep(ctx, lease.ID)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.StepsUsed != i {
			t.Fatalf("step %d: steps used = %d", i, got.StepsUsed)
		}
	}
	_, err := l.ConsumeStep(ctx, lease.ID)
	assertInvalid(t, err, authority.ReasonExhausted)

	stored, _ := l.GetLease(ctx, lease.ID)
	if stored.StepsUsed != 3 {
		t.Errorf("failed consume changed steps used to %d", stored.StepsUsed)
	}
}

func testConsumeLastStepConcurrently(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	lease := issue(t, l, c, "dec-1", 5, time.Hour)
	for i := 0; i < 4; i++ {
		if _, err := l.ConsumeStep(ctx, lease.ID); err != nil {
			t.Fatal(err)
		}
	}

	ok := consumeConcurrently(t, l, lease.ID, 16)
	if ok != 1 {
		t.Fatalf("last step spent %d times", ok)
	}
	stored, _ := l.GetLease(ctx, lease.ID)
	if stored.StepsUsed != 5 {
		t.Errorf("steps used = %d, want 5", stored.StepsUsed)
	}
}

func testConsumeBudgetConcurrently(t *testing.T, l ledger.Ledger, c *Clock) {
	lease := issue(t, l, c, "dec-1", 5, time.Hour)
	if ok := consumeConcurrently(t, l, lease.ID, 20); ok != 5 {
		t.Fatalf("%d steps granted from a budget of 5", ok)
	}
}

func consumeConcurrently(t *testing.T, l ledger.Ledger, leaseID string, workers int) int {
	t.Helper()
	var granted atomic.Int32
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := l.ConsumeStep(context.Background(), leaseID)
			var lie *authority.LeaseInvalidError
			switch {
			case err == nil:
				granted.Add(1)
			case errors.As(err, &lie) && lie.Reason == authority.ReasonExhausted:
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return int(granted.Load())
}

func testConsumeExpired(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	lease := issue(t, l, c, "dec-1", 10, time.Minute)
	if _, err := l.ConsumeStep(ctx, lease.ID); err != nil {
		t.Fatal(err)
	}

	c.Advance(time.Minute)
	_, err := l.ConsumeStep(ctx, lease.ID)
	assertInvalid(t, err, authority.ReasonExpired)

	stored, _ := l.GetLease(ctx, lease.ID)
	if stored.StepsUsed != 1 || stored.Revoked {
		t.Errorf("expired lease mutated: %+v", stored)
	}
}

func testConsumeRevoked(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	lease := issue(t, l, c, "dec-1", 10, time.Hour)
	if _, err := l.RevokeLease(ctx, lease.ID, revocation()); err != nil {
		t.Fatal(err)
	}
	_, err := l.ConsumeStep(ctx, lease.ID)
	assertInvalid(t, err, authority.ReasonRevoked)
}

func testRevokeIdempotent(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	lease := issue(t, l, c, "dec-1", 10, time.Hour)

	if _, err := l.RevokeLease(ctx, lease.ID, authority.Revocation{Reason: "whim", Detail: "x", RevokedBy: "system"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	c.Advance(time.Second)
	rec, err := l.RevokeLease(ctx, lease.ID, revocation())
	if err != nil {
		t.Fatalf("RevokeLease: %v", err)
	}
	if rec.LeaseID != lease.ID || rec.Reason != authority.RevokeHumanOverride || rec.RevokedBy != "human:alice" || !rec.RevokedAt.Equal(c.Now()) {
		t.Errorf("record = %+v", rec)
	}
	if _, err := l.RevokeLease(ctx, lease.ID, revocation()); !errors.Is(err, domain.ErrAlreadyRevoked) {
		t.Fatalf("second revoke: expected ErrAlreadyRevoked, got %v", err)
	}

	if revoked, err := l.IsLeaseRevoked(ctx, lease.ID); err != nil || !revoked {
		t.Errorf("IsLeaseRevoked = %v, %v", revoked, err)
	}
	records, err := l.ListRevocations(ctx, lease.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 revocation record, got %d", len(records))
	}
	stored, _ := l.GetLease(ctx, lease.ID)
	if !stored.Revoked || stored.RevokedAt == nil || !stored.RevokedAt.Equal(c.Now()) {
		t.Errorf("stored lease = %+v", stored)
	}
	all, err := l.ListRevocations(ctx, "")
	if err != nil || len(all) != 1 {
		t.Errorf("ListRevocations(all) = %d, %v", len(all), err)
	}
}

func testListPendingDecisions(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	for _, id := range []string{"dec-a", "dec-b", "dec-c"} {
		if _, err := l.RecordDecision(ctx, NeedsHuman(id, "shell_exec", 1, 0, c.Now())); err != nil {
			t.Fatal(err)
		}
		c.Advance(time.Second)
	}
	allow := NeedsHuman("dec-allow", "shell_exec", 1, 0, c.Now())
	allow.Outcome = policy.OutcomeAllow
	if _, err := l.RecordDecision(ctx, allow); err != nil {
		t.Fatal(err)
	}
	if _, err := l.ResolveDecision(ctx, "dec-b", deny("no")); err != nil {
		t.Fatal(err)
	}

	pending, err := l.ListPendingDecisions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != "dec-a" || pending[1].ID != "dec-c" {
		t.Fatalf("pending = %+v", ids(pending))
	}
}

func testListPendingDecisionsSameInstant(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	want := []string{"dec-z", "dec-m", "dec-a", "dec-q"}
	for _, id := range want {
		if _, err := l.RecordDecision(ctx, NeedsHuman(id, "shell_exec", 1, 0, c.Now())); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := l.ListPendingDecisions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := ids(pending)
	if len(got) != len(want) {
		t.Fatalf("pending = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pending = %v, want insertion order %v", got, want)
		}
	}
}

func ids(ds []authority.Decision) []string {
	out := make([]string, len(ds))
	for i := range ds {
		out[i] = ds[i].ID
	}
	return out
}

func testListActiveLeases(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	short := issue(t, l, c, "dec-short", 5, time.Minute)
	spent := issue(t, l, c, "dec-spent", 1, time.Hour)
	revoked := issue(t, l, c, "dec-revoked", 5, time.Hour)
	c.Advance(time.Second)
	live := issue(t, l, c, "dec-live", 5, time.Hour)

	if _, err := l.ConsumeStep(ctx, spent.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RevokeLease(ctx, revoked.ID, revocation()); err != nil {
		t.Fatal(err)
	}

	leases, err := l.ListActiveLeases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 2 || leases[0].ID != live.ID || leases[1].ID != short.ID {
		t.Fatalf("active leases = %+v", leases)
	}

	c.Advance(time.Minute)
	leases, err = l.ListActiveLeases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 1 || leases[0].ID != live.ID {
		t.Fatalf("active leases after expiry = %+v", leases)
	}
}

func testRecordAndListActions(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()
	a := issue(t, l, c, "dec-a", 5, time.Hour)
	b := issue(t, l, c, "dec-b", 5, time.Hour)

	records := []*authority.ActionRecord{
		{LeaseID: a.ID, DecisionID: "dec-a", AgentID: "agent-1", ActionName: "shell_exec", Args: map[string]any{"cmd": "ls"}, Status: authority.ActionSuccess, Detail: "ok", ExecutedAt: c.Now()},
		{LeaseID: a.ID, DecisionID: "dec-a", AgentID: "agent-1", ActionName: "shell_exec", Status: authority.ActionFailed, Detail: "exit 1", ExecutedAt: c.Now().Add(time.Second)},
		{LeaseID: b.ID, AgentID: "agent-1", ActionName: "shell_exec", Status: authority.ActionBlocked, Detail: "expired", ExecutedAt: c.Now()},
	}
	for _, r := range records {
		if err := l.RecordAction(ctx, r); err != nil {
			t.Fatalf("RecordAction: %v", err)
		}
		if r.ID == "" {
			t.Fatal("RecordAction did not assign an id")
		}
	}

	got, err := l.ListActions(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Status != authority.ActionSuccess || got[1].Status != authority.ActionFailed {
		t.Fatalf("actions for lease a = %+v", got)
	}
	if got[0].Args["cmd"] != "ls" {
		t.Errorf("args = %v", got[0].Args)
	}
	all, err := l.ListActions(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("ListActions(all) = %d, %v", len(all), err)
	}
}

func testCountDecisions(t *testing.T, l ledger.Ledger, c *Clock) {
	ctx := context.Background()

	empty, err := l.CountDecisions(ctx)
	if err != nil || len(empty) != 0 {
		t.Fatalf("CountDecisions on empty ledger = %v, %v", empty, err)
	}

	for _, id := range []string{"c1", "c2", "c3"} {
		if _, err := l.RecordDecision(ctx, NeedsHuman(id, "deploy", 1, time.Minute, c.Now())); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := l.ResolveDecision(ctx, "c1", approve("ok")); err != nil {
		t.Fatal(err)
	}
	denied := authority.NewDecision("c4", "agent-1", "drop_table", nil, policy.EvaluationResult{
		Outcome: policy.OutcomeDeny, Policy: "suite", Reason: "forbidden",
	}, c.Now())
	if _, err := l.RecordDecision(ctx, &denied); err != nil {
		t.Fatal(err)
	}

	got, err := l.CountDecisions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []authority.DecisionCount{
		{Outcome: policy.OutcomeDeny, Status: authority.StatusDenied, Count: 1},
		{Outcome: policy.OutcomeNeedsHuman, Status: authority.StatusApproved, Count: 1},
		{Outcome: policy.OutcomeNeedsHuman, Status: authority.StatusPending, Count: 2},
	}
	if len(got) != len(want) {
		t.Fatalf("counts = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("count[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func assertInvalid(t *testing.T, err error, want authority.InvalidReason) {
	t.Helper()
	if !errors.Is(err, domain.ErrLeaseInvalid) {
		t.Fatalf("expected ErrLeaseInvalid, got %v", err)
	}
	var lie *authority.LeaseInvalidError
	if !errors.As(err, &lie) || lie.Reason != want {
		t.Fatalf("reason = %v, want %s", err, want)
	}
}
