package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/warden/internal/config"
	"github.com/Strob0t/warden/internal/domain"
	"github.com/Strob0t/warden/internal/domain/authority"
	"github.com/Strob0t/warden/internal/port/ledger"
	"github.com/Strob0t/warden/internal/port/ledger/ledgertest"
	"github.com/Strob0t/warden/internal/service"
)

type watchdogFixture struct {
	ledger ledger.Ledger
	svc    *service.AuthorityService
	review *service.ReviewService
	clock  *ledgertest.Clock
	lease  string
}

// newWatchdogFixture opens a ledger and issues one dev shell lease with
// ten steps and a five minute ttl.
func newWatchdogFixture(t *testing.T) *watchdogFixture {
	t.Helper()
	c := ledgertest.NewClock(ledgertest.Epoch)
	l := openLedger(t, c.Now)
	f := &watchdogFixture{
		ledger: l,
		svc: service.NewAuthorityService(scenarioPolicy(), l, "agent-1",
			service.WithClock(c.Now),
			service.WithLeaseDefaults(config.Lease{DefaultMaxSteps: 1, DefaultTTL: 5 * time.Minute})),
		review: service.NewReviewService(l, config.Lease{}, nil, nil),
		clock:  c,
	}
	d, err := f.svc.RequestAuthority(context.Background(), "shell_exec", devCtx)
	if err != nil {
		t.Fatal(err)
	}
	f.lease = d.LeaseID
	return f
}

// exec runs action under the fixture lease, ignoring lease errors.
func (f *watchdogFixture) exec(t *testing.T, action string) {
	t.Helper()
	r := &recorder{}
	_, err := f.svc.Execute(context.Background(), f.lease, service.Invocation{Action: action}, r.exec)
	if err != nil && !errors.Is(err, domain.ErrLeaseInvalid) {
		t.Fatalf("execute %s: %v", action, err)
	}
}

func TestWatchdogRules(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(t *testing.T, f *watchdogFixture)
		wantKinds   []service.ViolationKind
		wantRevoked bool
		wantReason  authority.RevocationReason
	}{
		{
			name: "clean lease",
			setup: func(t *testing.T, f *watchdogFixture) {
				f.exec(t, "shell_exec")
			},
		},
		{
			name: "action outside scope",
			setup: func(t *testing.T, f *watchdogFixture) {
				f.exec(t, "shell_exec")
				f.exec(t, "drop_table")
			},
			wantKinds:   []service.ViolationKind{service.ViolationActionNotAllowed},
			wantRevoked: true,
			wantReason:  authority.RevokeViolatedScope,
		},
		{
			name: "expired lease usage",
			setup: func(t *testing.T, f *watchdogFixture) {
				f.clock.Advance(6 * time.Minute)
				f.exec(t, "shell_exec")
			},
			wantKinds:   []service.ViolationKind{service.ViolationExpiredLeaseUsage},
			wantRevoked: true,
			wantReason:  authority.RevokeExceededAuthority,
		},
		{
			name: "revoked lease usage",
			setup: func(t *testing.T, f *watchdogFixture) {
				if _, err := f.review.Revoke(context.Background(), f.lease, "alice", authority.RevokeHumanOverride, "stop"); err != nil {
					t.Fatal(err)
				}
				f.exec(t, "shell_exec")
			},
			wantKinds: []service.ViolationKind{service.ViolationRevokedLeaseUsage},
		},
		{
			name: "one attempt past the limit",
			setup: func(t *testing.T, f *watchdogFixture) {
				for range 11 {
					f.exec(t, "shell_exec")
				}
			},
		},
		{
			name: "step overrun",
			setup: func(t *testing.T, f *watchdogFixture) {
				for range 12 {
					f.exec(t, "shell_exec")
				}
			},
			wantKinds: []service.ViolationKind{service.ViolationStepOverrun},
		},
		{
			name: "scope and expiry revoke once",
			setup: func(t *testing.T, f *watchdogFixture) {
				f.exec(t, "drop_table")
				f.clock.Advance(6 * time.Minute)
				f.exec(t, "shell_exec")
			},
			wantKinds:   []service.ViolationKind{service.ViolationExpiredLeaseUsage, service.ViolationActionNotAllowed},
			wantRevoked: true,
			wantReason:  authority.RevokeExceededAuthority,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newWatchdogFixture(t)
			tt.setup(t, f)

			before, err := f.ledger.ListRevocations(ctx, f.lease)
			if err != nil {
				t.Fatal(err)
			}

			vs, err := service.NewWatchdog(f.ledger, f.review).Scan(ctx)
			if err != nil {
				t.Fatalf("Scan: %v", err)
			}
			if len(vs) != len(tt.wantKinds) {
				t.Fatalf("violations = %+v, want kinds %v", vs, tt.wantKinds)
			}
			for i, v := range vs {
				if v.Kind != tt.wantKinds[i] || v.LeaseID != f.lease || v.AgentID != "agent-1" {
					t.Errorf("violation[%d] = %+v, want kind %s", i, v, tt.wantKinds[i])
				}
			}

			after, err := f.ledger.ListRevocations(ctx, f.lease)
			if err != nil {
				t.Fatal(err)
			}
			added := after[len(before):]
			if !tt.wantRevoked {
				if len(added) != 0 {
					t.Errorf("unexpected revocations: %+v", added)
				}
				return
			}
			if len(added) != 1 {
				t.Fatalf("revocations added = %d, want 1", len(added))
			}
			if added[0].RevokedBy != authority.RevokedByWatchdog || added[0].Reason != tt.wantReason {
				t.Errorf("revocation = %+v", added[0])
			}
			if !vs[0].Revoked {
				t.Errorf("first violation not marked revoked: %+v", vs[0])
			}
		})
	}
}

func TestWatchdogScanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t)
	f.exec(t, "drop_table")

	w := service.NewWatchdog(f.ledger, f.review)
	for i := range 3 {
		vs, err := w.Scan(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(vs) != 1 || vs[0].Kind != service.ViolationActionNotAllowed {
			t.Fatalf("scan %d: violations = %+v", i, vs)
		}
		if vs[0].Revoked != (i == 0) {
			t.Errorf("scan %d: revoked = %v", i, vs[0].Revoked)
		}
	}

	revs, err := f.ledger.ListRevocations(ctx, f.lease)
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 1 {
		t.Errorf("revocations = %d, want 1", len(revs))
	}
}

func TestWatchdogWithoutReviewOnlyReports(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t)
	f.exec(t, "drop_table")

	vs, err := service.NewWatchdog(f.ledger, nil).Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 1 || vs[0].Revoked || !vs[0].AutoRevoke {
		t.Fatalf("violations = %+v", vs)
	}
	revoked, err := f.ledger.IsLeaseRevoked(ctx, f.lease)
	if err != nil {
		t.Fatal(err)
	}
	if revoked {
		t.Error("lease revoked without a review service")
	}
}

func TestWatchdogCustomRules(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t)
	f.exec(t, "shell_exec")

	busy := service.WatchdogRule{
		Name:     "any_activity",
		Kind:     "activity",
		Severity: service.SeverityLow,
		Check: func(_ *authority.Lease, actions []authority.ActionRecord) (string, bool) {
			return "active", len(actions) > 0
		},
	}
	vs, err := service.NewWatchdog(f.ledger, f.review, service.WithWatchdogRules(busy)).Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 1 || vs[0].Rule != "any_activity" || vs[0].Severity != service.SeverityLow {
		t.Fatalf("violations = %+v", vs)
	}
}

func TestWatchdogRunStopsOnCancel(t *testing.T) {
	f := newWatchdogFixture(t)
	f.exec(t, "drop_table")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.NewWatchdog(f.ledger, f.review, service.WithWatchdogInterval(10*time.Millisecond)).Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		revoked, err := f.ledger.IsLeaseRevoked(context.Background(), f.lease)
		if err != nil {
			t.Fatal(err)
		}
		if revoked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watchdog did not revoke the lease")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
