package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/warden/internal/adapter/sqlite"
	"github.com/Strob0t/warden/internal/config"
	"github.com/Strob0t/warden/internal/domain"
	"github.com/Strob0t/warden/internal/domain/authority"
	"github.com/Strob0t/warden/internal/port/ledger"
	"github.com/Strob0t/warden/internal/port/ledger/ledgertest"
)

func testConfig(path string) config.SQLite {
	return config.SQLite{Path: path, BusyTimeout: 5 * time.Second, MaxOpenConns: 8}
}

// openStore opens and migrates a ledger file; the handle is closed via t.Cleanup.
func openStore(t *testing.T, path string, now func() time.Time) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.OpenDB(ctx, testConfig(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.RunMigrations(ctx, db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return sqlite.NewStore(db, sqlite.WithClock(now))
}

func TestLedgerConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, now func() time.Time) ledger.Ledger {
		return openStore(t, filepath.Join(t.TempDir(), "ledger.db"), now)
	})
}

func TestMigrationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "ledger.db"), time.Now)

	v, err := sqlite.MigrationVersion(ctx, s.DB())
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}
	if err := sqlite.RollbackMigrations(ctx, s.DB(), 1); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := s.ListPendingDecisions(ctx); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected ErrStorage after dropping tables, got %v", err)
	}
	if err := sqlite.RunMigrations(ctx, s.DB()); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if _, err := s.ListPendingDecisions(ctx); err != nil {
		t.Fatalf("list after re-apply: %v", err)
	}
}

// Two handles on one file stand in for the agent and reviewer processes.
func TestSharedFileAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	clock := ledgertest.NewClock(ledgertest.Epoch)
	agent := openStore(t, path, clock.Now)
	reviewer := openStore(t, path, clock.Now)

	d := ledgertest.NeedsHuman("dec-1", "shell_exec", 4, time.Hour, clock.Now())
	if _, err := agent.RecordDecision(ctx, d); err != nil {
		t.Fatal(err)
	}

	pending, err := reviewer.ListPendingDecisions(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("reviewer sees %d pending, err %v", len(pending), err)
	}
	lease, err := reviewer.ResolveDecision(ctx, "dec-1", authority.Resolution{
		Verdict: authority.VerdictApprove, Rationale: "fine", ResolvedBy: "human:alice",
	})
	if err != nil {
		t.Fatal(err)
	}

	leaseID, err := agent.CheckDecisionApproved(ctx, "dec-1")
	if err != nil || leaseID != lease.ID {
		t.Fatalf("agent sees lease %q, err %v", leaseID, err)
	}

	var granted atomic.Int32
	var g errgroup.Group
	for i := 0; i < 12; i++ {
		s := agent
		if i%2 == 1 {
			s = reviewer
		}
		g.Go(func() error {
			_, err := s.ConsumeStep(ctx, leaseID)
			if err == nil {
				granted.Add(1)
				return nil
			}
			if errors.Is(err, domain.ErrLeaseInvalid) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if granted.Load() != 4 {
		t.Fatalf("granted %d steps across handles, want 4", granted.Load())
	}
}

func TestStorageErrorOnClosedDB(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "ledger.db"), time.Now)
	_ = s.Close()
	if _, err := s.GetDecision(context.Background(), "x"); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func TestDSN(t *testing.T) {
	dsn := sqlite.DSN("/tmp/ledger.db", 2*time.Second)
	for _, want := range []string{"/tmp/ledger.db?", "_txlock=immediate", "busy_timeout%282000%29", "journal_mode%28WAL%29"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
}
