package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/warden/internal/adapter/sqlite"
	"github.com/Strob0t/warden/internal/config"
	"github.com/Strob0t/warden/internal/domain/policy"
	"github.com/Strob0t/warden/internal/port/messagequeue"
)

// openLedger opens a migrated file-backed ledger that lives for the test.
func openLedger(t *testing.T, now func() time.Time) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.OpenDB(ctx, config.SQLite{
		Path:         filepath.Join(t.TempDir(), "warden.db"),
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.RunMigrations(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return sqlite.NewStore(db, sqlite.WithClock(now))
}

// scenarioPolicy allows non-destructive shell commands in dev and leaves
// everything else to the fallback.
func scenarioPolicy() *policy.Policy {
	return policy.MustNew("scenario", []policy.Rule{
		{
			Name:          "dev-shell",
			ActionPattern: "shell_exec",
			Scope:         policy.Context{"env": policy.String("dev"), "destructive": policy.Bool(false)},
			Outcome:       policy.OutcomeAllow,
			Reason:        "dev shell is safe",
			MaxSteps:      10,
		},
		{
			Name:          "no-drop",
			ActionPattern: "drop_.*",
			Outcome:       policy.OutcomeDeny,
			Reason:        "dropping data is forbidden",
		},
	})
}

var (
	devCtx  = policy.Context{"env": policy.String("dev"), "destructive": policy.Bool(false)}
	prodCtx = policy.Context{"env": policy.String("prod"), "destructive": policy.Bool(true)}
)

type published struct {
	subject string
	data    []byte
}

// fakeQueue is an in-memory messagequeue.Queue delivering synchronously.
type fakeQueue struct {
	mu         sync.Mutex
	published  []published
	handlers   map[string][]messagequeue.Handler
	publishErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{handlers: make(map[string][]messagequeue.Handler)}
}

func (q *fakeQueue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	if q.publishErr != nil {
		q.mu.Unlock()
		return q.publishErr
	}
	q.published = append(q.published, published{subject: subject, data: data})
	hs := append([]messagequeue.Handler(nil), q.handlers[subject]...)
	q.mu.Unlock()

	for _, h := range hs {
		_ = h(ctx, subject, data)
	}
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = append(q.handlers[subject], h)
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.handlers, subject)
	}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.published))
	for i, p := range q.published {
		out[i] = p.subject
	}
	return out
}

var errBoom = errors.New("boom")

// recorder is an Executor that remembers its calls.
type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recorder) exec(_ context.Context, action string, _ map[string]any, leaseID string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, action+"@"+leaseID)
	if r.err != nil {
		return nil, r.err
	}
	return "ok:" + action, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
