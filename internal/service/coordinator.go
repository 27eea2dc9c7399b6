package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	wotel "github.com/Strob0t/warden/internal/adapter/otel"
	"github.com/Strob0t/warden/internal/domain"
	"github.com/Strob0t/warden/internal/logger"
	"github.com/Strob0t/warden/internal/port/ledger"
)

// DefaultPollInterval is the pause between coordinator passes.
const DefaultPollInterval = 2 * time.Second

// ResultStatus is the terminal state reported for a pending approval.
type ResultStatus string

const (
	ResultExecuted ResultStatus = "executed"
	ResultDenied   ResultStatus = "denied"
	ResultRevoked  ResultStatus = "revoked"
	ResultError    ResultStatus = "error"
)

// PendingApproval is an action waiting on a needs_human decision.
type PendingApproval struct {
	DecisionID   string
	Action       string
	Args         map[string]any
	CallbackData any
	RequestedAt  time.Time

	seq uint64
}

// ApprovalResult reports how one pending approval ended.
type ApprovalResult struct {
	DecisionID   string
	Action       string
	Status       ResultStatus
	LeaseID      string
	Result       any
	Err          error
	CallbackData any
}

// ApprovalCoordinator tracks actions waiting on reviewers and runs each
// approved one exactly once. It reads the ledger and never writes it;
// execution goes through the callback.
type ApprovalCoordinator struct {
	ledger   ledger.Reader
	interval time.Duration
	metrics  *wotel.Metrics
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*PendingApproval
	seq     uint64
	wake    chan struct{}
}

// CoordinatorOption configures an ApprovalCoordinator.
type CoordinatorOption func(*ApprovalCoordinator)

// WithPollInterval sets the pause between passes of PollUntilResolved.
func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(c *ApprovalCoordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithCoordinatorMetrics records coordinator results on m.
func WithCoordinatorMetrics(m *wotel.Metrics) CoordinatorOption {
	return func(c *ApprovalCoordinator) { c.metrics = m }
}

// NewApprovalCoordinator creates a coordinator reading decisions from r.
func NewApprovalCoordinator(r ledger.Reader, opts ...CoordinatorOption) *ApprovalCoordinator {
	c := &ApprovalCoordinator{
		ledger:   r,
		interval: DefaultPollInterval,
		now:      time.Now,
		pending:  make(map[string]*PendingApproval),
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AddPendingApproval registers an action to run once decisionID is
// approved. Registering the same decision again replaces its action data
// but keeps its place in the queue.
func (c *ApprovalCoordinator) AddPendingApproval(decisionID, action string, args map[string]any, callbackData any) error {
	if decisionID == "" || action == "" {
		return fmt.Errorf("add pending approval: %w: decision id and action are required", domain.ErrValidation)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[decisionID]; ok {
		p.Action, p.Args, p.CallbackData = action, args, callbackData
		return nil
	}
	c.seq++
	c.pending[decisionID] = &PendingApproval{
		DecisionID:   decisionID,
		Action:       action,
		Args:         args,
		CallbackData: callbackData,
		RequestedAt:  c.now().UTC(),
		seq:          c.seq,
	}
	return nil
}

// HasPending reports whether any approval is still outstanding.
func (c *ApprovalCoordinator) HasPending() bool {
	return c.PendingCount() > 0
}

// PendingCount returns the number of outstanding approvals.
func (c *ApprovalCoordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingApprovals returns a snapshot of outstanding approvals, oldest first.
func (c *ApprovalCoordinator) PendingApprovals() []PendingApproval {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingApproval, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Notify wakes a PollUntilResolved call that is waiting between passes.
func (c *ApprovalCoordinator) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// claim removes decisionID from the pending set. Only the caller that
// gets true may act on the entry.
func (c *ApprovalCoordinator) claim(decisionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[decisionID]; !ok {
		return false
	}
	delete(c.pending, decisionID)
	return true
}

// CheckPending makes one pass over the outstanding approvals, oldest
// first. Approved entries are executed through fn, denied and revoked
// ones are dropped, and unresolved ones stay pending. Each entry is
// removed before fn runs, so no decision is executed twice even when
// passes overlap. A failing fn only affects its own result. A ledger
// failure stops the pass and is returned with the results so far.
func (c *ApprovalCoordinator) CheckPending(ctx context.Context, fn Executor) ([]ApprovalResult, error) {
	snapshot := c.PendingApprovals()
	ctx, span := wotel.StartCoordinatorSpan(ctx, len(snapshot))

	var results []ApprovalResult
	var err error
	for i := range snapshot {
		if err = ctx.Err(); err != nil {
			break
		}
		var r *ApprovalResult
		r, err = c.check(ctx, &snapshot[i], fn)
		if err != nil {
			err = fmt.Errorf("check decision %s: %w", snapshot[i].DecisionID, err)
			break
		}
		if r != nil {
			c.metrics.CoordinatorResult(ctx, string(r.Status))
			results = append(results, *r)
		}
	}
	wotel.EndSpan(span, err)
	return results, err
}

// check resolves one entry. A nil result means the entry is still pending
// or another pass claimed it.
func (c *ApprovalCoordinator) check(ctx context.Context, p *PendingApproval, fn Executor) (*ApprovalResult, error) {
	ctx = logger.WithDecisionID(ctx, p.DecisionID)
	result := func(status ResultStatus) *ApprovalResult {
		return &ApprovalResult{
			DecisionID:   p.DecisionID,
			Action:       p.Action,
			Status:       status,
			CallbackData: p.CallbackData,
		}
	}

	leaseID, err := c.ledger.CheckDecisionApproved(ctx, p.DecisionID)
	if errors.Is(err, domain.ErrNotFound) {
		if !c.claim(p.DecisionID) {
			return nil, nil
		}
		slog.WarnContext(ctx, "pending decision not in ledger", "action", p.Action)
		r := result(ResultError)
		r.Err = err
		return r, nil
	}
	if err != nil {
		return nil, err
	}

	if leaseID != "" {
		ctx = logger.WithLeaseID(ctx, leaseID)
		revoked, err := c.ledger.IsLeaseRevoked(ctx, leaseID)
		if err != nil {
			return nil, err
		}
		if !c.claim(p.DecisionID) {
			return nil, nil
		}
		if revoked {
			slog.InfoContext(ctx, "approved lease revoked before execution", "action", p.Action)
			r := result(ResultRevoked)
			r.LeaseID = leaseID
			return r, nil
		}

		out, runErr := invoke(ctx, fn, p, leaseID)
		r := result(ResultExecuted)
		r.LeaseID = leaseID
		r.Result = out
		if runErr != nil {
			slog.WarnContext(ctx, "approved action failed", "action", p.Action, "error", runErr)
			r.Status = ResultError
			r.Err = runErr
			return r, nil
		}
		slog.InfoContext(ctx, "approved action executed", "action", p.Action)
		return r, nil
	}

	denied, err := c.ledger.IsDecisionDenied(ctx, p.DecisionID)
	if err != nil {
		return nil, err
	}
	if !denied || !c.claim(p.DecisionID) {
		return nil, nil
	}
	slog.InfoContext(ctx, "pending action denied", "action", p.Action)
	return result(ResultDenied), nil
}

func invoke(ctx context.Context, fn Executor, p *PendingApproval, leaseID string) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback for %s panicked: %v", p.Action, r)
		}
	}()
	return fn(ctx, p.Action, p.Args, leaseID)
}

// PollUntilResolved repeats CheckPending until nothing is pending or
// timeout elapses, sleeping the poll interval between passes. A zero
// timeout waits until nothing is pending. On timeout the results so far
// are returned with a nil error and unresolved entries stay pending.
// Cancelling ctx ends the wait the same way but returns ctx.Err().
func (c *ApprovalCoordinator) PollUntilResolved(ctx context.Context, fn Executor, timeout time.Duration) ([]ApprovalResult, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = c.now().Add(timeout)
	}

	var all []ApprovalResult
	for {
		results, err := c.CheckPending(ctx, fn)
		all = append(all, results...)
		if err != nil {
			return all, err
		}
		if !c.HasPending() {
			return all, nil
		}

		wait := c.interval
		if !deadline.IsZero() {
			remaining := deadline.Sub(c.now())
			if remaining <= 0 {
				slog.InfoContext(ctx, "approval poll timed out", "pending", c.PendingCount(), "resolved", len(all))
				return all, nil
			}
			wait = min(wait, remaining)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return all, ctx.Err()
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
