package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/warden/internal/domain"
	"github.com/Strob0t/warden/internal/domain/authority"
	"github.com/Strob0t/warden/internal/domain/policy"
	"github.com/Strob0t/warden/internal/port/ledger"
)

var _ ledger.Ledger = (*Store)(nil)

// DefaultMaxRetries bounds retries of a serialization failure.
const DefaultMaxRetries = 5

// Store implements ledger.Ledger using PostgreSQL.
type Store struct {
	pool       *pgxpool.Pool
	now        func() time.Time
	maxRetries uint64
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source used for issuing and checking leases.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxRetries sets how often a transaction that lost a serialization
// conflict is retried.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxRetries = uint64(n)
		}
	}
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, now: time.Now, maxRetries: DefaultMaxRetries}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) clock() time.Time { return s.now().UTC() }

// --- Decisions ---

const decisionColumns = `id, agent_id, action_name, context, outcome, reason, policy_name,
	constraints, created_at, status, resolved_by, rationale, resolved_at, lease_id`

func scanDecision(row scannable) (*authority.Decision, error) {
	var (
		d                 authority.Decision
		ctxJSON, consJSON []byte
		leaseID           *string
	)
	err := row.Scan(&d.ID, &d.AgentID, &d.ActionName, &ctxJSON, &d.Outcome, &d.Reason, &d.PolicyName,
		&consJSON, &d.CreatedAt, &d.Status, &d.ResolvedBy, &d.Rationale, &d.ResolvedAt, &leaseID)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(ctxJSON, &d.Context); err != nil {
		return nil, err
	}
	if err := decodeJSON(consJSON, &d.Constraints); err != nil {
		return nil, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.ResolvedAt = utcPtr(d.ResolvedAt)
	d.LeaseID = derefString(leaseID)
	return &d, nil
}

func (s *Store) RecordDecision(ctx context.Context, d *authority.Decision) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock()
	}
	if d.Status == "" {
		d.Status = authority.StatusPending
	}
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("record decision: %w", err)
	}
	ctxJSON, err := encodeJSON(d.Context)
	if err != nil {
		return "", fmt.Errorf("record decision: %w", err)
	}
	consJSON, err := encodeJSON(d.Constraints)
	if err != nil {
		return "", fmt.Errorf("record decision: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO decisions (id, agent_id, action_name, context, outcome, reason, policy_name,
			constraints, created_at, status, resolved_by, rationale, resolved_at, lease_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.AgentID, d.ActionName, ctxJSON, string(d.Outcome), d.Reason, d.PolicyName,
		consJSON, d.CreatedAt, string(d.Status), d.ResolvedBy, d.Rationale, d.ResolvedAt, nullIfEmpty(d.LeaseID),
	)
	if err != nil {
		return "", storageWrap(err, "record decision %s", d.ID)
	}
	return d.ID, nil
}

func (s *Store) GetDecision(ctx context.Context, id string) (*authority.Decision, error) {
	d, err := scanDecision(s.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get decision %s", id)
	}
	return d, nil
}

// ResolveDecision locks the decision row, so concurrent resolvers queue
// behind the first and then observe its resolution.
func (s *Store) ResolveDecision(ctx context.Context, id string, r authority.Resolution) (*authority.Lease, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("resolve decision %s: %w", id, err)
	}

	var issued *authority.Lease
	err := s.inTx(ctx, "resolve decision", func(tx pgx.Tx) error {
		issued = nil
		d, err := scanDecision(tx.QueryRow(ctx,
			`SELECT `+decisionColumns+` FROM decisions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFoundWrap(err, "resolve decision %s", id)
		}
		if d.Resolved() {
			return fmt.Errorf("resolve decision %s: %w", id, domain.ErrAlreadyResolved)
		}

		now := s.clock()
		var leaseID string
		if r.Verdict == authority.VerdictApprove {
			l := authority.NewLease(uuid.NewString(), d, &r, now)
			if err := insertLease(ctx, tx, &l); err != nil {
				return err
			}
			leaseID = l.ID
			issued = &l
		}

		tag, err := tx.Exec(ctx, `
			UPDATE decisions
			SET status = $1, resolved_by = $2, rationale = $3, resolved_at = $4, lease_id = $5
			WHERE id = $6 AND status = 'pending'`,
			string(r.Verdict.Status()), r.ResolvedBy, r.Rationale, now, nullIfEmpty(leaseID), id,
		)
		if err != nil {
			return storageWrap(err, "resolve decision %s", id)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("resolve decision %s: %w", id, domain.ErrAlreadyResolved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

func (s *Store) CheckDecisionApproved(ctx context.Context, id string) (string, error) {
	var (
		status  string
		leaseID *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT status, lease_id FROM decisions WHERE id = $1`, id).Scan(&status, &leaseID)
	if err != nil {
		return "", notFoundWrap(err, "check decision %s", id)
	}
	if authority.Status(status) != authority.StatusApproved {
		return "", nil
	}
	return derefString(leaseID), nil
}

func (s *Store) IsDecisionDenied(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM decisions WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return false, notFoundWrap(err, "check decision %s", id)
	}
	return authority.Status(status) == authority.StatusDenied, nil
}

func (s *Store) ListPendingDecisions(ctx context.Context) ([]authority.Decision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE status = 'pending' AND outcome = $1
		 ORDER BY created_at ASC, seq ASC`, string(policy.OutcomeNeedsHuman))
	if err != nil {
		return nil, storageWrap(err, "list pending decisions")
	}
	defer rows.Close()

	var out []authority.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, storageWrap(err, "list pending decisions")
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageWrap(err, "list pending decisions")
	}
	return out, nil
}

func (s *Store) CountDecisions(ctx context.Context) ([]authority.DecisionCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT outcome, status, COUNT(*) FROM decisions
		GROUP BY outcome, status
		ORDER BY outcome, status`)
	if err != nil {
		return nil, storageWrap(err, "count decisions")
	}
	defer rows.Close()

	var out []authority.DecisionCount
	for rows.Next() {
		var (
			c     authority.DecisionCount
			count int64
		)
		if err := rows.Scan(&c.Outcome, &c.Status, &count); err != nil {
			return nil, storageWrap(err, "count decisions")
		}
		c.Count = int(count)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageWrap(err, "count decisions")
	}
	return out, nil
}
