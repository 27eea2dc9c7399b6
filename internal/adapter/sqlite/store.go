package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/warden/internal/domain"
	"github.com/Strob0t/warden/internal/domain/authority"
	"github.com/Strob0t/warden/internal/domain/policy"
	"github.com/Strob0t/warden/internal/port/ledger"
)

var _ ledger.Ledger = (*Store)(nil)

// Store implements ledger.Ledger on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source used for issuing and checking leases.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store on an already migrated database.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) clock() time.Time { return s.now().UTC() }

// --- Decisions ---

const decisionColumns = `id, agent_id, action_name, context, outcome, reason, policy_name,
	constraints, created_at, status, resolved_by, rationale, resolved_at, lease_id`

func scanDecision(row scannable) (*authority.Decision, error) {
	var (
		d                 authority.Decision
		ctxJSON, consJSON string
		createdAt         int64
		resolvedAt        sql.NullInt64
		leaseID           sql.NullString
	)
	err := row.Scan(&d.ID, &d.AgentID, &d.ActionName, &ctxJSON, &d.Outcome, &d.Reason, &d.PolicyName,
		&consJSON, &createdAt, &d.Status, &d.ResolvedBy, &d.Rationale, &resolvedAt, &leaseID)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(ctxJSON, &d.Context); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(consJSON, &d.Constraints); err != nil {
		return nil, err
	}
	d.CreatedAt = fromNanos(createdAt)
	d.ResolvedAt = fromNullNanos(resolvedAt)
	d.LeaseID = leaseID.String
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
	ctxJSON, err := marshalJSON(d.Context)
	if err != nil {
		return "", fmt.Errorf("record decision: %w", err)
	}
	consJSON, err := marshalJSON(d.Constraints)
	if err != nil {
		return "", fmt.Errorf("record decision: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, agent_id, action_name, context, outcome, reason, policy_name,
			constraints, created_at, status, resolved_by, rationale, resolved_at, lease_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.AgentID, d.ActionName, ctxJSON, string(d.Outcome), d.Reason, d.PolicyName,
		consJSON, toNanos(d.CreatedAt), string(d.Status), d.ResolvedBy, d.Rationale, nullNanos(d.ResolvedAt), nullIfEmpty(d.LeaseID),
	)
	if err != nil {
		return "", storageWrap(err, "record decision %s", d.ID)
	}
	return d.ID, nil
}

func (s *Store) GetDecision(ctx context.Context, id string) (*authority.Decision, error) {
	d, err := scanDecision(s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get decision %s", id)
	}
	return d, nil
}

func (s *Store) ResolveDecision(ctx context.Context, id string, r authority.Resolution) (*authority.Lease, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("resolve decision %s: %w", id, err)
	}

	var issued *authority.Lease
	err := s.inTx(ctx, "resolve decision", func(tx *sql.Tx) error {
		d, err := scanDecision(tx.QueryRowContext(ctx,
			`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id))
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

		res, err := tx.ExecContext(ctx, `
			UPDATE decisions
			SET status = ?, resolved_by = ?, rationale = ?, resolved_at = ?, lease_id = ?
			WHERE id = ? AND status = ?`,
			string(r.Verdict.Status()), r.ResolvedBy, r.Rationale, toNanos(now), nullIfEmpty(leaseID),
			id, string(authority.StatusPending),
		)
		if err != nil {
			return storageWrap(err, "resolve decision %s", id)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
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
		leaseID sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, lease_id FROM decisions WHERE id = ?`, id).Scan(&status, &leaseID)
	if err != nil {
		return "", notFoundWrap(err, "check decision %s", id)
	}
	if authority.Status(status) != authority.StatusApproved {
		return "", nil
	}
	return leaseID.String, nil
}

func (s *Store) IsDecisionDenied(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM decisions WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return false, notFoundWrap(err, "check decision %s", id)
	}
	return authority.Status(status) == authority.StatusDenied, nil
}

func (s *Store) ListPendingDecisions(ctx context.Context) ([]authority.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE status = ? AND outcome = ?
		 ORDER BY created_at ASC, seq ASC`,
		string(authority.StatusPending), string(policy.OutcomeNeedsHuman))
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, status, COUNT(*) FROM decisions
		GROUP BY outcome, status
		ORDER BY outcome, status`)
	if err != nil {
		return nil, storageWrap(err, "count decisions")
	}
	defer rows.Close()

	var out []authority.DecisionCount
	for rows.Next() {
		var c authority.DecisionCount
		if err := rows.Scan(&c.Outcome, &c.Status, &c.Count); err != nil {
			return nil, storageWrap(err, "count decisions")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageWrap(err, "count decisions")
	}
	return out, nil
}
