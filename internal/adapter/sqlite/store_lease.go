package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/Strob0t/warden/internal/domain"
	"github.com/Strob0t/warden/internal/domain/authority"
)

const leaseColumns = `id, decision_id, agent_id, action_pattern, scope, issued_at, expires_at,
	max_steps, steps_used, revoked, revoked_at`

func scanLease(row scannable) (*authority.Lease, error) {
	var (
		l                   authority.Lease
		scopeJSON           string
		issuedAt, expiresAt int64
		revokedAt           sql.NullInt64
	)
	err := row.Scan(&l.ID, &l.DecisionID, &l.AgentID, &l.ActionPattern, &scopeJSON, &issuedAt, &expiresAt,
		&l.MaxSteps, &l.StepsUsed, &l.Revoked, &revokedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(scopeJSON, &l.Scope); err != nil {
		return nil, err
	}
	l.IssuedAt = fromNanos(issuedAt)
	l.ExpiresAt = fromNanos(expiresAt)
	l.RevokedAt = fromNullNanos(revokedAt)
	return &l, nil
}

func insertLease(ctx context.Context, q queryer, l *authority.Lease) error {
	scopeJSON, err := marshalJSON(l.Scope)
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO leases (id, decision_id, agent_id, action_pattern, scope, issued_at, expires_at, max_steps, steps_used, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		l.ID, l.DecisionID, l.AgentID, l.ActionPattern, scopeJSON, toNanos(l.IssuedAt), toNanos(l.ExpiresAt), l.MaxSteps,
	)
	if err != nil {
		return storageWrap(err, "insert lease for decision %s", l.DecisionID)
	}
	return nil
}

func getLease(ctx context.Context, q queryer, id string) (*authority.Lease, error) {
	return scanLease(q.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id = ?`, id))
}

func (s *Store) GetLease(ctx context.Context, id string) (*authority.Lease, error) {
	l, err := getLease(ctx, s.db, id)
	if err != nil {
		return nil, notFoundWrap(err, "get lease %s", id)
	}
	return l, nil
}

func (s *Store) ConsumeStep(ctx context.Context, id string) (*authority.Lease, error) {
	var consumed *authority.Lease
	err := s.inTx(ctx, "consume step", func(tx *sql.Tx) error {
		l, err := getLease(ctx, tx, id)
		if err != nil {
			return notFoundWrap(err, "consume step %s", id)
		}
		now := s.clock()
		if err := l.Check(now); err != nil {
			return fmt.Errorf("consume step: %w", err)
		}

		// The guard repeats the validity predicate so the increment can
		// never overrun even if the row changed since it was read.
		res, err := tx.ExecContext(ctx, `
			UPDATE leases SET steps_used = steps_used + 1
			WHERE id = ? AND revoked = 0 AND steps_used < max_steps AND expires_at > ?`,
			id, toNanos(now))
		if err != nil {
			return storageWrap(err, "consume step %s", id)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return fmt.Errorf("consume step: %w", &authority.LeaseInvalidError{LeaseID: id, Reason: authority.ReasonExhausted})
		}
		l.StepsUsed++
		consumed = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

func (s *Store) RevokeLease(ctx context.Context, id string, r authority.Revocation) (*authority.RevocationRecord, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("revoke lease %s: %w", id, err)
	}

	var rec *authority.RevocationRecord
	err := s.inTx(ctx, "revoke lease", func(tx *sql.Tx) error {
		l, err := getLease(ctx, tx, id)
		if err != nil {
			return notFoundWrap(err, "revoke lease %s", id)
		}
		if l.Revoked {
			return fmt.Errorf("revoke lease %s: %w", id, domain.ErrAlreadyRevoked)
		}

		now := s.clock()
		res, err := tx.ExecContext(ctx,
			`UPDATE leases SET revoked = 1, revoked_at = ? WHERE id = ? AND revoked = 0`,
			toNanos(now), id)
		if err != nil {
			return storageWrap(err, "revoke lease %s", id)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return fmt.Errorf("revoke lease %s: %w", id, domain.ErrAlreadyRevoked)
		}

		record := authority.RevocationRecord{
			ID:        uuid.NewString(),
			LeaseID:   id,
			RevokedAt: now,
			Reason:    r.Reason,
			Detail:    r.Detail,
			RevokedBy: r.RevokedBy,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO revocations (id, lease_id, revoked_at, reason, detail, revoked_by)
			VALUES (?, ?, ?, ?, ?, ?)`,
			record.ID, record.LeaseID, toNanos(record.RevokedAt), string(record.Reason), record.Detail, record.RevokedBy)
		if err != nil {
			return storageWrap(err, "insert revocation for lease %s", id)
		}
		rec = &record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) IsLeaseRevoked(ctx context.Context, id string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT revoked FROM leases WHERE id = ?`, id).Scan(&revoked)
	if err != nil {
		return false, notFoundWrap(err, "check lease %s", id)
	}
	return revoked, nil
}

func (s *Store) ListActiveLeases(ctx context.Context) ([]authority.Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM leases
		 WHERE revoked = 0 AND steps_used < max_steps AND expires_at > ?
		 ORDER BY issued_at DESC, seq DESC`, toNanos(s.clock()))
	if err != nil {
		return nil, storageWrap(err, "list active leases")
	}
	defer rows.Close()

	var out []authority.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, storageWrap(err, "list active leases")
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageWrap(err, "list active leases")
	}
	return out, nil
}

func (s *Store) ListRevocations(ctx context.Context, leaseID string) ([]authority.RevocationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lease_id, revoked_at, reason, detail, revoked_by FROM revocations
		WHERE ? = '' OR lease_id = ?
		ORDER BY revoked_at ASC, seq ASC`, leaseID, leaseID)
	if err != nil {
		return nil, storageWrap(err, "list revocations")
	}
	defer rows.Close()

	var out []authority.RevocationRecord
	for rows.Next() {
		var (
			r         authority.RevocationRecord
			revokedAt int64
		)
		if err := rows.Scan(&r.ID, &r.LeaseID, &revokedAt, &r.Reason, &r.Detail, &r.RevokedBy); err != nil {
			return nil, storageWrap(err, "list revocations")
		}
		r.RevokedAt = fromNanos(revokedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageWrap(err, "list revocations")
	}
	return out, nil
}
