package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/warden/internal/domain"
	"github.com/Strob0t/warden/internal/domain/authority"
)

const leaseColumns = `id, decision_id, agent_id, action_pattern, scope, issued_at, expires_at,
	max_steps, steps_used, revoked, revoked_at`

func scanLease(row scannable) (*authority.Lease, error) {
	var (
		l         authority.Lease
		scopeJSON []byte
	)
	err := row.Scan(&l.ID, &l.DecisionID, &l.AgentID, &l.ActionPattern, &scopeJSON, &l.IssuedAt, &l.ExpiresAt,
		&l.MaxSteps, &l.StepsUsed, &l.Revoked, &l.RevokedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(scopeJSON, &l.Scope); err != nil {
		return nil, err
	}
	l.IssuedAt = l.IssuedAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	l.RevokedAt = utcPtr(l.RevokedAt)
	return &l, nil
}

func insertLease(ctx context.Context, q querier, l *authority.Lease) error {
	scopeJSON, err := encodeJSON(l.Scope)
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO leases (id, decision_id, agent_id, action_pattern, scope, issued_at, expires_at, max_steps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.DecisionID, l.AgentID, l.ActionPattern, scopeJSON, l.IssuedAt, l.ExpiresAt, l.MaxSteps,
	)
	if err != nil {
		return storageWrap(err, "insert lease for decision %s", l.DecisionID)
	}
	return nil
}

func (s *Store) GetLease(ctx context.Context, id string) (*authority.Lease, error) {
	l, err := scanLease(s.pool.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get lease %s", id)
	}
	return l, nil
}

// getLeaseForUpdate retrieves a lease with a row-level lock so that
// concurrent consumers of the same lease are serialized.
func getLeaseForUpdate(ctx context.Context, tx pgx.Tx, id string) (*authority.Lease, error) {
	return scanLease(tx.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id = $1 FOR UPDATE`, id))
}

func (s *Store) ConsumeStep(ctx context.Context, id string) (*authority.Lease, error) {
	var consumed *authority.Lease
	err := s.inTx(ctx, "consume step", func(tx pgx.Tx) error {
		l, err := getLeaseForUpdate(ctx, tx, id)
		if err != nil {
			return notFoundWrap(err, "consume step %s", id)
		}
		now := s.clock()
		if err := l.Check(now); err != nil {
			return fmt.Errorf("consume step: %w", err)
		}

		err = tx.QueryRow(ctx, `
			UPDATE leases SET steps_used = steps_used + 1
			WHERE id = $1 AND NOT revoked AND steps_used < max_steps AND expires_at > $2
			RETURNING steps_used`, id, now).Scan(&l.StepsUsed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("consume step: %w", &authority.LeaseInvalidError{LeaseID: id, Reason: authority.ReasonExhausted})
			}
			return storageWrap(err, "consume step %s", id)
		}
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
	err := s.inTx(ctx, "revoke lease", func(tx pgx.Tx) error {
		l, err := getLeaseForUpdate(ctx, tx, id)
		if err != nil {
			return notFoundWrap(err, "revoke lease %s", id)
		}
		if l.Revoked {
			return fmt.Errorf("revoke lease %s: %w", id, domain.ErrAlreadyRevoked)
		}

		now := s.clock()
		if _, err := tx.Exec(ctx,
			`UPDATE leases SET revoked = TRUE, revoked_at = $1 WHERE id = $2`, now, id); err != nil {
			return storageWrap(err, "revoke lease %s", id)
		}

		record := authority.RevocationRecord{
			ID:        uuid.NewString(),
			LeaseID:   id,
			RevokedAt: now,
			Reason:    r.Reason,
			Detail:    r.Detail,
			RevokedBy: r.RevokedBy,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO revocations (id, lease_id, revoked_at, reason, detail, revoked_by)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			record.ID, record.LeaseID, record.RevokedAt, string(record.Reason), record.Detail, record.RevokedBy)
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
	err := s.pool.QueryRow(ctx, `SELECT revoked FROM leases WHERE id = $1`, id).Scan(&revoked)
	if err != nil {
		return false, notFoundWrap(err, "check lease %s", id)
	}
	return revoked, nil
}

func (s *Store) ListActiveLeases(ctx context.Context) ([]authority.Lease, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+leaseColumns+` FROM leases
		 WHERE NOT revoked AND steps_used < max_steps AND expires_at > $1
		 ORDER BY issued_at DESC, seq DESC`, s.clock())
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
	rows, err := s.pool.Query(ctx, `
		SELECT id, lease_id, revoked_at, reason, detail, revoked_by FROM revocations
		WHERE $1 = '' OR lease_id = $1
		ORDER BY revoked_at ASC, seq ASC`, leaseID)
	if err != nil {
		return nil, storageWrap(err, "list revocations")
	}
	defer rows.Close()

	var out []authority.RevocationRecord
	for rows.Next() {
		var r authority.RevocationRecord
		if err := rows.Scan(&r.ID, &r.LeaseID, &r.RevokedAt, &r.Reason, &r.Detail, &r.RevokedBy); err != nil {
			return nil, storageWrap(err, "list revocations")
		}
		r.RevokedAt = r.RevokedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageWrap(err, "list revocations")
	}
	return out, nil
}
