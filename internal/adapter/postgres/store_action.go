package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Strob0t/warden/internal/domain"
	"github.com/Strob0t/warden/internal/domain/authority"
)

func (s *Store) RecordAction(ctx context.Context, a *authority.ActionRecord) error {
	if a.LeaseID == "" || a.ActionName == "" {
		return fmt.Errorf("record action: %w: lease id and action name are required", domain.ErrValidation)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ExecutedAt.IsZero() {
		a.ExecutedAt = s.clock()
	}
	args, err := encodeJSON(a.Args)
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO actions (id, lease_id, decision_id, agent_id, action_name, args, status, detail, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.LeaseID, a.DecisionID, a.AgentID, a.ActionName, args, string(a.Status), a.Detail, a.ExecutedAt,
	)
	if err != nil {
		return storageWrap(err, "record action %s", a.ID)
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, leaseID string) ([]authority.ActionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, lease_id, decision_id, agent_id, action_name, args, status, detail, executed_at
		FROM actions
		WHERE $1 = '' OR lease_id = $1
		ORDER BY executed_at ASC, seq ASC`, leaseID)
	if err != nil {
		return nil, storageWrap(err, "list actions")
	}
	defer rows.Close()

	var out []authority.ActionRecord
	for rows.Next() {
		var (
			a    authority.ActionRecord
			args []byte
		)
		if err := rows.Scan(&a.ID, &a.LeaseID, &a.DecisionID, &a.AgentID, &a.ActionName, &args, &a.Status, &a.Detail, &a.ExecutedAt); err != nil {
			return nil, storageWrap(err, "list actions")
		}
		if err := decodeJSON(args, &a.Args); err != nil {
			return nil, err
		}
		a.ExecutedAt = a.ExecutedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageWrap(err, "list actions")
	}
	return out, nil
}
