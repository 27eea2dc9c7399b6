package sqlite

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
	args, err := marshalJSON(a.Args)
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (id, lease_id, decision_id, agent_id, action_name, args, status, detail, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.LeaseID, a.DecisionID, a.AgentID, a.ActionName, args, string(a.Status), a.Detail, toNanos(a.ExecutedAt),
	)
	if err != nil {
		return storageWrap(err, "record action %s", a.ID)
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, leaseID string) ([]authority.ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lease_id, decision_id, agent_id, action_name, args, status, detail, executed_at
		FROM actions
		WHERE ? = '' OR lease_id = ?
		ORDER BY executed_at ASC, seq ASC`, leaseID, leaseID)
	if err != nil {
		return nil, storageWrap(err, "list actions")
	}
	defer rows.Close()

	var out []authority.ActionRecord
	for rows.Next() {
		var (
			a          authority.ActionRecord
			args       string
			executedAt int64
		)
		if err := rows.Scan(&a.ID, &a.LeaseID, &a.DecisionID, &a.AgentID, &a.ActionName, &args, &a.Status, &a.Detail, &executedAt); err != nil {
			return nil, storageWrap(err, "list actions")
		}
		if err := unmarshalJSON(args, &a.Args); err != nil {
			return nil, err
		}
		a.ExecutedAt = fromNanos(executedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageWrap(err, "list actions")
	}
	return out, nil
}
