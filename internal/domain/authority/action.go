package authority

import (
	"errors"
	"fmt"
	"time"
)

// ActionStatus is the result of one execution attempt under a lease.
type ActionStatus string

const (
	ActionBlocked ActionStatus = "blocked"
	ActionSuccess ActionStatus = "success"
	ActionFailed  ActionStatus = "failed"
)

// ActionRecord is the audit entry for an execution attempt. Blocked
// attempts are recorded too.
type ActionRecord struct {
	ID         string         `json:"id"`
	LeaseID    string         `json:"lease_id"`
	DecisionID string         `json:"decision_id,omitempty"`
	AgentID    string         `json:"agent_id"`
	ActionName string         `json:"action_name"`
	Args       map[string]any `json:"args,omitempty"`
	Status     ActionStatus   `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// ExecutionError wraps a failure raised by caller-supplied execution
// logic. It never indicates a ledger problem.
type ExecutionError struct {
	Action  string
	LeaseID string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s under lease %s: %v", e.Action, e.LeaseID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsExecutionError reports whether err came from execution logic.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}
