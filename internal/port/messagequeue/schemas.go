package messagequeue

import "time"

// DecisionRecordedPayload is the schema for decisions.recorded messages.
type DecisionRecordedPayload struct {
	DecisionID string    `json:"decision_id"`
	AgentID    string    `json:"agent_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	PolicyName string    `json:"policy_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// DecisionResolvedPayload is the schema for decisions.resolved messages.
type DecisionResolvedPayload struct {
	DecisionID string    `json:"decision_id"`
	Status     string    `json:"status"`
	ResolvedBy string    `json:"resolved_by"`
	Rationale  string    `json:"rationale"`
	LeaseID    string    `json:"lease_id,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// LeaseRevokedPayload is the schema for leases.revoked messages.
type LeaseRevokedPayload struct {
	LeaseID   string    `json:"lease_id"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail"`
	RevokedBy string    `json:"revoked_by"`
	RevokedAt time.Time `json:"revoked_at"`
}
