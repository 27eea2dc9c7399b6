package messagequeue

import (
	"encoding/json"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject, including its identifying field.
// Unknown subjects only need to be valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectDecisionRecorded:
		var p DecisionRecordedPayload
		if err := decode(subject, data, &p); err != nil {
			return err
		}
		return require(subject, "decision_id", p.DecisionID)
	case SubjectDecisionResolved:
		var p DecisionResolvedPayload
		if err := decode(subject, data, &p); err != nil {
			return err
		}
		return require(subject, "decision_id", p.DecisionID)
	case SubjectLeaseRevoked:
		var p LeaseRevokedPayload
		if err := decode(subject, data, &p); err != nil {
			return err
		}
		return require(subject, "lease_id", p.LeaseID)
	default:
		return nil
	}
}

func decode(subject string, data []byte, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}

func require(subject, field, value string) error {
	if value == "" {
		return fmt.Errorf("schema validation failed for %s: %s is required", subject, field)
	}
	return nil
}
