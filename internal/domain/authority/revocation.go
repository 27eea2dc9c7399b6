package authority

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/warden/internal/domain"
)

// RevocationReason categorizes why a lease was pulled.
type RevocationReason string

const (
	RevokeViolatedScope     RevocationReason = "violated_scope"
	RevokeExceededAuthority RevocationReason = "exceeded_authority"
	RevokeSuspiciousPattern RevocationReason = "suspicious_pattern"
	RevokeHumanOverride     RevocationReason = "human_override"
	RevokePolicyChanged     RevocationReason = "policy_changed"
	RevokeEmergencyStop     RevocationReason = "emergency_stop"
)

// Valid reports whether r is a known reason.
func (r RevocationReason) Valid() bool {
	switch r {
	case RevokeViolatedScope, RevokeExceededAuthority, RevokeSuspiciousPattern,
		RevokeHumanOverride, RevokePolicyChanged, RevokeEmergencyStop:
		return true
	}
	return false
}

// Revokers other than humans.
const (
	RevokedBySystem   = "system"
	RevokedByWatchdog = "watchdog"
)

// Human formats a reviewer identity as a resolved_by or revoked_by value.
func Human(id string) string { return "human:" + id }

// Revocation is a request to revoke a lease.
type Revocation struct {
	Reason    RevocationReason
	Detail    string
	RevokedBy string
}

// Validate checks a revocation request.
func (r *Revocation) Validate() error {
	if !r.Reason.Valid() {
		return fmt.Errorf("%w: invalid revocation reason %q", domain.ErrValidation, r.Reason)
	}
	if strings.TrimSpace(r.Detail) == "" {
		return fmt.Errorf("%w: revocation detail is required", domain.ErrValidation)
	}
	if r.RevokedBy == "" {
		return fmt.Errorf("%w: revoked_by is required", domain.ErrValidation)
	}
	return nil
}

// RevocationRecord is the append-only audit entry for a revoked lease.
type RevocationRecord struct {
	ID        string           `json:"id"`
	LeaseID   string           `json:"lease_id"`
	RevokedAt time.Time        `json:"revoked_at"`
	Reason    RevocationReason `json:"reason"`
	Detail    string           `json:"detail"`
	RevokedBy string           `json:"revoked_by"`
}
