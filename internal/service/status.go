package service

import (
	"context"
	"fmt"

	"github.com/Strob0t/warden/internal/domain/authority"
	"github.com/Strob0t/warden/internal/domain/policy"
	"github.com/Strob0t/warden/internal/port/ledger"
)

// Summary is a point-in-time overview of the ledger.
type Summary struct {
	Total        int                      `json:"total"`
	Pending      int                      `json:"pending"`
	ActiveLeases int                      `json:"active_leases"`
	Revocations  int                      `json:"revocations"`
	ByOutcome    map[policy.Outcome]int   `json:"by_outcome"`
	ByStatus     map[authority.Status]int `json:"by_status"`
}

// StatusService reports on the ledger. It only holds a ledger.Reader and
// cannot change any decision or lease.
type StatusService struct {
	ledger ledger.Reader
}

// NewStatusService creates a StatusService over r.
func NewStatusService(r ledger.Reader) *StatusService {
	return &StatusService{ledger: r}
}

// Summary collects decision counts, pending and active-lease totals.
func (s *StatusService) Summary(ctx context.Context) (*Summary, error) {
	counts, err := s.ledger.CountDecisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}
	sum := &Summary{
		ByOutcome: make(map[policy.Outcome]int),
		ByStatus:  make(map[authority.Status]int),
	}
	for _, c := range counts {
		sum.Total += c.Count
		sum.ByOutcome[c.Outcome] += c.Count
		sum.ByStatus[c.Status] += c.Count
	}

	pending, err := s.ledger.ListPendingDecisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending decisions: %w", err)
	}
	sum.Pending = len(pending)

	active, err := s.ledger.ListActiveLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active leases: %w", err)
	}
	sum.ActiveLeases = len(active)

	revs, err := s.ledger.ListRevocations(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list revocations: %w", err)
	}
	sum.Revocations = len(revs)
	return sum, nil
}
