package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Strob0t/warden/internal/domain/authority"
	"github.com/Strob0t/warden/internal/logger"
	"github.com/Strob0t/warden/internal/port/messagequeue"
	"github.com/Strob0t/warden/internal/resilience"
)

// EventPublisher announces ledger changes on the message queue. Events are
// best effort: a failed publish is logged and never fails the ledger
// operation that caused it. A nil *EventPublisher publishes nothing.
type EventPublisher struct {
	queue   messagequeue.Queue
	breaker *resilience.Breaker
}

// NewEventPublisher returns a publisher for q. breaker may be nil.
func NewEventPublisher(q messagequeue.Queue, breaker *resilience.Breaker) *EventPublisher {
	if q == nil {
		return nil
	}
	return &EventPublisher{queue: q, breaker: breaker}
}

// DecisionRecorded publishes decisions.recorded for d.
func (p *EventPublisher) DecisionRecorded(ctx context.Context, d *authority.Decision) {
	if p == nil {
		return
	}
	ctx = logger.WithDecisionID(logger.WithAgentID(ctx, d.AgentID), d.ID)
	p.publish(ctx, messagequeue.SubjectDecisionRecorded, messagequeue.DecisionRecordedPayload{
		DecisionID: d.ID,
		AgentID:    d.AgentID,
		Action:     d.ActionName,
		Outcome:    string(d.Outcome),
		Status:     string(d.Status),
		Reason:     d.Reason,
		PolicyName: d.PolicyName,
		CreatedAt:  d.CreatedAt,
	})
}

// DecisionResolved publishes decisions.resolved for a resolved decision.
func (p *EventPublisher) DecisionResolved(ctx context.Context, d *authority.Decision) {
	if p == nil {
		return
	}
	payload := messagequeue.DecisionResolvedPayload{
		DecisionID: d.ID,
		Status:     string(d.Status),
		ResolvedBy: d.ResolvedBy,
		Rationale:  d.Rationale,
		LeaseID:    d.LeaseID,
	}
	if d.ResolvedAt != nil {
		payload.ResolvedAt = *d.ResolvedAt
	}
	ctx = logger.WithDecisionID(logger.WithAgentID(ctx, d.AgentID), d.ID)
	if d.LeaseID != "" {
		ctx = logger.WithLeaseID(ctx, d.LeaseID)
	}
	p.publish(ctx, messagequeue.SubjectDecisionResolved, payload)
}

// LeaseRevoked publishes leases.revoked for rec.
func (p *EventPublisher) LeaseRevoked(ctx context.Context, rec *authority.RevocationRecord) {
	if p == nil {
		return
	}
	p.publish(logger.WithLeaseID(ctx, rec.LeaseID), messagequeue.SubjectLeaseRevoked, messagequeue.LeaseRevokedPayload{
		LeaseID:   rec.LeaseID,
		Reason:    string(rec.Reason),
		Detail:    rec.Detail,
		RevokedBy: rec.RevokedBy,
		RevokedAt: rec.RevokedAt,
	})
}

func (p *EventPublisher) publish(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "marshal event", "subject", subject, "error", err)
		return
	}
	send := func(ctx context.Context) error {
		return p.queue.Publish(ctx, subject, data)
	}
	if p.breaker != nil {
		err = p.breaker.Do(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		slog.WarnContext(ctx, "event publish failed", "subject", subject, "error", err)
	}
}

// Notifier is woken when a ledger event may have resolved pending work.
type Notifier interface {
	Notify()
}

// WatchEvents subscribes n to resolution and revocation events on q. The
// returned function cancels both subscriptions.
func WatchEvents(ctx context.Context, q messagequeue.Queue, n Notifier) (func(), error) {
	wake := func(context.Context, string, []byte) error {
		n.Notify()
		return nil
	}
	var cancels []func()
	stop := func() {
		for _, c := range cancels {
			c()
		}
	}
	for _, subject := range []string{messagequeue.SubjectDecisionResolved, messagequeue.SubjectLeaseRevoked} {
		cancel, err := q.Subscribe(ctx, subject, wake)
		if err != nil {
			stop()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		cancels = append(cancels, cancel)
	}
	return stop, nil
}
