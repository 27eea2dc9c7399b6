// Package messagequeue defines the message queue port (interface) used to
// announce ledger changes.
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries the decision, lease and agent IDs of the publisher.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects announcing ledger changes. Events are notifications only: the
// ledger stays the source of truth and consumers re-read it.
const (
	SubjectDecisionRecorded = "decisions.recorded"
	SubjectDecisionResolved = "decisions.resolved"
	SubjectLeaseRevoked     = "leases.revoked"
)

// StreamSubjects lists the subject filters captured by the event stream.
var StreamSubjects = []string{"decisions.>", "leases.>"}
