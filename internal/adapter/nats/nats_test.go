package nats

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Strob0t/warden/internal/logger"
	"github.com/Strob0t/warden/internal/port/messagequeue"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)

	want := messagequeue.DecisionResolvedPayload{
		DecisionID: "dec-" + t.Name(),
		Status:     "approved",
		ResolvedBy: "human:alice",
		LeaseID:    "lease-1",
	}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var (
		mu       sync.Mutex
		received *messagequeue.DecisionResolvedPayload
		gotCtxID string
		done     = make(chan struct{})
		once     sync.Once
	)

	stop, err := q.Subscribe(context.Background(), messagequeue.SubjectDecisionResolved, func(ctx context.Context, _ string, d []byte) error {
		var got messagequeue.DecisionResolvedPayload
		if err := json.Unmarshal(d, &got); err != nil {
			return err
		}
		if got.DecisionID != want.DecisionID {
			return nil // event from another run
		}
		mu.Lock()
		received = &got
		gotCtxID = logger.DecisionID(ctx)
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithDecisionID(context.Background(), want.DecisionID)
	if err := q.Publish(ctx, messagequeue.SubjectDecisionResolved, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if received.LeaseID != want.LeaseID {
		t.Errorf("lease id = %q, want %q", received.LeaseID, want.LeaseID)
	}
	if gotCtxID != want.DecisionID {
		t.Errorf("context decision id = %q, want %q", gotCtxID, want.DecisionID)
	}
}

func TestQueue_PublishRejectsInvalidPayload(t *testing.T) {
	q := testConnect(t)
	err := q.Publish(context.Background(), messagequeue.SubjectLeaseRevoked, []byte(`{"reason":"x"}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)
	if !q.IsConnected() {
		t.Fatal("expected connected queue")
	}
}

func TestContextFromHeaders(t *testing.T) {
	h := nats.Header{}
	h.Set(headerDecisionID, "dec-1")
	h.Set(headerLeaseID, "lease-2")
	h.Set(headerAgentID, "agent-3")

	ctx := contextFromHeaders(context.Background(), h)
	if got := logger.DecisionID(ctx); got != "dec-1" {
		t.Errorf("decision id = %q", got)
	}
	if got := logger.LeaseID(ctx); got != "lease-2" {
		t.Errorf("lease id = %q", got)
	}
	if got := logger.AgentID(ctx); got != "agent-3" {
		t.Errorf("agent id = %q", got)
	}

	if got := contextFromHeaders(context.Background(), nil); logger.DecisionID(got) != "" {
		t.Error("nil headers must leave the context untouched")
	}
}

func TestSetHeaderSkipsEmpty(t *testing.T) {
	msg := nats.NewMsg(messagequeue.SubjectDecisionRecorded)
	setHeader(msg, headerLeaseID, "")
	setHeader(msg, headerAgentID, "agent-1")
	if msg.Header.Get(headerLeaseID) != "" {
		t.Error("empty value must not be set")
	}
	if msg.Header.Get(headerAgentID) != "agent-1" {
		t.Error("agent header missing")
	}
}
