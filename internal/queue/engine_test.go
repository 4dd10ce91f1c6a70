package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/oriys/aurora/internal/domain"
)

func testConfig() Config {
	return Config{
		StreamKey:          "aurea:test:tasks",
		DLQKey:             "aurea:test:dlq",
		ConsumerGroup:      "aurea-test-workers",
		VisibilityTimeout:  2 * time.Second,
		MaxRetries:         2,
		BackoffBaseSeconds: 1,
		BackoffMaxSeconds:  1,
		IdempotencyTTL:     time.Minute,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	client := newTestRedisClient(t)
	e := New(client, testConfig())

	ctx := context.Background()
	client.FlushDB(ctx)
	if err := e.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
	})
	return e
}

func newTestTask(t *testing.T, taskType string) *domain.Task {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{"hello": "world"})
	return domain.NewTask(taskType, payload, domain.PriorityNormal, "", "", nil)
}

func TestEngineEnqueueDequeueAck(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	task := newTestTask(t, "gen_content")
	id, err := e.Enqueue(ctx, task, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty message id")
	}

	msgs, err := e.Dequeue(ctx, "worker-1", 10, 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Msg.TaskID != task.ID.String() {
		t.Fatalf("task id mismatch: got %s want %s", msgs[0].Msg.TaskID, task.ID.String())
	}

	if err := e.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	metrics, err := e.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if metrics.QueueDepth != 0 {
		t.Fatalf("expected queue depth 0 after ack, got %d", metrics.QueueDepth)
	}
	if metrics.ActiveLeases != 0 {
		t.Fatalf("expected 0 active leases after ack, got %d", metrics.ActiveLeases)
	}
}

func TestEngineIdempotentEnqueueReturnsSameID(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	task1 := newTestTask(t, "gen_content")
	id1, err := e.Enqueue(ctx, task1, "submit-key-1")
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}

	task2 := newTestTask(t, "gen_content")
	id2, err := e.Enqueue(ctx, task2, "submit-key-1")
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	if id1 != id2 {
		t.Fatalf("expected same message id for repeated idempotency key, got %s and %s", id1, id2)
	}

	metrics, err := e.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if metrics.QueueDepth != 1 {
		t.Fatalf("expected exactly one queued message, got %d", metrics.QueueDepth)
	}
}

func TestEngineNackRetriesThenMovesToDLQ(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	task := newTestTask(t, "fail_always")
	if _, err := e.Enqueue(ctx, task, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	cause := errors.New("handler exploded")

	// MaxRetries=2: attempts 1 and 2 go back to the main stream, attempt 3
	// exceeds the limit and lands in the DLQ.
	for attempt := 1; attempt <= 3; attempt++ {
		msgs, err := e.Dequeue(ctx, "worker-1", 10, 0)
		if err != nil {
			t.Fatalf("Dequeue attempt %d: %v", attempt, err)
		}
		if len(msgs) != 1 {
			t.Fatalf("attempt %d: expected 1 message, got %d", attempt, len(msgs))
		}
		if err := e.Nack(ctx, msgs[0].ID, msgs[0].Msg, cause); err != nil {
			t.Fatalf("Nack attempt %d: %v", attempt, err)
		}
	}

	metrics, err := e.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if metrics.QueueDepth != 0 {
		t.Fatalf("expected main queue drained, got depth %d", metrics.QueueDepth)
	}
	if metrics.DLQDepth != 1 {
		t.Fatalf("expected 1 message in dlq, got %d", metrics.DLQDepth)
	}
}

func TestEngineExtendLeaseRequiresOwnership(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	task := newTestTask(t, "gen_content")
	if _, err := e.Enqueue(ctx, task, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msgs, err := e.Dequeue(ctx, "worker-1", 10, 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	ok, err := e.ExtendLease(ctx, msgs[0].ID, "worker-2")
	if err != nil {
		t.Fatalf("ExtendLease by wrong owner: %v", err)
	}
	if ok {
		t.Fatal("expected ExtendLease to reject a non-owning consumer")
	}

	ok, err = e.ExtendLease(ctx, msgs[0].ID, "worker-1")
	if err != nil {
		t.Fatalf("ExtendLease by owner: %v", err)
	}
	if !ok {
		t.Fatal("expected ExtendLease to succeed for the owning consumer")
	}
}

func TestEngineReclaimExpiredReassignsStaleLeases(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	task := newTestTask(t, "gen_content")
	if _, err := e.Enqueue(ctx, task, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := e.Dequeue(ctx, "worker-1", 10, 0); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	// Wait out the visibility timeout without ever acking or extending.
	time.Sleep(e.cfg.VisibilityTimeout + 500*time.Millisecond)

	n, err := e.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed message, got %d", n)
	}
}

func TestEngineDrainDLQResetsRetryCountAndDemotesPriority(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	task := newTestTask(t, "fail_always")
	if _, err := e.Enqueue(ctx, task, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	cause := errors.New("boom")
	for attempt := 0; attempt < 3; attempt++ {
		msgs, err := e.Dequeue(ctx, "worker-1", 10, 0)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if err := e.Nack(ctx, msgs[0].ID, msgs[0].Msg, cause); err != nil {
			t.Fatalf("Nack: %v", err)
		}
	}

	drained, err := e.DrainDLQ(ctx, 10, true)
	if err != nil {
		t.Fatalf("DrainDLQ: %v", err)
	}
	if drained != 1 {
		t.Fatalf("expected 1 drained message, got %d", drained)
	}

	msgs, err := e.Dequeue(ctx, "worker-1", 10, 0)
	if err != nil {
		t.Fatalf("Dequeue after drain: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected drained message back on main stream, got %d", len(msgs))
	}
	if msgs[0].Msg.RetryCount != 0 {
		t.Fatalf("expected retry count reset to 0, got %d", msgs[0].Msg.RetryCount)
	}
	if msgs[0].Msg.Priority != string(domain.PriorityLow) {
		t.Fatalf("expected priority demoted to LOW, got %s", msgs[0].Msg.Priority)
	}
}

func TestEnginePeekByPriorityOrdersCriticalFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	low := domain.NewTask("gen_content", json.RawMessage(`{}`), domain.PriorityLow, "", "", nil)
	critical := domain.NewTask("gen_content", json.RawMessage(`{}`), domain.PriorityCritical, "", "", nil)

	if _, err := e.Enqueue(ctx, low, ""); err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}
	criticalID, err := e.Enqueue(ctx, critical, "")
	if err != nil {
		t.Fatalf("Enqueue critical: %v", err)
	}

	ids, err := e.PeekByPriority(ctx, 10)
	if err != nil {
		t.Fatalf("PeekByPriority: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 entries in priority index, got %d", len(ids))
	}
	if ids[0] != criticalID {
		t.Fatalf("expected critical message first, got order %v", ids)
	}

	// Dequeue still observes the low-priority message first since it was
	// enqueued first; the priority index is advisory only.
	msgs, err := e.Dequeue(ctx, "worker-1", 1, 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Msg.Priority != string(domain.PriorityLow) {
		t.Fatalf("expected FIFO delivery to ignore priority, got %+v", msgs)
	}
}
