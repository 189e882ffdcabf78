package queue

import (
	"fmt"
	"testing"

	"inferd/pkg/types"
)

func req(id string, p types.Priority) types.Request {
	return types.Request{ID: id, Prompt: "p", Priority: p}
}

func TestPriorityOrdering(t *testing.T) {
	q := New(10)
	// A(low) enqueued first, then B(high), C(high).
	if err := q.Enqueue(req("a", types.PriorityLow)); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := q.Enqueue(req("b", types.PriorityHigh)); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := q.Enqueue(req("c", types.PriorityHigh)); err != nil {
		t.Fatalf("enqueue c: %v", err)
	}

	b1, ok := q.DequeueBatch(8)
	if !ok {
		t.Fatalf("expected first batch")
	}
	if b1.Priority != types.PriorityHigh || len(b1.Requests) != 2 {
		t.Fatalf("expected high batch of 2, got %v size %d", b1.Priority, len(b1.Requests))
	}
	if b1.Requests[0].ID != "b" || b1.Requests[1].ID != "c" {
		t.Fatalf("expected FIFO within bucket, got %s,%s", b1.Requests[0].ID, b1.Requests[1].ID)
	}

	b2, ok := q.DequeueBatch(8)
	if !ok || b2.Requests[0].ID != "a" {
		t.Fatalf("expected low batch with a, got %+v", b2)
	}
}

func TestBatchNeverMixesPriorities(t *testing.T) {
	q := New(100)
	for i := 0; i < 3; i++ {
		_ = q.Enqueue(req(fmt.Sprintf("n%d", i), types.PriorityNormal))
	}
	_ = q.Enqueue(req("crit", types.PriorityCritical))

	for {
		b, ok := q.DequeueBatch(8)
		if !ok {
			break
		}
		for _, r := range b.Requests {
			if r.Priority != b.Priority {
				t.Fatalf("batch %s mixes priorities: %v vs %v", b.ID, r.Priority, b.Priority)
			}
		}
	}
}

func TestBatchBoundedByMaxSize(t *testing.T) {
	q := New(100)
	for i := 0; i < 20; i++ {
		_ = q.Enqueue(req(fmt.Sprintf("r%d", i), types.PriorityNormal))
	}
	b, ok := q.DequeueBatch(8)
	if !ok || len(b.Requests) != 8 {
		t.Fatalf("expected batch of 8, got %d", len(b.Requests))
	}
	if got := q.Stats().PendingTotal; got != 12 {
		t.Fatalf("expected 12 pending, got %d", got)
	}
}

func TestAdmissionControl(t *testing.T) {
	q := New(3)
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(req(fmt.Sprintf("r%d", i), types.PriorityNormal)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	err := q.Enqueue(req("overflow", types.PriorityHigh))
	if err == nil || !IsQueueFull(err) {
		t.Fatalf("expected queue-full error, got %v", err)
	}

	// Draining one slot re-admits.
	if _, ok := q.DequeueBatch(1); !ok {
		t.Fatalf("expected dequeue")
	}
	if err := q.Enqueue(req("again", types.PriorityNormal)); err != nil {
		t.Fatalf("expected admission after dequeue, got %v", err)
	}
}

func TestEnqueueStampsAdmissionTime(t *testing.T) {
	q := New(10)
	_ = q.Enqueue(req("a", types.PriorityNormal))
	b, _ := q.DequeueBatch(1)
	if b.Requests[0].EnqueuedAt.IsZero() {
		t.Fatalf("expected admission timestamp to be stamped")
	}
}

func TestStatsByPriority(t *testing.T) {
	q := New(10)
	_ = q.Enqueue(req("a", types.PriorityLow))
	_ = q.Enqueue(req("b", types.PriorityLow))
	_ = q.Enqueue(req("c", types.PriorityCritical))

	s := q.Stats()
	if s.PendingTotal != 3 {
		t.Fatalf("expected 3 pending, got %d", s.PendingTotal)
	}
	if s.PendingByPriority["low"] != 2 || s.PendingByPriority["critical"] != 1 {
		t.Fatalf("unexpected per-priority counts: %v", s.PendingByPriority)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := New(10)
	if _, ok := q.DequeueBatch(8); ok {
		t.Fatalf("expected no batch from empty queue")
	}
}
