// Package queue provides thread-safe admission and priority-ordered batch
// extraction for generation requests.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"inferd/pkg/types"
)

const DefaultMaxSize = 1000

// queueFullError signals that admission was rejected at capacity.
type queueFullError struct{ max int }

func (e queueFullError) Error() string { return "queue full" }

// IsQueueFull reports whether err indicates a rejected admission.
func IsQueueFull(err error) bool {
	_, ok := err.(queueFullError)
	return ok
}

// Batch is a priority-homogeneous group of requests processed together in
// one scheduling pass. Ephemeral: it exists only within one iteration.
type Batch struct {
	ID        string
	Priority  types.Priority
	Requests  []types.Request
	CreatedAt time.Time
}

func (b *Batch) Size() int { return len(b.Requests) }

// Queue holds pending requests in per-priority FIFO buckets.
type Queue struct {
	mu      sync.Mutex
	buckets [types.NumPriorities][]types.Request
	pending int
	maxSize int
}

func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Queue{maxSize: maxSize}
}

// Enqueue admits a request into the bucket matching its priority, stamping
// the admission timestamp. Rejects with a queue-full error when the total
// pending count has reached the configured maximum.
func (q *Queue) Enqueue(req types.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending >= q.maxSize {
		return queueFullError{max: q.maxSize}
	}
	p := req.Priority
	if p < types.PriorityLow || p > types.PriorityCritical {
		p = types.PriorityNormal
		req.Priority = p
	}
	req.EnqueuedAt = time.Now()
	q.buckets[p] = append(q.buckets[p], req)
	q.pending++
	return nil
}

// DequeueBatch scans buckets from highest to lowest priority and fills a
// batch from the first non-empty bucket only, up to maxBatchSize. A batch
// never mixes priorities; a burst of low-priority traffic therefore cannot
// ride along behind a high-priority request.
func (q *Queue) DequeueBatch(maxBatchSize int) (*Batch, bool) {
	if maxBatchSize <= 0 {
		maxBatchSize = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := types.PriorityCritical; p >= types.PriorityLow; p-- {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		n := maxBatchSize
		if n > len(bucket) {
			n = len(bucket)
		}
		reqs := make([]types.Request, n)
		copy(reqs, bucket[:n])
		// Shift survivors down so the backing array does not pin
		// dequeued requests.
		rest := copy(bucket, bucket[n:])
		for i := rest; i < len(bucket); i++ {
			bucket[i] = types.Request{}
		}
		q.buckets[p] = bucket[:rest]
		q.pending -= n
		return &Batch{
			ID:        uuid.New().String(),
			Priority:  p,
			Requests:  reqs,
			CreatedAt: time.Now(),
		}, true
	}
	return nil, false
}

// Stats returns the pending total and per-priority counts.
func (q *Queue) Stats() types.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	byPriority := make(map[string]int, types.NumPriorities)
	for p := types.PriorityLow; p <= types.PriorityCritical; p++ {
		byPriority[p.String()] = len(q.buckets[p])
	}
	return types.QueueStats{PendingTotal: q.pending, PendingByPriority: byPriority}
}
