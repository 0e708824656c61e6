package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// maxDrainSteps bounds Drain so a handler that keeps re-enqueueing cannot loop forever.
const maxDrainSteps = 10000

// MemoryQueue is a FIFO work queue for tests and single-process runs.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []*domain.WorkItem
	enqueued int
	failNext error
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, taskType domain.TaskType, accountID uuid.UUID, payload map[string]any) error {
	if _, err := StreamFor(taskType); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNext != nil {
		err := q.failNext
		q.failNext = nil
		return err
	}
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	q.items = append(q.items, domain.NewWorkItem(taskType, accountID, cp))
	q.enqueued++
	return nil
}

// FailNext makes the next Enqueue return err.
func (q *MemoryQueue) FailNext(err error) {
	q.mu.Lock()
	q.failNext = err
	q.mu.Unlock()
}

// Pending returns a snapshot of queued items.
func (q *MemoryQueue) Pending() []*domain.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.WorkItem(nil), q.items...)
}

// Enqueued is the total number of accepted items.
func (q *MemoryQueue) Enqueued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueued
}

// Pop removes and returns the oldest item, or nil.
func (q *MemoryQueue) Pop() *domain.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

// Drain runs handler over queued items, including ones enqueued while
// draining, until the queue is empty. Handler errors stop the drain.
func (q *MemoryQueue) Drain(ctx context.Context, handler out.WorkHandler) (int, error) {
	for n := 0; n < maxDrainSteps; n++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		item := q.Pop()
		if item == nil {
			return n, nil
		}
		if err := handler.HandleWork(ctx, item); err != nil {
			return n + 1, fmt.Errorf("handle %s for %s: %w", item.Type, item.AccountID, err)
		}
	}
	return maxDrainSteps, fmt.Errorf("drain did not settle after %d items", maxDrainSteps)
}

var _ out.WorkQueue = (*MemoryQueue)(nil)
