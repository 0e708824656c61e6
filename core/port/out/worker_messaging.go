package out

import (
	"context"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
)

// WorkQueue dispatches fetch work. Enqueue is fire-and-forget: a nil error
// only means the item was accepted.
type WorkQueue interface {
	Enqueue(ctx context.Context, taskType domain.TaskType, accountID uuid.UUID, payload map[string]any) error
}

// WorkHandler processes one dequeued work item.
type WorkHandler interface {
	HandleWork(ctx context.Context, item *domain.WorkItem) error
}
