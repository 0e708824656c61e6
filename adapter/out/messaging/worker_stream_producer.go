// Package messaging provides work queue adapters.
package messaging

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// Stream names
const (
	StreamSeedFetch        = "mail:seed"
	StreamFullFetch        = "mail:full"
	StreamIncrementalFetch = "mail:incremental"
	StreamTokenRefresh     = "auth:refresh"

	dlqPrefix = "dlq:"
)

var taskStreams = map[domain.TaskType]string{
	domain.TaskSeedFolderFetch:  StreamSeedFetch,
	domain.TaskFullFolderFetch:  StreamFullFetch,
	domain.TaskIncrementalFetch: StreamIncrementalFetch,
	domain.TaskTokenRefresh:     StreamTokenRefresh,
}

// AllStreams lists the streams in consumption priority order.
var AllStreams = []string{
	StreamTokenRefresh,
	StreamSeedFetch,
	StreamIncrementalFetch,
	StreamFullFetch,
}

// StreamFor returns the stream that carries taskType.
func StreamFor(taskType domain.TaskType) (string, error) {
	s, ok := taskStreams[taskType]
	if !ok {
		return "", fmt.Errorf("unknown task type %q", taskType)
	}
	return s, nil
}

// RedisWorkQueue implements out.WorkQueue on Redis Streams.
type RedisWorkQueue struct {
	client *redis.Client
	maxLen int64
}

// NewRedisWorkQueue creates a queue. maxLen caps each stream approximately (0 = unbounded).
func NewRedisWorkQueue(client *redis.Client, maxLen int64) *RedisWorkQueue {
	return &RedisWorkQueue{client: client, maxLen: maxLen}
}

func (q *RedisWorkQueue) Enqueue(ctx context.Context, taskType domain.TaskType, accountID uuid.UUID, payload map[string]any) error {
	stream, err := StreamFor(taskType)
	if err != nil {
		return err
	}
	return q.publish(ctx, stream, domain.NewWorkItem(taskType, accountID, payload))
}

func (q *RedisWorkQueue) publish(ctx context.Context, stream string, item *domain.WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal work item: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

// StreamDepth is the backlog of one stream.
type StreamDepth struct {
	Stream  string `json:"stream"`
	Length  int64  `json:"length"`
	Pending int64  `json:"pending"`
}

// Depths reports length and pending count of every work stream for group.
func (q *RedisWorkQueue) Depths(ctx context.Context, group string) ([]StreamDepth, error) {
	res := make([]StreamDepth, 0, len(AllStreams))
	for _, s := range AllStreams {
		n, err := q.client.XLen(ctx, s).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read length of %s: %w", s, err)
		}
		d := StreamDepth{Stream: s, Length: n}
		if info, err := q.client.XPending(ctx, s, group).Result(); err == nil {
			d.Pending = info.Count
		}
		res = append(res, d)
	}
	return res, nil
}

// DecodeWorkItem parses a stream payload.
func DecodeWorkItem(data []byte) (*domain.WorkItem, error) {
	var item domain.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("invalid work item: %w", err)
	}
	if item.AccountID == uuid.Nil || item.Type == "" {
		return nil, fmt.Errorf("invalid work item: missing type or account")
	}
	return &item, nil
}

var _ out.WorkQueue = (*RedisWorkQueue)(nil)
