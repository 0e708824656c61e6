package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsync_server/core/domain"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestStreamFor(t *testing.T) {
	for _, tt := range domain.AllTaskTypes {
		t.Run(string(tt), func(t *testing.T) {
			s, err := StreamFor(tt)
			require.NoError(t, err)
			assert.Contains(t, AllStreams, s)
		})
	}
	_, err := StreamFor("bogus")
	assert.Error(t, err)
}

func TestRedisWorkQueue_RoundTripThroughConsumerGroup(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	queue := NewRedisWorkQueue(client, 0)
	accountID := uuid.New()

	require.NoError(t, queue.Enqueue(ctx, domain.TaskSeedFolderFetch, accountID, map[string]any{"folder": "inbox"}))
	require.NoError(t, queue.Enqueue(ctx, domain.TaskTokenRefresh, accountID, nil))

	var got []*domain.WorkItem
	var streams []string
	consumer := NewConsumer(client, &ConsumerConfig{
		Group:    "mailsync-workers",
		Consumer: "c1",
		Logger:   zerolog.Nop(),
		Block:    10 * time.Millisecond,
		Handler: JobHandlerFunc(func(_ context.Context, stream string, data []byte) error {
			item, err := DecodeWorkItem(data)
			if err != nil {
				return err
			}
			got = append(got, item)
			streams = append(streams, stream)
			return nil
		}),
	})
	require.NoError(t, consumer.EnsureGroups(ctx))
	require.NoError(t, consumer.EnsureGroups(ctx), "group creation is idempotent")

	// groups start at 0 so items published before the group exist are delivered
	acked, err := consumer.poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, acked)
	require.Len(t, got, 2)

	byType := map[domain.TaskType]*domain.WorkItem{}
	for _, item := range got {
		byType[item.Type] = item
		assert.Equal(t, accountID, item.AccountID)
	}
	assert.Equal(t, domain.FolderInbox, byType[domain.TaskSeedFolderFetch].Folder())
	assert.ElementsMatch(t, []string{StreamSeedFetch, StreamTokenRefresh}, streams)

	depths, err := queue.Depths(ctx, "mailsync-workers")
	require.NoError(t, err)
	for _, d := range depths {
		assert.Zero(t, d.Pending, d.Stream)
	}
}

func TestConsumer_FailedMessageStaysPending(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	queue := NewRedisWorkQueue(client, 0)
	require.NoError(t, queue.Enqueue(ctx, domain.TaskFullFolderFetch, uuid.New(), map[string]any{"folder": "sent"}))

	consumer := NewConsumer(client, &ConsumerConfig{
		Group:    "g",
		Consumer: "c1",
		Streams:  []string{StreamFullFetch},
		Logger:   zerolog.Nop(),
		Block:    10 * time.Millisecond,
		Handler: JobHandlerFunc(func(context.Context, string, []byte) error {
			return errors.New("provider down")
		}),
	})
	require.NoError(t, consumer.EnsureGroups(ctx))

	acked, err := consumer.poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, acked)

	info, err := client.XPending(ctx, StreamFullFetch, "g").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Count)

	msgs, err := client.XRange(ctx, StreamFullFetch, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, consumer.moveToDeadLetterQueue(ctx, StreamFullFetch, msgs[0].ID))

	dlq, err := client.XRange(ctx, dlqPrefix+StreamFullFetch, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, StreamFullFetch, dlq[0].Values["original_stream"])
	assert.Equal(t, msgs[0].Values["data"], dlq[0].Values["original_data"])
}

func TestDecodeWorkItem_RejectsIncomplete(t *testing.T) {
	_, err := DecodeWorkItem([]byte(`{"type":"seed-folder-fetch"}`))
	assert.Error(t, err)
	_, err = DecodeWorkItem([]byte(`not json`))
	assert.Error(t, err)
}

type recordingHandler struct {
	queue *MemoryQueue
	seen  []domain.TaskType
}

func (h *recordingHandler) HandleWork(ctx context.Context, item *domain.WorkItem) error {
	h.seen = append(h.seen, item.Type)
	if item.Type == domain.TaskSeedFolderFetch {
		return h.queue.Enqueue(ctx, domain.TaskFullFolderFetch, item.AccountID, map[string]any{"folder": "sent"})
	}
	return nil
}

func TestMemoryQueue_DrainIncludesFollowUpWork(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, domain.TaskSeedFolderFetch, id, map[string]any{"folder": "inbox"}))

	h := &recordingHandler{queue: q}
	n, err := q.Drain(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []domain.TaskType{domain.TaskSeedFolderFetch, domain.TaskFullFolderFetch}, h.seen)
	assert.Equal(t, 2, q.Enqueued())
	assert.Empty(t, q.Pending())
}

func TestMemoryQueue_FailNext(t *testing.T) {
	q := NewMemoryQueue()
	boom := errors.New("queue unavailable")
	q.FailNext(boom)

	err := q.Enqueue(context.Background(), domain.TaskIncrementalFetch, uuid.New(), nil)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, q.Enqueue(context.Background(), domain.TaskIncrementalFetch, uuid.New(), nil))
	assert.Len(t, q.Pending(), 1)
}
