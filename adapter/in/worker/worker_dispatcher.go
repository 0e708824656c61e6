package worker

import (
	"context"

	"github.com/goccy/go-json"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
)

type Handler struct {
	fetchProcessor *FetchProcessor
}

func NewHandler(fetchProcessor *FetchProcessor) *Handler {
	return &Handler{fetchProcessor: fetchProcessor}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("Processing message: %s for %s", msg.Type, msg.AccountID)

	switch msg.Type {
	case JobSeedFetch:
		return h.fetchProcessor.ProcessSeedFetch(ctx, msg)
	case JobFullFetch:
		return h.fetchProcessor.ProcessFullFetch(ctx, msg)
	case JobIncrementalFetch:
		return h.fetchProcessor.ProcessIncrementalFetch(ctx, msg)
	case JobTokenRefresh:
		return h.fetchProcessor.ProcessTokenRefresh(ctx, msg)

	default:
		logger.Warn("Unknown job type: %s", msg.Type)
		return nil
	}
}

// HandleWork lets the handler drain a queue directly, without the pool.
func (h *Handler) HandleWork(ctx context.Context, item *domain.WorkItem) error {
	return h.Process(ctx, FromWorkItem(item))
}

var _ out.WorkHandler = (*Handler)(nil)

// ParsePayload decodes a message payload into T.
func ParsePayload[T any](payload map[string]any) (*T, error) {
	var parsed T
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}
