package worker

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/pkg/apperr"
)

// JobType is the task type carried by a work item.
type JobType = domain.TaskType

// Job types, one per work queue stream.
const (
	JobSeedFetch        = domain.TaskSeedFolderFetch
	JobFullFetch        = domain.TaskFullFolderFetch
	JobIncrementalFetch = domain.TaskIncrementalFetch
	JobTokenRefresh     = domain.TaskTokenRefresh
)

// Message is a work item travelling through the pool.
type Message struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	AccountID uuid.UUID      `json:"account_id"`
	Payload   map[string]any `json:"payload"`
	Stream    string         `json:"stream,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Retries   int            `json:"retries"`
}

func NewMessage(jobType JobType, accountID uuid.UUID, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		AccountID: accountID,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// FromWorkItem wraps a dequeued item, keeping its id.
func FromWorkItem(item *domain.WorkItem) *Message {
	return &Message{
		ID:        item.ID.String(),
		Type:      item.Type,
		AccountID: item.AccountID,
		Payload:   item.Payload,
		CreatedAt: item.CreatedAt,
	}
}

// WorkItem converts the message back for the sync service.
func (m *Message) WorkItem() *domain.WorkItem {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		id = uuid.Nil
	}
	return &domain.WorkItem{
		ID:        id,
		Type:      m.Type,
		AccountID: m.AccountID,
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
	}
}

// FolderFetchPayload is the payload of seed and full folder fetches.
type FolderFetchPayload struct {
	Folder domain.FolderType `json:"folder"`
}

// folderFetchPayload decodes and validates a folder fetch payload. A bad
// payload is a config error; retrying it cannot help.
func folderFetchPayload(msg *Message) (*FolderFetchPayload, error) {
	payload, err := ParsePayload[FolderFetchPayload](msg.Payload)
	if err != nil {
		return nil, apperr.ConfigError(fmt.Sprintf("malformed %s payload", msg.Type)).WithError(err)
	}
	if !payload.Folder.IsValid() {
		return nil, apperr.ConfigError(fmt.Sprintf("%s payload has no valid folder: %q", msg.Type, payload.Folder))
	}
	return payload, nil
}
