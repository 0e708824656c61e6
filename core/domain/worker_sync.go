package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Sync Status & Events
// =============================================================================

type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"   // connected, waiting for seed
	SyncStatusSeeding   SyncStatus = "seeding"   // priority folders being fetched in parallel
	SyncStatusSyncing   SyncStatus = "syncing"   // full sync, one folder at a time
	SyncStatusCompleted SyncStatus = "completed" // steady state, incremental fetches
	SyncStatusFailed    SyncStatus = "failed"
)

func (s SyncStatus) IsValid() bool {
	_, ok := syncTransitions[s]
	return ok
}

// SyncEvent drives the account through the sync state machine.
type SyncEvent string

const (
	EventStartSeed         SyncEvent = "start_seed"
	EventSeedCompleted     SyncEvent = "seed_completed"
	EventSyncCompleted     SyncEvent = "sync_completed"
	EventIncrementalFetch  SyncEvent = "incremental_fetch"
	EventFail              SyncEvent = "fail"
	EventResumeSeed        SyncEvent = "resume_seed"
	EventResumeFull        SyncEvent = "resume_full"
	EventResumeIncremental SyncEvent = "resume_incremental"
)

// =============================================================================
// Work items
// =============================================================================

// TaskType names a unit of fetch work handed to the work queue.
type TaskType string

const (
	TaskSeedFolderFetch  TaskType = "seed-folder-fetch"
	TaskFullFolderFetch  TaskType = "full-folder-fetch"
	TaskIncrementalFetch TaskType = "incremental-fetch"
	TaskTokenRefresh     TaskType = "token-refresh"
)

var AllTaskTypes = []TaskType{
	TaskSeedFolderFetch,
	TaskFullFolderFetch,
	TaskIncrementalFetch,
	TaskTokenRefresh,
}

// WorkItem is one enqueued task for a single account.
type WorkItem struct {
	ID        uuid.UUID      `json:"id"`
	Type      TaskType       `json:"type"`
	AccountID uuid.UUID      `json:"account_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func NewWorkItem(taskType TaskType, accountID uuid.UUID, payload map[string]any) *WorkItem {
	return &WorkItem{
		ID:        uuid.New(),
		Type:      taskType,
		AccountID: accountID,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Folder returns the folder payload of folder fetch tasks.
func (w *WorkItem) Folder() FolderType {
	if w.Payload == nil {
		return ""
	}
	s, _ := w.Payload["folder"].(string)
	return FolderType(s)
}

// =============================================================================
// Sync log
// =============================================================================

type SyncLogEvent string

const (
	SyncLogSeedStarted          SyncLogEvent = "seed_started"
	SyncLogSeedCompleted        SyncLogEvent = "seed_completed"
	SyncLogSyncCompleted        SyncLogEvent = "sync_completed"
	SyncLogIncrementalCompleted SyncLogEvent = "incremental_completed"
	SyncLogError                SyncLogEvent = "error"
	SyncLogReauthRequired       SyncLogEvent = "reauth_required"
)

// SyncLogEntry is an append-only audit record of a sync milestone.
type SyncLogEntry struct {
	ID        int64          `json:"id"`
	AccountID uuid.UUID      `json:"account_id"`
	Event     SyncLogEvent   `json:"event"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// =============================================================================
// Retry Strategy
// =============================================================================

// RetryDelays is the backoff between automatic retries of a failed sync.
var RetryDelays = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// GetRetryDelay returns the wait before retry number retryCount (1-based).
func GetRetryDelay(retryCount int) time.Duration {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(RetryDelays) {
		return RetryDelays[len(RetryDelays)-1]
	}
	return RetryDelays[idx]
}

// RetryDue reports whether a failed, non-reauth account may be retried at now.
func RetryDue(a *EmailAccount, now time.Time, maxRetries int) bool {
	if a.SyncStatus != SyncStatusFailed || a.NeedsReauth {
		return false
	}
	if a.SyncRetryCount > maxRetries {
		return false
	}
	if a.LastFailedAt == nil {
		return true
	}
	return !now.Before(a.LastFailedAt.Add(GetRetryDelay(a.SyncRetryCount)))
}

// IncrementalDue reports whether a completed account is due for an
// incremental fetch.
func IncrementalDue(a *EmailAccount, now time.Time, interval time.Duration) bool {
	if a.SyncStatus != SyncStatusCompleted || a.NeedsReauth {
		return false
	}
	if a.LastSyncAt == nil {
		return true
	}
	return now.Sub(*a.LastSyncAt) >= interval
}
