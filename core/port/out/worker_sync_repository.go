package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
)

// AccountRepository stores email accounts and their sync state.
// Getters return (nil, nil) when the account does not exist.
type AccountRepository interface {
	// ==========================================================================
	// CRUD
	// ==========================================================================
	GetByID(ctx context.Context, id uuid.UUID) (*domain.EmailAccount, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.EmailAccount, error)
	Create(ctx context.Context, account *domain.EmailAccount) error

	// ==========================================================================
	// Sync state
	// ==========================================================================
	// SaveSyncState writes status, cursor, sync_error, retry bookkeeping and
	// sync timestamps. A needs_reauth account always stays failed.
	SaveSyncState(ctx context.Context, account *domain.EmailAccount) error

	// ==========================================================================
	// Credentials & refresh breaker
	// ==========================================================================
	UpdateCredentials(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt *time.Time) error
	// IncrementRefreshFailures atomically bumps consecutive_failures and
	// returns the new count.
	IncrementRefreshFailures(ctx context.Context, id uuid.UUID) (int, error)
	// MarkNeedsReauth sets needs_reauth, status failed and message. It
	// reports false when the flag was already set.
	MarkNeedsReauth(ctx context.Context, id uuid.UUID, message string) (bool, error)
	// ClearReauth resets the breaker after a manual reconnection.
	ClearReauth(ctx context.Context, id uuid.UUID) error

	// ==========================================================================
	// Scheduling queries (needs_reauth accounts are never returned)
	// ==========================================================================
	ListByStatus(ctx context.Context, statuses []domain.SyncStatus, limit int) ([]*domain.EmailAccount, error)
	// ListIncrementalDue returns completed accounts with last_sync_at null or
	// at or before syncedBefore.
	ListIncrementalDue(ctx context.Context, syncedBefore time.Time, limit int) ([]*domain.EmailAccount, error)
	ListFailedRetryable(ctx context.Context, maxRetries, limit int) ([]*domain.EmailAccount, error)
	ListExpiringTokens(ctx context.Context, before time.Time, limit int) ([]*domain.EmailAccount, error)
}

// SyncLogRepository is the append-only audit trail of sync milestones.
type SyncLogRepository interface {
	Append(ctx context.Context, entry *domain.SyncLogEntry) error
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*domain.SyncLogEntry, error)
}
