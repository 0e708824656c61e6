package mail

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
)

// GetSyncProgress reports per-folder and overall progress.
func (s *SyncService) GetSyncProgress(ctx context.Context, accountID uuid.UUID) (*domain.SyncProgress, error) {
	acc, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return domain.BuildSyncProgress(acc), nil
}

// GetAccount loads an account, returning a not-found error when missing.
func (s *SyncService) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.EmailAccount, error) {
	return s.load(ctx, accountID)
}

// GetSyncLog returns the most recent sync log entries, newest first.
func (s *SyncService) GetSyncLog(ctx context.Context, accountID uuid.UUID, limit int) ([]*domain.SyncLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.syncLog.ListByAccount(ctx, accountID, limit)
}

// GetAccountsNeedingSync returns pending, seeding and syncing accounts.
func (s *SyncService) GetAccountsNeedingSync(ctx context.Context) ([]*domain.EmailAccount, error) {
	return s.accounts.ListByStatus(ctx, []domain.SyncStatus{
		domain.SyncStatusPending,
		domain.SyncStatusSeeding,
		domain.SyncStatusSyncing,
	}, s.cfg.ScanLimit)
}

// GetAccountsForIncrementalSync returns completed accounts whose last sync
// is at least the incremental interval old.
func (s *SyncService) GetAccountsForIncrementalSync(ctx context.Context, now time.Time) ([]*domain.EmailAccount, error) {
	candidates, err := s.accounts.ListIncrementalDue(ctx, now.Add(-s.cfg.IncrementalInterval), s.cfg.ScanLimit)
	if err != nil {
		return nil, err
	}
	due := candidates[:0]
	for _, a := range candidates {
		if domain.IncrementalDue(a, now, s.cfg.IncrementalInterval) {
			due = append(due, a)
		}
	}
	return due, nil
}

// GetAccountsForRetry returns failed accounts whose backoff has elapsed
// and whose retry budget is not spent.
func (s *SyncService) GetAccountsForRetry(ctx context.Context, now time.Time) ([]*domain.EmailAccount, error) {
	candidates, err := s.accounts.ListFailedRetryable(ctx, s.cfg.MaxRetries, s.cfg.ScanLimit)
	if err != nil {
		return nil, err
	}
	due := candidates[:0]
	for _, a := range candidates {
		if domain.RetryDue(a, now, s.cfg.MaxRetries) {
			due = append(due, a)
		}
	}
	return due, nil
}

// GetAccountsWithExpiringTokens returns oauth accounts whose access token
// expires inside the refresh window.
func (s *SyncService) GetAccountsWithExpiringTokens(ctx context.Context, now time.Time) ([]*domain.EmailAccount, error) {
	return s.accounts.ListExpiringTokens(ctx, now.Add(domain.TokenRefreshWindow), s.cfg.ScanLimit)
}
