package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/snowflake"
)

var (
	_ out.AccountRepository = (*MemoryStore)(nil)
	_ out.EmailRepository   = (*MemoryStore)(nil)
	_ out.SyncLogRepository = (*MemoryStore)(nil)
)

type emailKey struct {
	account   uuid.UUID
	messageID string
}

// MemoryStore keeps accounts, emails and the sync log in process memory.
// It follows the same rules as the Postgres adapters and backs tests and
// local runs without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*domain.EmailAccount
	emails   map[emailKey]*domain.Email
	log      []*domain.SyncLogEntry
	ids      *snowflake.Generator
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	ids, _ := snowflake.NewGenerator(0)
	return &MemoryStore{
		accounts: make(map[uuid.UUID]*domain.EmailAccount),
		emails:   make(map[emailKey]*domain.Email),
		ids:      ids,
		now:      time.Now,
	}
}

// =============================================================================
// Accounts
// =============================================================================

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*domain.EmailAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	return acc.Clone(), nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID uuid.UUID) ([]*domain.EmailAccount, error) {
	return s.filter(0, func(a *domain.EmailAccount) bool { return a.UserID == userID }), nil
}

func (s *MemoryStore) Create(_ context.Context, account *domain.EmailAccount) error {
	if err := account.Validate(); err != nil {
		return apperr.BadRequest(err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return apperr.Conflict("account already exists")
	}
	for _, a := range s.accounts {
		if a.UserID == account.UserID && a.Email == account.Email {
			return apperr.Conflict("account already connected")
		}
	}
	s.accounts[account.ID] = account.Clone()
	return nil
}

func (s *MemoryStore) SaveSyncState(_ context.Context, account *domain.EmailAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.accounts[account.ID]
	if !ok {
		return apperr.NotFound("account")
	}

	src := account.Clone()
	stored.SyncCursor = src.SyncCursor
	stored.SyncRetryCount = src.SyncRetryCount
	stored.LastFailedAt = src.LastFailedAt
	stored.LastSyncAt = src.LastSyncAt
	stored.InitialSyncCompletedAt = src.InitialSyncCompletedAt
	if stored.NeedsReauth {
		stored.SyncStatus = domain.SyncStatusFailed
	} else {
		stored.SyncStatus = src.SyncStatus
		stored.SyncError = src.SyncError
	}
	stored.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpdateCredentials(_ context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return apperr.NotFound("account")
	}
	acc.AccessToken = accessToken
	if refreshToken != "" {
		acc.RefreshToken = refreshToken
	}
	if expiresAt != nil {
		t := *expiresAt
		acc.TokenExpiresAt = &t
	}
	acc.ConsecutiveFailures = 0
	acc.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) IncrementRefreshFailures(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return 0, apperr.NotFound("account")
	}
	acc.ConsecutiveFailures++
	acc.UpdatedAt = s.now()
	return acc.ConsecutiveFailures, nil
}

func (s *MemoryStore) MarkNeedsReauth(_ context.Context, id uuid.UUID, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return false, apperr.NotFound("account")
	}
	if acc.NeedsReauth {
		return false, nil
	}
	now := s.now()
	acc.NeedsReauth = true
	acc.SyncStatus = domain.SyncStatusFailed
	acc.SyncError = message
	acc.LastFailedAt = &now
	acc.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) ClearReauth(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return apperr.NotFound("account")
	}
	acc.NeedsReauth = false
	acc.ConsecutiveFailures = 0
	acc.SyncRetryCount = 0
	acc.SyncError = ""
	acc.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, statuses []domain.SyncStatus, limit int) ([]*domain.EmailAccount, error) {
	want := make(map[domain.SyncStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return s.filter(limit, func(a *domain.EmailAccount) bool {
		return !a.NeedsReauth && want[a.SyncStatus]
	}), nil
}

func (s *MemoryStore) ListIncrementalDue(_ context.Context, syncedBefore time.Time, limit int) ([]*domain.EmailAccount, error) {
	return s.filter(limit, func(a *domain.EmailAccount) bool {
		if a.NeedsReauth || a.SyncStatus != domain.SyncStatusCompleted {
			return false
		}
		return a.LastSyncAt == nil || !a.LastSyncAt.After(syncedBefore)
	}), nil
}

func (s *MemoryStore) ListFailedRetryable(_ context.Context, maxRetries, limit int) ([]*domain.EmailAccount, error) {
	return s.filter(limit, func(a *domain.EmailAccount) bool {
		return !a.NeedsReauth && a.SyncStatus == domain.SyncStatusFailed && a.SyncRetryCount <= maxRetries
	}), nil
}

func (s *MemoryStore) ListExpiringTokens(_ context.Context, before time.Time, limit int) ([]*domain.EmailAccount, error) {
	return s.filter(limit, func(a *domain.EmailAccount) bool {
		if a.NeedsReauth || !a.IsOAuth() || !a.HasRefreshToken() {
			return false
		}
		return a.TokenExpiresAt == nil || a.TokenExpiresAt.Before(before)
	}), nil
}

// filter returns clones ordered by creation time.
func (s *MemoryStore) filter(limit int, keep func(*domain.EmailAccount) bool) []*domain.EmailAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*domain.EmailAccount
	for _, a := range s.accounts {
		if keep(a) {
			res = append(res, a.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

// =============================================================================
// Emails
// =============================================================================

func (s *MemoryStore) Save(_ context.Context, email *domain.Email) (bool, error) {
	key := emailKey{account: email.AccountID, messageID: email.MessageID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.emails[key]; exists {
		return false, nil
	}
	id, err := s.ids.Next()
	if err != nil {
		return false, err
	}
	email.ID = id
	if email.CreatedAt.IsZero() {
		email.CreatedAt = s.now()
	}
	cp := *email
	s.emails[key] = &cp
	return true, nil
}

func (s *MemoryStore) GetByMessageID(_ context.Context, accountID uuid.UUID, messageID string) (*domain.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.emails[emailKey{account: accountID, messageID: messageID}]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) CountByFolder(_ context.Context, accountID uuid.UUID, folder domain.FolderType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k, e := range s.emails {
		if k.account == accountID && e.Folder == folder {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// Sync log
// =============================================================================

func (s *MemoryStore) Append(_ context.Context, entry *domain.SyncLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = int64(len(s.log) + 1)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	cp := *entry
	s.log = append(s.log, &cp)
	return nil
}

// ListByAccount returns entries newest first.
func (s *MemoryStore) ListByAccount(_ context.Context, accountID uuid.UUID, limit int) ([]*domain.SyncLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*domain.SyncLogEntry
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].AccountID != accountID {
			continue
		}
		cp := *s.log[i]
		res = append(res, &cp)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

// Events returns the logged event names for an account, oldest first.
func (s *MemoryStore) Events(accountID uuid.UUID) []domain.SyncLogEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.SyncLogEvent
	for _, e := range s.log {
		if e.AccountID == accountID {
			res = append(res, e.Event)
		}
	}
	return res
}
