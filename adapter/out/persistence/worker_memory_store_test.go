package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsync_server/core/domain"
)

func newAccount(t *testing.T, s *MemoryStore, status domain.SyncStatus) *domain.EmailAccount {
	t.Helper()
	acc := domain.NewEmailAccount(uuid.New(), uuid.NewString()+"@example.com", domain.ProviderGmail, domain.AuthTypeOAuth)
	acc.SyncStatus = status
	acc.RefreshToken = "refresh"
	require.NoError(t, s.Create(context.Background(), acc))
	return acc
}

func TestMemoryStore_SaveSyncStateKeepsReauthFailed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	acc := newAccount(t, s, domain.SyncStatusSyncing)

	marked, err := s.MarkNeedsReauth(ctx, acc.ID, domain.ReauthMessage)
	require.NoError(t, err)
	assert.True(t, marked)

	acc.SyncStatus = domain.SyncStatusCompleted
	acc.SyncError = ""
	require.NoError(t, s.SaveSyncState(ctx, acc))

	got, err := s.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusFailed, got.SyncStatus)
	assert.Equal(t, domain.ReauthMessage, got.SyncError)
	assert.NoError(t, got.Validate())
}

func TestMemoryStore_MarkNeedsReauthOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	acc := newAccount(t, s, domain.SyncStatusCompleted)

	first, err := s.MarkNeedsReauth(ctx, acc.ID, domain.ReauthMessage)
	require.NoError(t, err)
	second, err := s.MarkNeedsReauth(ctx, acc.ID, domain.ReauthMessage)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestMemoryStore_SchedulingQueriesSkipReauth(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ok := newAccount(t, s, domain.SyncStatusFailed)
	halted := newAccount(t, s, domain.SyncStatusFailed)
	_, err := s.MarkNeedsReauth(ctx, halted.ID, domain.ReauthMessage)
	require.NoError(t, err)

	got, err := s.ListFailedRetryable(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ok.ID, got[0].ID)

	expiring, err := s.ListExpiringTokens(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, ok.ID, expiring[0].ID)
}

func TestMemoryStore_ListIncrementalDue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	recent := newAccount(t, s, domain.SyncStatusCompleted)
	r := now.Add(-2 * time.Minute)
	recent.LastSyncAt = &r
	require.NoError(t, s.SaveSyncState(ctx, recent))

	stale := newAccount(t, s, domain.SyncStatusCompleted)
	st := now.Add(-6 * time.Minute)
	stale.LastSyncAt = &st
	require.NoError(t, s.SaveSyncState(ctx, stale))

	never := newAccount(t, s, domain.SyncStatusCompleted)

	got, err := s.ListIncrementalDue(ctx, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)

	ids := map[uuid.UUID]bool{}
	for _, a := range got {
		ids[a.ID] = true
	}
	assert.True(t, ids[stale.ID])
	assert.True(t, ids[never.ID])
	assert.False(t, ids[recent.ID])
}

func TestMemoryStore_EmailsInsertOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	accountID := uuid.New()

	e := &domain.Email{AccountID: accountID, MessageID: "<a@x>", Folder: domain.FolderInbox, Subject: "first"}
	inserted, err := s.Save(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, e.ID)

	dup := &domain.Email{AccountID: accountID, MessageID: "<a@x>", Folder: domain.FolderInbox, Subject: "second"}
	inserted, err = s.Save(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	stored, err := s.GetByMessageID(ctx, accountID, "<a@x>")
	require.NoError(t, err)
	assert.Equal(t, "first", stored.Subject)

	n, err := s.CountByFolder(ctx, accountID, domain.FolderInbox)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_SyncLogNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	accountID := uuid.New()

	require.NoError(t, s.Append(ctx, &domain.SyncLogEntry{AccountID: accountID, Event: domain.SyncLogSeedStarted}))
	require.NoError(t, s.Append(ctx, &domain.SyncLogEntry{AccountID: uuid.New(), Event: domain.SyncLogError}))
	require.NoError(t, s.Append(ctx, &domain.SyncLogEntry{AccountID: accountID, Event: domain.SyncLogSeedCompleted}))

	got, err := s.ListByAccount(ctx, accountID, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.SyncLogSeedCompleted, got[0].Event)
	assert.Equal(t, []domain.SyncLogEvent{domain.SyncLogSeedStarted, domain.SyncLogSeedCompleted}, s.Events(accountID))
}
