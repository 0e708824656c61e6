package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsync_server/core/domain"
	"mailsync_server/core/service/email"
)

func passByName(results []PassResult, name string) PassResult {
	for _, r := range results {
		if r.Pass == name {
			return r
		}
	}
	return PassResult{}
}

func TestSyncScheduler_DrivesPendingAccountToCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[domain.FolderType]int{domain.FolderInbox: 4}, mail.DefaultSyncConfig())
	acc := h.account(t, domain.ProviderCustom, domain.AuthTypePassword)
	s := NewSyncScheduler(h.sync, "", zerolog.Nop())

	res := s.RunNeedsSyncPass(ctx)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Queued)

	h.drain(t)
	assert.Equal(t, domain.SyncStatusCompleted, h.reload(t, acc.ID).SyncStatus)

	// Nothing left to drive.
	res = s.RunNeedsSyncPass(ctx)
	assert.Zero(t, res.Scanned)
}

func TestSyncScheduler_RedrivesDroppedWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[domain.FolderType]int{domain.FolderInbox: 2}, mail.DefaultSyncConfig())
	acc := h.account(t, domain.ProviderCustom, domain.AuthTypePassword)
	require.NoError(t, h.sync.StartSeed(ctx, acc.ID))

	// The queued item is lost and its marker expires.
	lost := h.queue.Pop()
	require.NotNil(t, lost)
	h.sync.ReleaseWork(ctx, lost)

	s := NewSyncScheduler(h.sync, "", zerolog.Nop())
	s.RunNeedsSyncPass(ctx)
	require.Len(t, h.queue.Pending(), 1)

	h.drain(t)
	assert.Equal(t, domain.SyncStatusCompleted, h.reload(t, acc.ID).SyncStatus)
}

func TestSyncScheduler_IncrementalEligibility(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, mail.DefaultSyncConfig())
	acc := h.account(t, domain.ProviderGmail, domain.AuthTypeOAuth)
	s := NewSyncScheduler(h.sync, "", zerolog.Nop())

	now := time.Now()
	acc.SyncStatus = domain.SyncStatusCompleted
	acc.SyncCursor = domain.NewSeedCursor()
	acc.SyncCursor.Phase = domain.CursorPhaseIncremental

	recent := now.Add(-2 * time.Minute)
	acc.LastSyncAt = &recent
	require.NoError(t, h.store.SaveSyncState(ctx, acc))
	res := s.RunIncrementalPass(ctx, now)
	assert.Zero(t, res.Queued)
	assert.Empty(t, h.queue.Pending())

	stale := now.Add(-6 * time.Minute)
	acc.LastSyncAt = &stale
	require.NoError(t, h.store.SaveSyncState(ctx, acc))
	res = s.RunIncrementalPass(ctx, now)
	assert.Equal(t, 1, res.Queued)
	require.Len(t, h.queue.Pending(), 1)
	assert.Equal(t, domain.TaskIncrementalFetch, h.queue.Pending()[0].Type)

	// Already in flight: the next pass does not queue a duplicate.
	res = s.RunIncrementalPass(ctx, now)
	assert.Zero(t, res.Queued)
	assert.Len(t, h.queue.Pending(), 1)
}

func TestSyncScheduler_RetryPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[domain.FolderType]int{domain.FolderInbox: 1}, mail.DefaultSyncConfig())
	acc := h.account(t, domain.ProviderCustom, domain.AuthTypePassword)
	require.NoError(t, h.sync.StartSeed(ctx, acc.ID))
	h.sync.ReleaseWork(ctx, h.queue.Pop())
	require.NoError(t, h.sync.MarkSyncFailed(ctx, acc.ID, errors.New("boom")))

	failed := h.reload(t, acc.ID)
	require.Equal(t, domain.SyncStatusFailed, failed.SyncStatus)
	s := NewSyncScheduler(h.sync, "", zerolog.Nop())

	// First retry waits 30s.
	res := s.RunRetryPass(ctx, failed.LastFailedAt.Add(10*time.Second))
	assert.Zero(t, res.Scanned)

	res = s.RunRetryPass(ctx, failed.LastFailedAt.Add(31*time.Second))
	assert.Equal(t, 1, res.Queued)

	resumed := h.reload(t, acc.ID)
	assert.Equal(t, domain.SyncStatusSeeding, resumed.SyncStatus)
	assert.Equal(t, 1, resumed.SyncRetryCount, "automatic retries keep the count")

	h.drain(t)
	assert.Equal(t, domain.SyncStatusCompleted, h.reload(t, acc.ID).SyncStatus)
}

func TestSyncScheduler_RetryPassSkipsReauth(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, mail.DefaultSyncConfig())
	acc := h.account(t, domain.ProviderGmail, domain.AuthTypeOAuth)
	_, err := h.store.MarkNeedsReauth(ctx, acc.ID, domain.ReauthMessage)
	require.NoError(t, err)

	s := NewSyncScheduler(h.sync, "", zerolog.Nop())
	results := s.RunOnce(ctx)

	for _, r := range results {
		assert.Zero(t, r.Queued, r.Pass)
	}
	assert.Empty(t, h.queue.Pending())
}

func TestSyncScheduler_TokenRefreshPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, mail.DefaultSyncConfig())
	acc := h.account(t, domain.ProviderGmail, domain.AuthTypeOAuth)
	soon := time.Now().Add(2 * time.Minute)
	require.NoError(t, h.store.UpdateCredentials(ctx, acc.ID, "access", "refresh", &soon))

	s := NewSyncScheduler(h.sync, "", zerolog.Nop())
	results := s.RunOnce(ctx)

	assert.Equal(t, 1, passByName(results, "token_refresh").Queued)
	var refreshes int
	for _, item := range h.queue.Pending() {
		if item.Type == domain.TaskTokenRefresh {
			refreshes++
		}
	}
	assert.Equal(t, 1, refreshes)
}

func TestSyncScheduler_StartStop(t *testing.T) {
	h := newHarness(t, nil, mail.DefaultSyncConfig())
	s := NewSyncScheduler(h.sync, "@every 1h", zerolog.Nop())
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()

	bad := NewSyncScheduler(h.sync, "not a schedule", zerolog.Nop())
	assert.Error(t, bad.Start())
}
