package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every (state, event) pair is listed here; a new state or event without a
// row fails the test.
func TestTransitionTable_Exhaustive(t *testing.T) {
	want := map[SyncStatus]map[SyncEvent]SyncStatus{
		SyncStatusPending: {
			EventStartSeed: SyncStatusSeeding,
			EventFail:      SyncStatusFailed,
		},
		SyncStatusSeeding: {
			EventSeedCompleted: SyncStatusSyncing,
			EventSyncCompleted: SyncStatusCompleted,
			EventFail:          SyncStatusFailed,
		},
		SyncStatusSyncing: {
			EventSyncCompleted: SyncStatusCompleted,
			EventFail:          SyncStatusFailed,
		},
		SyncStatusCompleted: {
			EventSyncCompleted:    SyncStatusCompleted,
			EventIncrementalFetch: SyncStatusCompleted,
			EventFail:             SyncStatusFailed,
		},
		SyncStatusFailed: {
			EventStartSeed:         SyncStatusSeeding,
			EventFail:              SyncStatusFailed,
			EventResumeSeed:        SyncStatusSeeding,
			EventResumeFull:        SyncStatusSyncing,
			EventResumeIncremental: SyncStatusCompleted,
		},
	}

	require.Len(t, syncTransitions, len(AllSyncStatuses))
	for _, from := range AllSyncStatuses {
		for _, ev := range AllSyncEvents {
			got, ok := NextStatus(from, ev)
			exp, expOK := want[from][ev]
			assert.Equal(t, expOK, ok, "%s + %s", from, ev)
			assert.Equal(t, exp, got, "%s + %s", from, ev)
		}
	}
	for from, events := range syncTransitions {
		for ev, to := range events {
			assert.Contains(t, AllSyncEvents, ev)
			assert.Contains(t, AllSyncStatuses, to, "%s + %s", from, ev)
		}
	}
}

func TestTransition_AnyStateCanFail(t *testing.T) {
	for _, s := range AllSyncStatuses {
		next, ok := NextStatus(s, EventFail)
		assert.True(t, ok, s)
		assert.Equal(t, SyncStatusFailed, next)
	}
}

func TestEmailAccount_Transition(t *testing.T) {
	acc := NewEmailAccount(uuid.New(), "x@example.com", ProviderGmail, AuthTypeOAuth)

	require.NoError(t, acc.Transition(EventStartSeed))
	assert.Equal(t, SyncStatusSeeding, acc.SyncStatus)

	err := acc.Transition(EventIncrementalFetch)
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, SyncStatusSeeding, terr.From)
	assert.Equal(t, SyncStatusSeeding, acc.SyncStatus)
}

func TestEmailAccount_TransitionKeepsReauthAccountFailed(t *testing.T) {
	acc := NewEmailAccount(uuid.New(), "x@example.com", ProviderGmail, AuthTypeOAuth)
	acc.SyncStatus = SyncStatusFailed
	acc.NeedsReauth = true

	assert.Error(t, acc.Transition(EventResumeSeed))
	assert.Equal(t, SyncStatusFailed, acc.SyncStatus)
	assert.NoError(t, acc.Transition(EventFail))
	assert.NoError(t, acc.Validate())
}

func TestEmailAccount_Validate(t *testing.T) {
	acc := NewEmailAccount(uuid.New(), "x@example.com", ProviderGmail, AuthTypeOAuth)
	acc.NeedsReauth = true
	acc.SyncStatus = SyncStatusSyncing

	assert.ErrorIs(t, acc.Validate(), ErrReauthInvariant)
}

func TestResumeEvent(t *testing.T) {
	tests := []struct {
		name   string
		cursor *SyncCursor
		want   SyncEvent
	}{
		{"no cursor", nil, EventResumeSeed},
		{"seed", &SyncCursor{Phase: CursorPhaseSeed}, EventResumeSeed},
		{"full", &SyncCursor{Phase: CursorPhaseFull}, EventResumeFull},
		{"incremental", &SyncCursor{Phase: CursorPhaseIncremental}, EventResumeIncremental},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResumeEvent(tt.cursor))
		})
	}
}

func TestIncrementalDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }

	tests := []struct {
		name   string
		status SyncStatus
		last   *time.Time
		reauth bool
		want   bool
	}{
		{"two minutes ago", SyncStatusCompleted, ago(2 * time.Minute), false, false},
		{"six minutes ago", SyncStatusCompleted, ago(6 * time.Minute), false, true},
		{"exactly interval", SyncStatusCompleted, ago(5 * time.Minute), false, true},
		{"never synced", SyncStatusCompleted, nil, false, true},
		{"still syncing", SyncStatusSyncing, ago(time.Hour), false, false},
		{"failed", SyncStatusFailed, ago(time.Hour), false, false},
		{"needs reauth", SyncStatusFailed, ago(time.Hour), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := &EmailAccount{SyncStatus: tt.status, LastSyncAt: tt.last, NeedsReauth: tt.reauth}
			assert.Equal(t, tt.want, IncrementalDue(acc, now, 5*time.Minute))
		})
	}
}

func TestRetryDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }

	tests := []struct {
		name string
		acc  EmailAccount
		want bool
	}{
		{"first retry after 30s", EmailAccount{SyncStatus: SyncStatusFailed, SyncRetryCount: 1, LastFailedAt: ago(31 * time.Second)}, true},
		{"first retry too early", EmailAccount{SyncStatus: SyncStatusFailed, SyncRetryCount: 1, LastFailedAt: ago(10 * time.Second)}, false},
		{"third retry waits five minutes", EmailAccount{SyncStatus: SyncStatusFailed, SyncRetryCount: 3, LastFailedAt: ago(2 * time.Minute)}, false},
		{"retries exhausted", EmailAccount{SyncStatus: SyncStatusFailed, SyncRetryCount: 6, LastFailedAt: ago(time.Hour)}, false},
		{"needs reauth", EmailAccount{SyncStatus: SyncStatusFailed, NeedsReauth: true, SyncRetryCount: 1, LastFailedAt: ago(time.Hour)}, false},
		{"not failed", EmailAccount{SyncStatus: SyncStatusSyncing}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryDue(&tt.acc, now, 5))
		})
	}
}

func TestGetRetryDelay(t *testing.T) {
	assert.Equal(t, 30*time.Second, GetRetryDelay(0))
	assert.Equal(t, 30*time.Second, GetRetryDelay(1))
	assert.Equal(t, time.Minute, GetRetryDelay(2))
	assert.Equal(t, 30*time.Minute, GetRetryDelay(99))
}
