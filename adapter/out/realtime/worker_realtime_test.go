package realtime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsync_server/core/domain"
)

func TestHub_DeliversToUserStreamsOnly(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(zerolog.Nop())
	alice, bob := uuid.New(), uuid.New()

	a1 := hub.Subscribe(alice.String())
	a2 := hub.Subscribe(alice.String())
	b := hub.Subscribe(bob.String())
	assert.Equal(t, 2, hub.ConnectedCount())

	require.NoError(t, hub.Notify(ctx, &domain.Notification{Type: domain.NotificationEmailReceived, UserID: alice}))

	got1 := <-a1
	got2 := <-a2
	assert.Equal(t, int64(1), got1.Seq)
	assert.Same(t, got1, got2)
	assert.Empty(t, b)

	require.NoError(t, hub.Notify(ctx, &domain.Notification{Type: domain.NotificationSyncStatusChanged, UserID: bob}))
	assert.Equal(t, int64(2), (<-b).Seq)

	stats := hub.Stats()
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, int64(3), stats.Sent)
}

func TestHub_UnsubscribeClosesStream(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	user := uuid.New()
	ch := hub.Subscribe(user.String())

	hub.Unsubscribe(user.String(), ch)
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.ConnectedCount())

	// notifying a user with no streams is not an error
	assert.NoError(t, hub.Notify(context.Background(), &domain.Notification{UserID: user}))
}

func TestHub_DropsWhenBufferFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	user := uuid.New()
	hub.Subscribe(user.String())

	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, hub.Notify(context.Background(), &domain.Notification{UserID: user}))
	}
	stats := hub.Stats()
	assert.Equal(t, int64(subscriberBuffer), stats.Sent)
	assert.Equal(t, int64(5), stats.Dropped)
}

func TestEncodeEvent(t *testing.T) {
	frame, err := EncodeEvent(&domain.Notification{Seq: 42, Type: domain.NotificationReauthRequired})
	require.NoError(t, err)

	s := string(frame)
	assert.True(t, strings.HasPrefix(s, "id: 42\nevent: reauth_required\ndata: {"))
	assert.True(t, strings.HasSuffix(s, "}\n\n"))
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, *domain.Notification) error { return f.err }

func TestFanoutNotifier_DeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("broker down")
	first, second := NewMemoryNotifier(), NewMemoryNotifier()
	fanout := NewFanoutNotifier(first, failingNotifier{err: boom}, nil, second)

	accountID := uuid.New()
	err := fanout.Notify(context.Background(), &domain.Notification{
		Type:      domain.NotificationSyncStatusChanged,
		AccountID: accountID,
	})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, first.Filter(accountID, domain.NotificationSyncStatusChanged), 1)
	assert.Len(t, second.All(), 1)
}
