package out

import (
	"context"

	"mailsync_server/core/domain"
)

// Notifier publishes sync and mail events to the UI / broadcast bus.
type Notifier interface {
	Notify(ctx context.Context, n *domain.Notification) error
}

// RealtimeHub is a Notifier that also serves live per-user subscriptions.
type RealtimeHub interface {
	Notifier
	Subscribe(userID string) <-chan *domain.Notification
	Unsubscribe(userID string, ch <-chan *domain.Notification)
	ConnectedCount() int
}
