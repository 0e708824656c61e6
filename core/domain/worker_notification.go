package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Notification - events emitted to the UI / broadcast bus
// =============================================================================

type NotificationType string

const (
	NotificationSyncStatusChanged NotificationType = "sync_status_changed"
	NotificationEmailReceived     NotificationType = "email_received"
	NotificationReauthRequired    NotificationType = "reauth_required"
)

type Notification struct {
	Seq       int64            `json:"seq,omitempty"` // assigned by the realtime hub
	Type      NotificationType `json:"type"`
	UserID    uuid.UUID        `json:"user_id"`
	AccountID uuid.UUID        `json:"account_id"`
	Data      map[string]any   `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

func NewSyncStatusChanged(a *EmailAccount) *Notification {
	data := map[string]any{"status": string(a.SyncStatus)}
	if a.SyncError != "" {
		data["error"] = a.SyncError
	}
	return &Notification{
		Type:      NotificationSyncStatusChanged,
		UserID:    a.UserID,
		AccountID: a.ID,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

func NewEmailReceived(a *EmailAccount, e *Email) *Notification {
	return &Notification{
		Type:      NotificationEmailReceived,
		UserID:    a.UserID,
		AccountID: a.ID,
		Data: map[string]any{
			"email_id":   e.ID,
			"message_id": e.MessageID,
			"folder":     string(e.Folder),
			"from":       e.From,
			"subject":    e.Subject,
		},
		CreatedAt: time.Now(),
	}
}

func NewReauthRequired(a *EmailAccount) *Notification {
	return &Notification{
		Type:      NotificationReauthRequired,
		UserID:    a.UserID,
		AccountID: a.ID,
		Data:      map[string]any{"email": a.Email, "message": ReauthMessage},
		CreatedAt: time.Now(),
	}
}
