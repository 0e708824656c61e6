package in

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"mailsync_server/core/domain"
)

// SyncService is the account sync surface the API drives.
type SyncService interface {
	GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.EmailAccount, error)
	GetSyncProgress(ctx context.Context, accountID uuid.UUID) (*domain.SyncProgress, error)
	GetSyncLog(ctx context.Context, accountID uuid.UUID, limit int) ([]*domain.SyncLogEntry, error)

	// Start the first sync of a pending account
	StartSeed(ctx context.Context, accountID uuid.UUID) error
	// Resume a failed account; manual resumes reset the retry budget
	ResumeSync(ctx context.Context, accountID uuid.UUID, manual bool) error
}

// ReconnectService clears the refresh breaker after the user reconnects.
type ReconnectService interface {
	// Exchange the consent code and store the new credentials
	ReconnectWithCode(ctx context.Context, accountID uuid.UUID, code string) error
	// Clear the breaker without new credentials (password accounts)
	Reconnect(ctx context.Context, accountID uuid.UUID, tok *oauth2.Token) error
}
