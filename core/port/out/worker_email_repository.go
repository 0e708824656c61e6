package out

import (
	"context"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
)

// EmailRepository persists ingested messages. Stored emails are immutable.
type EmailRepository interface {
	// Save inserts the email unless (account_id, message_id) already exists.
	// It reports whether a row was written and sets email.ID when it was.
	Save(ctx context.Context, email *domain.Email) (bool, error)
	GetByMessageID(ctx context.Context, accountID uuid.UUID, messageID string) (*domain.Email, error)
	CountByFolder(ctx context.Context, accountID uuid.UUID, folder domain.FolderType) (int, error)
}
