package out

import (
	"context"
	"errors"
	"time"

	"mailsync_server/core/domain"
)

// Fetch error classes. Fetchers wrap provider errors with one of these so
// the processor can route them to the breaker, the rate limiter or
// markSyncFailed.
var (
	ErrFetchAuth      = errors.New("mail fetch: authentication rejected")
	ErrFetchThrottled = errors.New("mail fetch: provider throttled")
)

// FolderFetchRequest asks for one page of a folder, newest first.
type FolderFetchRequest struct {
	Folder   domain.FolderType
	Position string
	PageSize int
}

// FolderPage is one fetched page. Requests is the number of provider
// calls spent, charged against the request rate limit.
type FolderPage struct {
	Messages     []*domain.FetchedMessage
	Total        int
	NextPosition string
	Done         bool
	Requests     int
}

// MailFetcher is the wire-level mail client.
type MailFetcher interface {
	FetchFolder(ctx context.Context, account *domain.EmailAccount, req FolderFetchRequest) (*FolderPage, error)
	FetchSince(ctx context.Context, account *domain.EmailAccount, since time.Time, limit int) (*FolderPage, error)
}
