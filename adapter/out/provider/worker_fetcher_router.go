package provider

import (
	"context"
	"fmt"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// Router picks the fetch client for an account's provider.
type Router struct {
	fetchers map[domain.Provider]out.MailFetcher
}

func NewRouter(gmailFetcher, imapFetcher out.MailFetcher) *Router {
	r := &Router{fetchers: make(map[domain.Provider]out.MailFetcher)}
	if gmailFetcher != nil {
		r.fetchers[domain.ProviderGmail] = gmailFetcher
	}
	if imapFetcher != nil {
		r.fetchers[domain.ProviderOutlook] = imapFetcher
		r.fetchers[domain.ProviderCustom] = imapFetcher
	}
	return r
}

// Register overrides the fetcher for one provider.
func (r *Router) Register(p domain.Provider, f out.MailFetcher) {
	r.fetchers[p] = f
}

func (r *Router) fetcher(account *domain.EmailAccount) (out.MailFetcher, error) {
	f, ok := r.fetchers[account.Provider]
	if !ok {
		return nil, fmt.Errorf("no mail fetcher for provider %q", account.Provider)
	}
	return f, nil
}

func (r *Router) FetchFolder(ctx context.Context, account *domain.EmailAccount, req out.FolderFetchRequest) (*out.FolderPage, error) {
	f, err := r.fetcher(account)
	if err != nil {
		return nil, err
	}
	return f.FetchFolder(ctx, account, req)
}

func (r *Router) FetchSince(ctx context.Context, account *domain.EmailAccount, since time.Time, limit int) (*out.FolderPage, error) {
	f, err := r.fetcher(account)
	if err != nil {
		return nil, err
	}
	return f.FetchSince(ctx, account, since, limit)
}

var _ out.MailFetcher = (*Router)(nil)
