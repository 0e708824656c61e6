package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/httputil"
	"mailsync_server/pkg/resilience"
)

const gmailBreaker = "gmail-api"

// gmailLabels maps folders to system labels. Archive has no label and is
// listed by query instead.
var gmailLabels = map[domain.FolderType]string{
	domain.FolderInbox:  "INBOX",
	domain.FolderSent:   "SENT",
	domain.FolderDrafts: "DRAFT",
	domain.FolderSpam:   "SPAM",
	domain.FolderTrash:  "TRASH",
}

const gmailArchiveQuery = "-in:inbox -in:sent -in:drafts -in:spam -in:trash -in:chats"

// GmailFetcher reads mail through the Gmail REST API in raw format. The
// access token is used as-is; refreshing is the token refresher's job.
type GmailFetcher struct {
	client   *http.Client
	breakers *resilience.Registry
	endpoint string
	log      zerolog.Logger
}

type GmailFetcherOption func(*GmailFetcher)

// WithGmailEndpoint overrides the API base URL.
func WithGmailEndpoint(url string) GmailFetcherOption {
	return func(f *GmailFetcher) { f.endpoint = url }
}

func NewGmailFetcher(client *http.Client, breakers *resilience.Registry, log zerolog.Logger, opts ...GmailFetcherOption) *GmailFetcher {
	if client == nil {
		client = httputil.NewClient(httputil.GmailClientConfig())
	}
	if breakers == nil {
		breakers = resilience.NewRegistry(resilience.DefaultBreakerConfig(), log, gmailEndpointHealthy)
	}
	f := &GmailFetcher{
		client:   client,
		breakers: breakers,
		log:      log.With().Str("component", "gmail_fetcher").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// BreakerState is reported on the readiness endpoint.
func (f *GmailFetcher) BreakerState() string {
	return f.breakers.Get(gmailBreaker).State().String()
}

func (f *GmailFetcher) FetchFolder(ctx context.Context, account *domain.EmailAccount, req out.FolderFetchRequest) (*out.FolderPage, error) {
	svc, err := f.service(ctx, account)
	if err != nil {
		return nil, err
	}

	page := &out.FolderPage{Total: -1}
	call := svc.Users.Messages.List("me").MaxResults(int64(req.PageSize))
	if label, ok := gmailLabels[req.Folder]; ok {
		call = call.LabelIds(label)
		if req.Folder == domain.FolderSpam || req.Folder == domain.FolderTrash {
			call = call.IncludeSpamTrash(true)
		}
		if total, err := f.labelTotal(ctx, svc, label); err == nil {
			page.Total = total
		} else {
			f.log.Debug().Err(err).Str("label", label).Msg("label total unavailable")
		}
		page.Requests++
	} else {
		call = call.Q(gmailArchiveQuery)
	}
	if req.Position != "" {
		call = call.PageToken(req.Position)
	}

	var list *gmail.ListMessagesResponse
	err = f.execute(func() error {
		var apiErr error
		list, apiErr = call.Context(ctx).Do()
		return apiErr
	})
	page.Requests++
	if err != nil {
		return nil, classifyGmailErr("list "+string(req.Folder), err)
	}

	msgs, n, err := f.fetchRaw(ctx, svc, list.Messages, req.Folder)
	page.Requests += n
	if err != nil {
		return nil, err
	}
	page.Messages = msgs
	page.NextPosition = list.NextPageToken
	page.Done = list.NextPageToken == ""
	return page, nil
}

func (f *GmailFetcher) FetchSince(ctx context.Context, account *domain.EmailAccount, since time.Time, limit int) (*out.FolderPage, error) {
	svc, err := f.service(ctx, account)
	if err != nil {
		return nil, err
	}

	var list *gmail.ListMessagesResponse
	err = f.execute(func() error {
		var apiErr error
		list, apiErr = svc.Users.Messages.List("me").
			Q("after:" + strconv.FormatInt(since.Unix(), 10)).
			MaxResults(int64(limit)).
			Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, classifyGmailErr("list since", err)
	}

	msgs, n, err := f.fetchRaw(ctx, svc, list.Messages, "")
	if err != nil {
		return nil, err
	}
	return &out.FolderPage{Messages: msgs, Total: -1, Done: true, Requests: 1 + n}, nil
}

func (f *GmailFetcher) labelTotal(ctx context.Context, svc *gmail.Service, label string) (int, error) {
	var l *gmail.Label
	err := f.execute(func() error {
		var apiErr error
		l, apiErr = svc.Users.Labels.Get("me", label).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return 0, err
	}
	return int(l.MessagesTotal), nil
}

// fetchRaw downloads each referenced message in raw format. An empty folder
// is derived from the message labels.
func (f *GmailFetcher) fetchRaw(ctx context.Context, svc *gmail.Service, refs []*gmail.Message, folder domain.FolderType) ([]*domain.FetchedMessage, int, error) {
	msgs := make([]*domain.FetchedMessage, 0, len(refs))
	requests := 0
	for _, ref := range refs {
		var m *gmail.Message
		err := f.execute(func() error {
			var apiErr error
			m, apiErr = svc.Users.Messages.Get("me", ref.Id).Format("raw").Context(ctx).Do()
			return apiErr
		})
		requests++
		if err != nil {
			return nil, requests, classifyGmailErr("get "+ref.Id, err)
		}

		raw, err := base64.URLEncoding.DecodeString(m.Raw)
		if err != nil {
			raw, err = base64.RawURLEncoding.DecodeString(m.Raw)
		}
		if err != nil {
			f.log.Warn().Err(err).Str("id", ref.Id).Msg("skipping undecodable message")
			continue
		}

		target := folder
		if target == "" {
			target = folderFromLabels(m.LabelIds)
		}
		msg, err := ParseMIME(raw, target)
		if err != nil {
			f.log.Warn().Err(err).Str("id", ref.Id).Msg("skipping unparseable message")
			continue
		}
		messageIDOrFallback(msg, "gmail-"+m.Id)
		msg.ThreadID = m.ThreadId
		msg.Flags = append(msg.Flags, m.LabelIds...)
		if msg.Date.IsZero() {
			msg.Date = unixMillis(m.InternalDate)
		}
		msgs = append(msgs, msg)
	}
	return msgs, requests, nil
}

func folderFromLabels(labels []string) domain.FolderType {
	has := make(map[string]bool, len(labels))
	for _, l := range labels {
		has[strings.ToUpper(l)] = true
	}
	for _, folder := range []domain.FolderType{domain.FolderInbox, domain.FolderSent, domain.FolderDrafts, domain.FolderSpam, domain.FolderTrash} {
		if has[gmailLabels[folder]] {
			return folder
		}
	}
	return domain.FolderArchive
}

func (f *GmailFetcher) service(ctx context.Context, account *domain.EmailAccount) (*gmail.Service, error) {
	if account.AccessToken == "" {
		return nil, fmt.Errorf("gmail %s: %w: missing access token", account.Email, out.ErrFetchAuth)
	}
	tok := &oauth2.Token{AccessToken: account.AccessToken, TokenType: "Bearer"}
	httpClient := oauth2.NewClient(httputil.OAuthContext(ctx, f.client), oauth2.StaticTokenSource(tok))

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if f.endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.endpoint))
	}
	return gmail.NewService(ctx, opts...)
}

func (f *GmailFetcher) execute(fn func() error) error {
	_, err := f.breakers.Get(gmailBreaker).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

var _ out.MailFetcher = (*GmailFetcher)(nil)
