package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
)

const (
	OutlookIMAPAddr = "outlook.office365.com:993"
	defaultIMAPPort = 993
)

// folderFallbacks are tried when the server does not advertise special-use attributes.
var folderFallbacks = map[domain.FolderType][]string{
	domain.FolderSent:    {"Sent", "Sent Items", "Sent Messages", "INBOX.Sent"},
	domain.FolderDrafts:  {"Drafts", "INBOX.Drafts"},
	domain.FolderArchive: {"Archive", "Archives", "INBOX.Archive"},
	domain.FolderSpam:    {"Junk", "Junk Email", "Spam", "INBOX.Junk"},
	domain.FolderTrash:   {"Trash", "Deleted Items", "Deleted Messages", "INBOX.Trash"},
}

var folderAttrs = map[domain.FolderType]imap.MailboxAttr{
	domain.FolderSent:    imap.MailboxAttrSent,
	domain.FolderDrafts:  imap.MailboxAttrDrafts,
	domain.FolderArchive: imap.MailboxAttrArchive,
	domain.FolderSpam:    imap.MailboxAttrJunk,
	domain.FolderTrash:   imap.MailboxAttrTrash,
}

// IMAPFetcher reads Outlook (XOAUTH2) and custom (password) mailboxes.
// Each call opens its own connection.
type IMAPFetcher struct {
	dialTimeout time.Duration
	log         zerolog.Logger
}

func NewIMAPFetcher(log zerolog.Logger) *IMAPFetcher {
	return &IMAPFetcher{
		dialTimeout: 15 * time.Second,
		log:         log.With().Str("component", "imap_fetcher").Logger(),
	}
}

// FetchFolder returns the next page below the position's UID bound, newest first.
func (f *IMAPFetcher) FetchFolder(ctx context.Context, account *domain.EmailAccount, req out.FolderFetchRequest) (*out.FolderPage, error) {
	c, err := f.connect(ctx, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Logout().Wait() }()

	mailbox, err := f.resolveMailbox(c, req.Folder)
	if err != nil {
		return nil, err
	}
	if mailbox == "" {
		// folder not present on this server
		return &out.FolderPage{Total: 0, Done: true, Requests: 1}, nil
	}

	sel, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, classifyIMAPErr("select "+mailbox, err)
	}

	pos, err := parseIMAPPosition(req.Position)
	if err != nil || pos.validity != sel.UIDValidity {
		// unreadable position or mailbox rebuilt: start over from the newest message
		pos = imapPosition{validity: sel.UIDValidity}
	}

	search, err := c.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, classifyIMAPErr("search "+mailbox, err)
	}

	uids, next, done := selectPage(search.AllUIDs(), pos.bound, req.PageSize)
	page := &out.FolderPage{
		Total:    int(sel.NumMessages),
		Done:     done,
		Requests: 3,
	}
	if !done {
		page.NextPosition = imapPosition{validity: sel.UIDValidity, bound: next}.String()
	}
	if len(uids) == 0 {
		return page, nil
	}

	msgs, err := f.fetchUIDs(c, uids, req.Folder)
	if err != nil {
		return nil, err
	}
	page.Messages = msgs
	page.Requests++
	return page, nil
}

// FetchSince returns inbox messages received on or after since's date.
func (f *IMAPFetcher) FetchSince(ctx context.Context, account *domain.EmailAccount, since time.Time, limit int) (*out.FolderPage, error) {
	c, err := f.connect(ctx, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Logout().Wait() }()

	if _, err := c.Select("INBOX", &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, classifyIMAPErr("select INBOX", err)
	}
	search, err := c.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, classifyIMAPErr("search INBOX", err)
	}

	uids, _, _ := selectPage(search.AllUIDs(), 0, limit)
	page := &out.FolderPage{Total: -1, Done: true, Requests: 2}
	if len(uids) == 0 {
		return page, nil
	}
	msgs, err := f.fetchUIDs(c, uids, domain.FolderInbox)
	if err != nil {
		return nil, err
	}
	page.Messages = msgs
	page.Requests++
	return page, nil
}

func (f *IMAPFetcher) fetchUIDs(c *imapclient.Client, uids []imap.UID, folder domain.FolderType) ([]*domain.FetchedMessage, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	cmd := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})
	bufs, err := cmd.Collect()
	if err != nil {
		return nil, classifyIMAPErr("fetch", err)
	}

	msgs := make([]*domain.FetchedMessage, 0, len(bufs))
	for _, buf := range bufs {
		raw := buf.FindBodySection(section)
		if raw == nil {
			continue
		}
		msg, err := ParseMIME(raw, folder)
		if err != nil {
			f.log.Warn().Err(err).Uint32("uid", uint32(buf.UID)).Msg("skipping unparseable message")
			continue
		}
		msg.IMAPUID = uint32(buf.UID)
		messageIDOrFallback(msg, "imap-"+strconv.FormatUint(uint64(buf.UID), 10))
		if msg.Date.IsZero() {
			msg.Date = buf.InternalDate
		}
		for _, fl := range buf.Flags {
			msg.Flags = append(msg.Flags, string(fl))
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].IMAPUID > msgs[j].IMAPUID })
	return msgs, nil
}

// =============================================================================
// Connection
// =============================================================================

func (f *IMAPFetcher) connect(ctx context.Context, account *domain.EmailAccount) (*imapclient.Client, error) {
	addr, username, err := imapEndpoint(account)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: f.dialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	host, _, _ := net.SplitHostPort(addr)
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := imapclient.New(conn, nil)

	switch account.AuthType {
	case domain.AuthTypeOAuth:
		if account.AccessToken == "" {
			c.Close()
			return nil, fmt.Errorf("imap login %s: %w: missing access token", username, out.ErrFetchAuth)
		}
		err = c.Authenticate(NewXOAuth2Client(username, account.AccessToken))
	default:
		err = c.Login(username, account.IMAPPassword).Wait()
	}
	if err != nil {
		c.Close()
		return nil, classifyIMAPErr("imap login "+username, err)
	}
	return c, nil
}

// imapEndpoint resolves the server address and login name. Only Outlook
// has a default host; any other account without one is misconfigured.
func imapEndpoint(account *domain.EmailAccount) (addr, username string, err error) {
	username = account.Email
	if account.IMAPUsername != "" {
		username = account.IMAPUsername
	}
	host := strings.TrimSpace(account.IMAPHost)
	if host == "" {
		if account.Provider == domain.ProviderOutlook {
			return OutlookIMAPAddr, username, nil
		}
		return "", "", apperr.ConfigError(fmt.Sprintf("account %s has no IMAP host", account.ID))
	}
	port := account.IMAPPort
	if port == 0 {
		port = defaultIMAPPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), username, nil
}

func (f *IMAPFetcher) resolveMailbox(c *imapclient.Client, folder domain.FolderType) (string, error) {
	if folder == domain.FolderInbox {
		return "INBOX", nil
	}
	list, err := c.List("", "*", &imap.ListOptions{ReturnSpecialUse: true}).Collect()
	if err != nil {
		return "", classifyIMAPErr("list", err)
	}
	return matchMailbox(list, folder), nil
}

// matchMailbox prefers special-use attributes and falls back to common names.
func matchMailbox(list []*imap.ListData, folder domain.FolderType) string {
	if attr, ok := folderAttrs[folder]; ok {
		for _, mb := range list {
			for _, a := range mb.Attrs {
				if a == attr {
					return mb.Mailbox
				}
			}
		}
	}
	for _, name := range folderFallbacks[folder] {
		for _, mb := range list {
			if strings.EqualFold(mb.Mailbox, name) {
				return mb.Mailbox
			}
		}
	}
	return ""
}

// =============================================================================
// Paging
// =============================================================================

// imapPosition is "<uidvalidity>:<bound>"; the next page holds UIDs below bound.
type imapPosition struct {
	validity uint32
	bound    imap.UID
}

func (p imapPosition) String() string {
	return fmt.Sprintf("%d:%d", p.validity, p.bound)
}

func parseIMAPPosition(s string) (imapPosition, error) {
	if s == "" {
		return imapPosition{}, fmt.Errorf("empty position")
	}
	v, b, ok := strings.Cut(s, ":")
	if !ok {
		return imapPosition{}, fmt.Errorf("malformed position %q", s)
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return imapPosition{}, fmt.Errorf("malformed position %q: %w", s, err)
	}
	bound, err := strconv.ParseUint(b, 10, 32)
	if err != nil {
		return imapPosition{}, fmt.Errorf("malformed position %q: %w", s, err)
	}
	return imapPosition{validity: uint32(validity), bound: imap.UID(bound)}, nil
}

// selectPage picks up to size of the highest UIDs below bound (0 = no bound).
// next is the new bound; done reports that nothing remains below it.
func selectPage(all []imap.UID, bound imap.UID, size int) (page []imap.UID, next imap.UID, done bool) {
	candidates := make([]imap.UID, 0, len(all))
	for _, uid := range all {
		if bound == 0 || uid < bound {
			candidates = append(candidates, uid)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] > candidates[j] })

	if size <= 0 || size >= len(candidates) {
		return candidates, 0, true
	}
	page = candidates[:size]
	return page, page[len(page)-1], false
}

// =============================================================================
// XOAUTH2
// =============================================================================

type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2Client implements the XOAUTH2 mechanism used by Outlook IMAP.
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

// Next answers the server's JSON error challenge with an empty response so
// the server completes the exchange with a tagged NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

var _ out.MailFetcher = (*IMAPFetcher)(nil)
