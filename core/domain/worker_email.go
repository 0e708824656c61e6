package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Email is an ingested message. BodyRaw is kept exactly as fetched;
// BodyHTML only ever holds sanitized markup.
type Email struct {
	ID          int64               `json:"id"`
	AccountID   uuid.UUID           `json:"account_id"`
	MessageID   string              `json:"message_id"`
	ThreadID    string              `json:"thread_id,omitempty"`
	Folder      FolderType          `json:"folder"`
	From        string              `json:"from"`
	To          []string            `json:"to,omitempty"`
	Cc          []string            `json:"cc,omitempty"`
	Bcc         []string            `json:"bcc,omitempty"`
	Subject     string              `json:"subject"`
	BodyRaw     string              `json:"-"`
	BodyHTML    string              `json:"body_html,omitempty"`
	BodyPlain   string              `json:"body_plain,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
	IMAPUID     uint32              `json:"imap_uid,omitempty"`
	Flags       []string            `json:"flags,omitempty"`
	ReceivedAt  time.Time           `json:"received_at"`
	SanitizedAt *time.Time          `json:"sanitized_at,omitempty"`
	Attachments []Attachment        `json:"attachments,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Attachment metadata. Bytes are not stored.
type Attachment struct {
	Filename    string              `json:"filename"`
	ContentType string              `json:"content_type"`
	Size        int64               `json:"size"`
	ContentID   string              `json:"content_id,omitempty"`
	Disposition string              `json:"disposition,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
}

// GetContentID returns the Content-ID. Fetched parts carry the raw header
// value; stored attachments hold the bare id.
func (a Attachment) GetContentID() string {
	return a.ContentID
}

// GetHeader returns the first value of a MIME header, case-insensitive.
func (a Attachment) GetHeader(name string) string {
	for k, v := range a.Headers {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func (a Attachment) IsInline() bool {
	return strings.EqualFold(a.Disposition, "inline") || a.ContentID != ""
}

// FetchedMessage is one raw record returned by a mail fetch client.
type FetchedMessage struct {
	Folder      FolderType
	MessageID   string
	ThreadID    string
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	BodyHTML    string
	BodyPlain   string
	Raw         string
	Charset     string
	Headers     map[string][]string
	Attachments []Attachment
	IMAPUID     uint32
	Date        time.Time
	Flags       []string
}
