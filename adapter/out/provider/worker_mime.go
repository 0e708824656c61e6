package provider

import (
	"bytes"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"mailsync_server/core/domain"
)

// ParseMIME turns an RFC 5322 message into a FetchedMessage. enmime decodes
// every text part to UTF-8, so Charset is reported as utf-8 whenever an
// HTML body is present.
func ParseMIME(raw []byte, folder domain.FolderType) (*domain.FetchedMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mime: %w", err)
	}

	msg := &domain.FetchedMessage{
		Folder:    folder,
		MessageID: strings.TrimSpace(env.GetHeader("Message-Id")),
		From:      env.GetHeader("From"),
		Subject:   env.GetHeader("Subject"),
		BodyHTML:  env.HTML,
		BodyPlain: env.Text,
		Raw:       string(raw),
		Headers:   make(map[string][]string),
	}
	if msg.BodyHTML != "" {
		msg.Charset = "utf-8"
	}

	for _, key := range env.GetHeaderKeys() {
		if values := env.GetHeaderValues(key); len(values) > 0 {
			msg.Headers[textproto.CanonicalMIMEHeaderKey(key)] = values
		}
	}

	msg.To = addressList(env, "To")
	msg.Cc = addressList(env, "Cc")
	msg.Bcc = addressList(env, "Bcc")

	if date, err := env.Date(); err == nil {
		msg.Date = date
	}

	for _, p := range env.Attachments {
		msg.Attachments = append(msg.Attachments, attachmentFromPart(p, "attachment"))
	}
	for _, p := range env.Inlines {
		msg.Attachments = append(msg.Attachments, attachmentFromPart(p, "inline"))
	}
	for _, p := range env.OtherParts {
		if p.ContentID != "" {
			msg.Attachments = append(msg.Attachments, attachmentFromPart(p, "inline"))
		}
	}
	return msg, nil
}

func addressList(env *enmime.Envelope, header string) []string {
	list, err := env.AddressList(header)
	if err != nil || len(list) == 0 {
		return nil
	}
	res := make([]string, 0, len(list))
	for _, a := range list {
		res = append(res, a.Address)
	}
	return res
}

// attachmentFromPart keeps the raw Content-ID header, angle brackets included.
func attachmentFromPart(p *enmime.Part, disposition string) domain.Attachment {
	att := domain.Attachment{
		Filename:    p.FileName,
		ContentType: p.ContentType,
		Size:        int64(len(p.Content)),
		Disposition: disposition,
		Headers:     map[string][]string(p.Header),
	}
	if raw := p.Header.Get("Content-Id"); raw != "" {
		att.ContentID = raw
	} else if p.ContentID != "" {
		att.ContentID = "<" + p.ContentID + ">"
	}
	if p.Disposition != "" {
		att.Disposition = p.Disposition
	}
	return att
}

// messageIDOrFallback ensures every stored message has a stable id, using
// the provider id when the Message-ID header is missing.
func messageIDOrFallback(msg *domain.FetchedMessage, providerID string) {
	if msg.MessageID == "" {
		msg.MessageID = "<" + providerID + ">"
	}
}

func unixMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
