package sanitize

import "strings"

// Attachment is anything carrying MIME part headers.
type Attachment interface {
	GetContentID() string
	GetHeader(name string) string
}

// ExtractContentID returns the bare Content-ID of an inline part for
// matching against cid: references. ok is false when there is none.
func ExtractContentID(att Attachment) (string, bool) {
	if att == nil {
		return "", false
	}
	id := att.GetContentID()
	if strings.TrimSpace(id) == "" {
		id = att.GetHeader("Content-ID")
	}
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false
	}
	return id, true
}
