package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type part struct {
	contentID string
	headers   map[string]string
}

func (p part) GetContentID() string         { return p.contentID }
func (p part) GetHeader(name string) string { return p.headers[name] }

func TestExtractContentID(t *testing.T) {
	tests := []struct {
		name   string
		att    Attachment
		want   string
		wantOK bool
	}{
		{"angle brackets", part{contentID: "<logo123@mail>"}, "logo123@mail", true},
		{"whitespace", part{contentID: "  <logo>  "}, "logo", true},
		{"bare", part{contentID: "img1"}, "img1", true},
		{"header fallback", part{headers: map[string]string{"Content-ID": "<hdr-id>"}}, "hdr-id", true},
		{"empty brackets", part{contentID: "<>"}, "", false},
		{"missing", part{}, "", false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractContentID(tt.att)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
