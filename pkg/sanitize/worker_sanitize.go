// Package sanitize turns untrusted mail HTML into markup that is safe to
// render in the web client.
package sanitize

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"mailsync_server/pkg/logger"
)

// DefaultTrustedSources get the lighter prestrip treatment.
var DefaultTrustedSources = []string{"gmail", "outlook"}

// Pipeline runs the ordered sanitization stages. It is safe for concurrent use.
type Pipeline struct {
	trusted   map[string]bool
	trustedP  *bluemonday.Policy
	untrusted *bluemonday.Policy

	// clean is the allow-list stage; replaced in tests.
	clean func(body string, trusted bool) string
}

type Option func(*Pipeline)

// WithTrustedSources replaces the trusted provider set.
func WithTrustedSources(sources ...string) Option {
	return func(p *Pipeline) {
		p.trusted = make(map[string]bool, len(sources))
		for _, s := range sources {
			p.trusted[normalizeSource(s)] = true
		}
	}
}

func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		trustedP:  mailPolicy(true),
		untrusted: mailPolicy(false),
	}
	WithTrustedSources(DefaultTrustedSources...)(p)
	for _, opt := range opts {
		opt(p)
	}
	p.clean = func(body string, trusted bool) string {
		if trusted {
			return p.trustedP.Sanitize(body)
		}
		return p.untrusted.Sanitize(body)
	}
	return p
}

func normalizeSource(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsTrusted reports whether source is one of the trusted providers.
func (p *Pipeline) IsTrusted(source string) bool {
	return p.trusted[normalizeSource(source)]
}

// Sanitize cleans UTF-8 (or sniffable) HTML from source. It never panics;
// on any stage failure it returns an escaped plaintext rendering instead.
func (p *Pipeline) Sanitize(input, source string) string {
	return p.SanitizeBytes([]byte(input), "", source)
}

// SanitizeBytes is Sanitize for raw body bytes with an optional charset
// from the MIME headers.
func (p *Pipeline) SanitizeBytes(raw []byte, charset, source string) (out string) {
	if len(raw) == 0 {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("[Sanitizer.Sanitize] stage panicked, using plaintext: %v", r)
			out = Plaintext(string(raw))
		}
	}()

	res, err := p.run(raw, charset, source)
	if err != nil {
		logger.WithError(err).Warn("[Sanitizer.Sanitize] using plaintext fallback for source=%s", source)
		return Plaintext(string(raw))
	}
	return res
}

func (p *Pipeline) run(raw []byte, charset, source string) (string, error) {
	// 1. encoding
	text := normalizeEncoding(raw, charset)

	// 2. source-aware prestrip
	trusted := p.IsTrusted(source)
	doc, err := parseDocument(text)
	if err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	prestrip(doc, trusted)

	// 3. cid image placeholders
	images := protectInlineImages(doc, strings.ReplaceAll(uuid.NewString(), "-", ""))

	body, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("render prestripped body: %w", err)
	}

	// 4. allow-list
	cleaned := p.clean(body, trusted)

	// 5. restore cid images
	restored := images.restore(cleaned)

	// 6. remote image guard
	return guardRemoteImages(restored)
}

func parseDocument(s string) (*goquery.Document, error) {
	node, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromNode(node), nil
}

// Plaintext strips every tag and returns the escaped text content.
func Plaintext(s string) string {
	s = stripControl(strings.ToValidUTF8(s, "�"))
	doc, err := parseDocument(s)
	if err != nil {
		return html.EscapeString(strings.TrimSpace(tagPattern.ReplaceAllString(s, " ")))
	}
	doc.Find("script, style, head").Remove()
	return html.EscapeString(strings.TrimSpace(doc.Text()))
}
