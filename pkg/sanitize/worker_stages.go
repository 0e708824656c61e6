package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var (
	tagPattern       = regexp.MustCompile(`<[^>]*>`)
	metaCharset      = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?\s*([a-z0-9_\-]+)`)
	cidPattern       = regexp.MustCompile(`^[A-Za-z0-9@._\-+$%=]+$`)
	dimensionPattern = regexp.MustCompile(`^\d{1,4}%?$`)
)

// =============================================================================
// Stage 1: encoding
// =============================================================================

// nil means the bytes are already UTF-8 compatible.
var allowedCharsets = map[string]encoding.Encoding{
	"utf-8":        nil,
	"utf8":         nil,
	"us-ascii":     nil,
	"ascii":        nil,
	"iso-8859-1":   charmap.ISO8859_1,
	"iso8859-1":    charmap.ISO8859_1,
	"latin1":       charmap.ISO8859_1,
	"windows-1252": charmap.Windows1252,
	"cp1252":       charmap.Windows1252,
}

func normalizeEncoding(raw []byte, hint string) string {
	label := strings.ToLower(strings.TrimSpace(hint))
	if label == "" {
		label = sniffCharset(raw)
	}

	if enc, ok := allowedCharsets[label]; ok && enc != nil {
		if decoded, err := enc.NewDecoder().Bytes(raw); err == nil {
			return stripControl(string(decoded))
		}
	}
	if utf8.Valid(raw) {
		return stripControl(string(raw))
	}
	// undeclared 8-bit mail is overwhelmingly cp1252
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return stripControl(strings.ToValidUTF8(string(raw), "�"))
	}
	return stripControl(string(decoded))
}

func sniffCharset(raw []byte) string {
	head := raw
	if len(head) > 1024 {
		head = head[:1024]
	}
	if m := metaCharset.FindSubmatch(head); m != nil {
		return strings.ToLower(string(m[1]))
	}
	return ""
}

// stripControl drops C0/C1 control characters other than newline and tab.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20, r == 0x7f, r >= 0x80 && r <= 0x9f:
			return -1
		}
		return r
	}, s)
}

// =============================================================================
// Stage 2: prestrip
// =============================================================================

func prestrip(doc *goquery.Document, trusted bool) {
	doc.Find("script, style").Remove()

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		kept := n.Attr[:0]
		for _, a := range n.Attr {
			key := strings.ToLower(a.Key)
			if strings.HasPrefix(key, "on") {
				continue
			}
			if !trusted && unsafeAttr(key, a.Val) {
				continue
			}
			kept = append(kept, a)
		}
		n.Attr = kept
	})
}

// compactValue lowercases and removes whitespace so "java\tscript :" is caught.
func compactValue(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range strings.ToLower(v) {
		if r <= ' ' || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unsafeAttr(key, val string) bool {
	v := compactValue(val)
	switch {
	case strings.HasPrefix(v, "javascript:"), strings.HasPrefix(v, "vbscript:"):
		return true
	case strings.HasPrefix(v, "data:") && strings.Contains(v, ";base64,"):
		return true
	case key == "style":
		return strings.Contains(v, "expression(") ||
			strings.Contains(v, "javascript:") ||
			strings.Contains(v, "vbscript:") ||
			strings.Contains(v, "data:")
	}
	return false
}

// =============================================================================
// Stage 3 and 5: inline cid images
// =============================================================================

type inlineImages struct {
	tags map[string]string
}

func protectInlineImages(doc *goquery.Document, nonce string) *inlineImages {
	imgs := &inlineImages{tags: map[string]string{}}

	doc.Find("img").Each(func(i int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if len(src) < 4 || !strings.EqualFold(src[:4], "cid:") {
			return
		}
		cid := src[4:]
		if !cidPattern.MatchString(cid) {
			s.Remove()
			return
		}
		token := fmt.Sprintf("MSCID%s%dX", nonce, i)
		imgs.tags[token] = inlineTag(s, cid)
		s.ReplaceWithHtml(token)
	})
	return imgs
}

// inlineTag rebuilds the image from a fixed attribute set.
func inlineTag(s *goquery.Selection, cid string) string {
	var b strings.Builder
	b.WriteString(`<img src="cid:`)
	b.WriteString(html.EscapeString(cid))
	b.WriteString(`"`)
	for _, name := range []string{"alt", "title"} {
		if v, ok := s.Attr(name); ok {
			fmt.Fprintf(&b, ` %s="%s"`, name, html.EscapeString(v))
		}
	}
	for _, name := range []string{"width", "height"} {
		if v, ok := s.Attr(name); ok && dimensionPattern.MatchString(strings.TrimSpace(v)) {
			fmt.Fprintf(&b, ` %s="%s"`, name, strings.TrimSpace(v))
		}
	}
	b.WriteString(`>`)
	return b.String()
}

func (i *inlineImages) restore(s string) string {
	if len(i.tags) == 0 {
		return s
	}
	pairs := make([]string, 0, len(i.tags)*2)
	for token, tag := range i.tags {
		pairs = append(pairs, token, tag)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// =============================================================================
// Stage 4: allow-list policy
// =============================================================================

func mailPolicy(trusted bool) *bluemonday.Policy {
	p := bluemonday.UGCPolicy()

	p.AllowElements("center", "font", "span", "div", "u", "s", "small", "big", "hr", "br",
		"table", "thead", "tbody", "tfoot", "tr", "td", "th", "caption", "colgroup", "col")
	p.AllowAttrs("align", "valign", "bgcolor", "border", "cellpadding", "cellspacing",
		"width", "height", "colspan", "rowspan").
		OnElements("table", "thead", "tbody", "tfoot", "tr", "td", "th", "col", "colgroup", "div", "img")
	p.AllowAttrs("color", "face", "size").OnElements("font")
	p.AllowAttrs("dir").Globally()

	p.AllowStyles(
		"color", "background-color", "font-size", "font-family", "font-weight", "font-style",
		"text-align", "text-decoration", "text-transform", "line-height", "letter-spacing",
		"margin", "margin-top", "margin-right", "margin-bottom", "margin-left",
		"padding", "padding-top", "padding-right", "padding-bottom", "padding-left",
		"border", "border-top", "border-right", "border-bottom", "border-left",
		"border-color", "border-width", "border-style", "border-collapse", "border-radius",
		"width", "max-width", "min-width", "height", "vertical-align", "white-space", "display",
	).Globally()

	p.RequireNoFollowOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	if trusted {
		p.AllowDataURIImages()
	}
	return p
}

// =============================================================================
// Stage 6: remote image guard
// =============================================================================

func isRemoteURL(src string) bool {
	v := strings.ToLower(strings.TrimSpace(src))
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") || strings.HasPrefix(v, "//")
}

func guardRemoteImages(s string) (string, error) {
	doc, err := parseDocument(s)
	if err != nil {
		return "", fmt.Errorf("parse sanitized body: %w", err)
	}
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("src")
		if !ok || !isRemoteURL(src) {
			return
		}
		img.SetAttr("data-remote-src", src)
		img.SetAttr("src", "")
	})
	return doc.Find("body").Html()
}
