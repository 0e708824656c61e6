package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize_StripsScript(t *testing.T) {
	p := New()

	for _, source := range []string{"gmail", "custom"} {
		out := p.Sanitize(`<script>alert(1)</script>Hello`, source)

		assert.NotContains(t, strings.ToLower(out), "<script", source)
		assert.NotContains(t, out, "alert(1)", source)
		assert.Contains(t, out, "Hello", source)
	}
}

func TestSanitize_KeepsCIDImage(t *testing.T) {
	p := New()

	for _, source := range []string{"gmail", "custom"} {
		out := p.Sanitize(`<p>Logo: <img src="cid:logo123" alt="Acme" width="120" onerror="x()"></p>`, source)

		assert.Contains(t, out, `src="cid:logo123"`, source)
		assert.Contains(t, out, `alt="Acme"`, source)
		assert.NotContains(t, out, "onerror", source)
		assert.NotContains(t, out, "MSCID", source)
	}
}

func TestSanitize_GuardsRemoteImages(t *testing.T) {
	p := New()

	out := p.Sanitize(`<img src="http://evil.example/track.png">`, "custom")

	assert.Contains(t, out, `src=""`)
	assert.Contains(t, out, `data-remote-src="http://evil.example/track.png"`)
	assert.NotContains(t, out, `src="http://evil.example/track.png"`)
}

func TestSanitize_MalformedHTMLDoesNotPanic(t *testing.T) {
	p := New()

	inputs := []string{
		`<div><b>Hello <i>world`,
		`<<<>>>Hello<`,
		`<table><tr><td>Hello</div></span>`,
		`<img src="cid:"><a href=>Hello`,
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			out := p.Sanitize(in, "custom")
			assert.Contains(t, out, "Hello", in)
			assert.NotContains(t, out, "<script", in)
		})
	}
}

func TestSanitize_UntrustedIsStricter(t *testing.T) {
	p := New()
	dataImg := `<img src="data:image/png;base64,iVBORw0KGgo=">`

	trusted := p.Sanitize(dataImg, "gmail")
	untrusted := p.Sanitize(dataImg, "custom")

	assert.Contains(t, trusted, "data:image/png;base64")
	assert.NotContains(t, untrusted, "data:image")
}

func TestSanitize_DangerousURLsAndCSS(t *testing.T) {
	p := New()

	tests := []struct {
		name   string
		input  string
		reject string
		keep   string
	}{
		{"javascript href", `<a href="javascript:alert(1)">click</a>`, "javascript", "click"},
		{"obfuscated javascript", `<a href="jav&#x09;ascript:alert(1)">click</a>`, "alert", "click"},
		{"vbscript href", `<a href="vbscript:msgbox(1)">click</a>`, "vbscript", "click"},
		{"css expression", `<div style="width: expression(alert(1))">box</div>`, "expression", "box"},
		{"event handler", `<p onclick="steal()">text</p>`, "steal", "text"},
		{"style block", `<style>body{background:url(x)}</style><p>text</p>`, "background", "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := p.Sanitize(tt.input, "custom")
			assert.NotContains(t, strings.ToLower(out), tt.reject)
			assert.Contains(t, out, tt.keep)
		})
	}
}

func TestSanitize_KeepsMailFormatting(t *testing.T) {
	p := New()

	out := p.Sanitize(`<table border="0" cellpadding="4"><tr><td style="color: red">Cell</td></tr></table><a href="https://example.com">site</a>`, "gmail")

	assert.Contains(t, out, "<table")
	assert.Contains(t, out, "color: red")
	assert.Contains(t, out, `rel="nofollow`)
	assert.Contains(t, out, "Cell")
}

func TestSanitize_EncodingNormalization(t *testing.T) {
	p := New()

	latin1 := []byte("caf\xe9")
	assert.Contains(t, p.SanitizeBytes(latin1, "ISO-8859-1", "gmail"), "café")

	meta := []byte(`<html><head><meta charset="windows-1252"></head><body>price: 5 ` + "\x80" + `</body></html>`)
	assert.Contains(t, p.SanitizeBytes(meta, "", "gmail"), "price: 5 €")

	undeclared := []byte("na\xefve")
	assert.Contains(t, p.SanitizeBytes(undeclared, "", "gmail"), "naïve")

	withControls := "Hel\x00lo\x07\tthere"
	out := p.Sanitize(withControls, "gmail")
	assert.Contains(t, out, "Hello\tthere")
}

func TestSanitize_EmptyInput(t *testing.T) {
	assert.Equal(t, "", New().Sanitize("", "gmail"))
}

func TestSanitize_FallsBackToPlaintextOnStageFailure(t *testing.T) {
	p := New()
	p.clean = func(string, bool) string { panic("policy exploded") }

	var out string
	assert.NotPanics(t, func() {
		out = p.Sanitize(`<b>Hello</b> <script>evil()</script>& <i>bye`, "gmail")
	})

	assert.NotContains(t, out, "<")
	assert.NotContains(t, out, "evil")
	assert.Contains(t, out, "Hello")
	assert.Contains(t, out, "&amp;")
}

func TestWithTrustedSources(t *testing.T) {
	p := New(WithTrustedSources(" Fastmail "))

	assert.True(t, p.IsTrusted("fastmail"))
	assert.False(t, p.IsTrusted("gmail"))
}

func TestPlaintext(t *testing.T) {
	assert.Equal(t, "a &lt;b&gt; c", Plaintext(`<p>a &lt;b&gt; c</p>`))
	assert.Equal(t, "x", Plaintext(`<style>p{}</style>x`))
}
