// Package conversion renders session transcripts from markdown to HTML.
package conversion

import (
	"bytes"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"go.abhg.dev/goldmark/mermaid"
)

// DefaultStyle is the chroma style used for code blocks.
const DefaultStyle = "monokai"

// Converter turns markdown into HTML.
type Converter struct {
	md        goldmark.Markdown
	sanitizer *bluemonday.Policy
}

type options struct {
	style     string
	mermaid   bool
	sanitizer *bluemonday.Policy
}

// Option configures the Converter.
type Option func(*options)

// WithHighlighting enables syntax highlighting with the given chroma style.
func WithHighlighting(style string) Option {
	return func(o *options) { o.style = style }
}

// WithMermaid renders ```mermaid fences as diagram containers.
func WithMermaid() Option {
	return func(o *options) { o.mermaid = true }
}

// WithSanitization filters the rendered HTML through policy.
func WithSanitization(policy *bluemonday.Policy) Option {
	return func(o *options) { o.sanitizer = policy }
}

// NewConverter creates a GFM converter with the given options.
func NewConverter(opts ...Option) *Converter {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	extensions := []goldmark.Extender{extension.GFM}
	if o.mermaid {
		extensions = append(extensions, &mermaid.Extender{RenderMode: mermaid.RenderModeClient})
	}
	if o.style != "" {
		extensions = append(extensions, highlighting.NewHighlighting(highlighting.WithStyle(o.style)))
	}

	return &Converter{
		md: goldmark.New(
			goldmark.WithExtensions(extensions...),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
			goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
		),
		sanitizer: o.sanitizer,
	}
}

// DefaultConverter returns the converter used for exports: highlighting,
// mermaid diagrams and sanitization.
func DefaultConverter() *Converter {
	return NewConverter(
		WithMermaid(),
		WithHighlighting(DefaultStyle),
		WithSanitization(CreateSanitizer()),
	)
}

// CreateSanitizer returns a bluemonday policy for rendered agent output.
// Scripts are always removed; highlighting classes, inline styles and
// heading anchors survive.
func CreateSanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre", "span", "div")
	p.AllowAttrs("style").OnElements("pre", "span")
	p.AllowDataAttributes()
	p.AllowAttrs("id").Matching(bluemonday.Paragraph).OnElements("h1", "h2", "h3", "h4", "h5", "h6")
	return p
}

// Convert renders markdown to HTML.
func (c *Converter) Convert(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := c.md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	out := buf.String()
	if c.sanitizer != nil {
		out = c.sanitizer.Sanitize(out)
	}
	return out, nil
}

// ConvertToSafeHTML renders markdown, falling back to escaped text.
func (c *Converter) ConvertToSafeHTML(markdown string) string {
	out, err := c.Convert(markdown)
	if err != nil {
		return "<pre>" + EscapeHTML(markdown) + "</pre>"
	}
	return out
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// EscapeHTML escapes special HTML characters.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
