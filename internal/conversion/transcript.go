package conversion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/inercia/cowork/internal/protocol"
)

// Transcript is a session rendered for export.
type Transcript struct {
	ID       string
	Title    string
	Cwd      string
	Status   string
	Messages []protocol.Message
}

type entry struct {
	Role string
	Kind string
	HTML template.HTML
}

var pageTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{if .Title}}{{.Title}}{{else}}{{.ID}}{{end}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 52rem; margin: 2rem auto; padding: 0 1rem; }
.meta { color: #666; font-size: .9rem; }
.entry { border-left: 3px solid #ddd; margin: 1.5rem 0; padding-left: 1rem; }
.entry.user_prompt { border-color: #4a90d9; }
.entry.assistant { border-color: #5cb85c; }
.entry.user { border-color: #aaa; }
.role { font-weight: 600; font-size: .8rem; text-transform: uppercase; color: #555; }
pre { overflow-x: auto; padding: .5rem; }
</style>
</head>
<body>
<h1>{{if .Title}}{{.Title}}{{else}}Untitled session{{end}}</h1>
<p class="meta">Session {{.ID}}{{if .Status}} · {{.Status}}{{end}}{{if .Cwd}} · {{.Cwd}}{{end}}</p>
{{range .Entries}}<div class="entry {{.Kind}}">
<div class="role">{{.Role}}</div>
{{.HTML}}
</div>
{{end}}<script type="module">
import mermaid from "https://cdn.jsdelivr.net/npm/mermaid@11/dist/mermaid.esm.min.mjs";
mermaid.initialize({ startOnLoad: true });
</script>
</body>
</html>
`))

// RenderTranscript writes t as a standalone HTML page. Stream events and
// messages without visible content are skipped.
func (c *Converter) RenderTranscript(w io.Writer, t Transcript) error {
	data := struct {
		Transcript
		Entries []entry
	}{Transcript: t}

	for _, m := range t.Messages {
		md := MessageMarkdown(m)
		if strings.TrimSpace(md) == "" {
			continue
		}
		data.Entries = append(data.Entries, entry{
			Role: roleLabel(m),
			Kind: m.Type,
			HTML: template.HTML(c.ConvertToSafeHTML(md)),
		})
	}
	return pageTemplate.Execute(w, data)
}

// Markdown renders t as a markdown document.
func Markdown(t Transcript) string {
	var sb strings.Builder
	title := t.Title
	if title == "" {
		title = "Untitled session"
	}
	fmt.Fprintf(&sb, "# %s\n\n", title)
	for _, m := range t.Messages {
		md := MessageMarkdown(m)
		if strings.TrimSpace(md) == "" {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", roleLabel(m), md)
	}
	return sb.String()
}

// MessageMarkdown renders one message's content as markdown.
func MessageMarkdown(m protocol.Message) string {
	if m.IsStreamEvent() {
		return ""
	}
	var parts []string
	for _, b := range m.Content {
		switch b.Kind {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "thinking":
			if b.Text != "" {
				parts = append(parts, quote(b.Text))
			}
		case "tool_use":
			parts = append(parts, fmt.Sprintf("**Tool:** `%s`\n\n%s", b.Name, fence("json", toolInput(b.Payload))))
		case "tool_result":
			if out := toolResult(b.Payload); out != "" {
				parts = append(parts, fence("", out))
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func roleLabel(m protocol.Message) string {
	switch m.Type {
	case protocol.MessageTypeUserPrompt:
		return "You"
	case protocol.MessageTypeAssistant:
		return "Assistant"
	case protocol.MessageTypeUser:
		return "Tool output"
	case protocol.MessageTypeResult:
		return "Result"
	case protocol.MessageTypeSystem:
		return "System"
	default:
		return m.Type
	}
}

func quote(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

// fence wraps s in a code fence longer than any backtick run inside it.
func fence(lang, s string) string {
	ticks := "```"
	for strings.Contains(s, ticks) {
		ticks += "`"
	}
	return ticks + lang + "\n" + strings.TrimRight(s, "\n") + "\n" + ticks
}

func toolInput(payload json.RawMessage) string {
	var block struct {
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(payload, &block); err != nil || len(block.Input) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, block.Input, "", "  "); err != nil {
		return string(block.Input)
	}
	return buf.String()
}

// toolResult extracts the text of a tool_result block, whose content is
// either a string or a list of text blocks.
func toolResult(payload json.RawMessage) string {
	var block struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(payload, &block); err != nil || len(block.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(block.Content, &s); err == nil {
		return s
	}
	var blocks []protocol.ContentBlock
	if err := json.Unmarshal(block.Content, &blocks); err != nil {
		return ""
	}
	var texts []string
	for _, b := range blocks {
		if b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}
