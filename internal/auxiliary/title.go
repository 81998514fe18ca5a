package auxiliary

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/inercia/cowork/internal/logging"
)

// MaxTitleLength caps generated titles, in runes.
const MaxTitleLength = 50

const heuristicWords = 6

// ErrEmptyTitle is returned when no title could be derived.
var ErrEmptyTitle = errors.New("empty title")

const titlePromptTemplate = `
Consider this initial message in a conversation with an LLM: "%s"

What title would you use for this conversation? Keep it very short, just 2 or 3 words.
Reply with ONLY the title, nothing else.
You MUST not call any tool for this task.
Respond quickly.
`

// CleanTitle reduces an agent reply to a single line title: first
// non-empty line, surrounding quotes removed, capped at MaxTitleLength.
func CleanTitle(reply string) string {
	var line string
	for l := range strings.Lines(reply) {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	line = strings.TrimSpace(trimQuotes(line))
	return truncate(line, MaxTitleLength)
}

func trimQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	first, last := s[0], s[len(s)-1]
	if (first == '"' || first == '\'' || first == '`') && first == last {
		return s[1 : len(s)-1]
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n-3])) + "..."
}

// Heuristic derives a title from the first words of the prompt. It never
// starts a process and fails only for blank prompts.
type Heuristic struct{}

// GenerateTitle implements dispatch.TitleGenerator.
func (Heuristic) GenerateTitle(_ context.Context, prompt string) (string, error) {
	words := strings.Fields(prompt)
	if len(words) == 0 {
		return "", ErrEmptyTitle
	}
	if len(words) > heuristicWords {
		words = words[:heuristicWords]
	}
	return truncate(strings.Join(words, " "), MaxTitleLength), nil
}

// TitleGenerator mirrors dispatch.TitleGenerator so this package does not
// depend on the dispatcher.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, prompt string) (string, error)
}

// Fallback tries Primary and, when it fails for any reason other than the
// caller's context ending, Secondary.
type Fallback struct {
	Primary   TitleGenerator
	Secondary TitleGenerator
}

// GenerateTitle implements dispatch.TitleGenerator.
func (f Fallback) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	title, err := f.Primary.GenerateTitle(ctx, prompt)
	if err == nil {
		return title, nil
	}
	if ctx.Err() != nil || f.Secondary == nil {
		return "", err
	}
	logging.Aux().Debug("Primary title generator failed, using fallback", "error", err)
	return f.Secondary.GenerateTitle(ctx, prompt)
}
