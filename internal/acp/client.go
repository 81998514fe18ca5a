package acp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
)

// ErrReadOnly is returned when the agent asks to write a file.
var ErrReadOnly = errors.New("utility agent sessions are read-only")

const stubTerminalID = "cowork-term"

// Collector is an acp.Client that gathers the agent's reply text. It
// approves permission prompts so a utility prompt never blocks, serves
// file reads and refuses writes. Terminal requests are answered with
// inert stubs.
type Collector struct {
	mu    sync.Mutex
	reply strings.Builder
}

var _ acp.Client = (*Collector)(nil)

// Reset discards collected text.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.reply.Reset()
	c.mu.Unlock()
}

// Text returns the collected reply, trimmed.
func (c *Collector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(c.reply.String())
}

// SessionUpdate keeps agent message chunks and ignores everything else.
func (c *Collector) SessionUpdate(ctx context.Context, params acp.SessionNotification) error {
	chunk := params.Update.AgentMessageChunk
	if chunk == nil || chunk.Content.Text == nil {
		return nil
	}
	c.mu.Lock()
	c.reply.WriteString(chunk.Content.Text.Text)
	c.mu.Unlock()
	return nil
}

// RequestPermission picks an allow option when one exists.
func (c *Collector) RequestPermission(ctx context.Context, params acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	return ApproveOption(params.Options), nil
}

// ReadTextFile reads an absolute path, optionally windowed by line and limit.
func (c *Collector) ReadTextFile(ctx context.Context, params acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	content, err := readLines(params.Path, params.Line, params.Limit)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile always fails.
func (c *Collector) WriteTextFile(ctx context.Context, params acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, fmt.Errorf("write %s: %w", params.Path, ErrReadOnly)
}

func (c *Collector) CreateTerminal(ctx context.Context, params acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{TerminalId: stubTerminalID}, nil
}

func (c *Collector) TerminalOutput(ctx context.Context, params acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, nil
}

func (c *Collector) ReleaseTerminal(ctx context.Context, params acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *Collector) WaitForTerminalExit(ctx context.Context, params acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, nil
}

func (c *Collector) KillTerminalCommand(ctx context.Context, params acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

// ApproveOption selects the first allow option, else the first option.
// With no options the request is cancelled.
func ApproveOption(options []acp.PermissionOption) acp.RequestPermissionResponse {
	var chosen *acp.PermissionOption
	for i := range options {
		kind := options[i].Kind
		if kind == acp.PermissionOptionKindAllowOnce || kind == acp.PermissionOptionKindAllowAlways {
			chosen = &options[i]
			break
		}
	}
	if chosen == nil && len(options) > 0 {
		chosen = &options[0]
	}
	if chosen == nil {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: chosen.OptionId},
		},
	}
}

func readLines(path string, line, limit *int) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	content := string(b)
	if line == nil && limit == nil {
		return content, nil
	}

	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = min(*line-1, len(lines))
	}
	end := len(lines)
	if limit != nil && *limit > 0 {
		end = min(start+*limit, end)
	}
	return strings.Join(lines[start:end], "\n"), nil
}
