package acp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/coder/acp-go-sdk"

	"github.com/inercia/cowork/internal/logging"
)

// AgentConfig describes how to launch an agent.
type AgentConfig struct {
	// Command is the shell-style command line that starts the agent in ACP mode.
	Command string
	// Dir is the session working directory. Defaults to the process cwd.
	Dir string
	// Stderr receives the agent's stderr. Defaults to a LogWriter on Logger.
	Stderr io.Writer
	Logger *slog.Logger
}

// Agent is a running agent process with one open ACP session.
type Agent struct {
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	conn      *acp.ClientSideConnection
	collector *Collector
	sessionID acp.SessionId

	promptMu sync.Mutex
	closed   sync.Once
}

// StartAgent launches the agent, initializes the connection and opens a
// session. ctx bounds the handshake only; the process lives until Close.
func StartAgent(ctx context.Context, cfg AgentConfig) (*Agent, error) {
	args, err := ParseCommand(cfg.Command)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, args[0], args[1:]...)
	cmd.Stderr = cfg.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = NewLogWriter(cfg.Logger)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start agent %q: %w", args[0], err)
	}

	a := &Agent{cmd: cmd, cancel: cancel, collector: &Collector{}}
	a.conn = acp.NewClientSideConnection(a.collector, stdin, NewLineFilter(stdout, cfg.Logger))
	if cfg.Logger != nil {
		a.conn.SetLogger(logging.DowngradeInfoToDebug(cfg.Logger))
	}

	_, err = a.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{ReadTextFile: true},
		},
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	dir := cfg.Dir
	if dir == "" {
		dir, _ = os.Getwd()
	}
	sess, err := a.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        dir,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("new session: %w", err)
	}
	a.sessionID = sess.SessionId
	return a, nil
}

// SessionID returns the ACP session id.
func (a *Agent) SessionID() string { return string(a.sessionID) }

// Prompt sends message and returns the agent's full reply. Concurrent
// prompts are serialized.
func (a *Agent) Prompt(ctx context.Context, message string) (string, error) {
	a.promptMu.Lock()
	defer a.promptMu.Unlock()

	a.collector.Reset()
	_, err := a.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: a.sessionID,
		Prompt:    []acp.ContentBlock{acp.TextBlock(message)},
	})
	if err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}
	return a.collector.Text(), nil
}

// Close kills the agent process.
func (a *Agent) Close() error {
	a.closed.Do(func() {
		a.cancel()
		if a.cmd.Process != nil {
			_ = a.cmd.Process.Kill()
		}
		_ = a.cmd.Wait()
	})
	return nil
}
