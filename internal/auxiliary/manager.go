// Package auxiliary runs a hidden agent session for utility prompts such as
// generating session titles. The session is never sent to the backend and
// is not shown to the user.
package auxiliary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inercia/cowork/internal/acp"
	"github.com/inercia/cowork/internal/logging"
)

// ErrClosed is returned by Prompt after Close.
var ErrClosed = errors.New("auxiliary session closed")

// Manager owns a lazily started auxiliary agent. It is safe for concurrent use.
type Manager struct {
	command string
	dir     string
	logger  *slog.Logger

	mu     sync.Mutex
	agent  *acp.Agent
	closed bool
}

// NewManager creates a manager for the given agent command. Nothing is
// started until the first prompt.
func NewManager(command, dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Aux()
	}
	return &Manager{command: command, dir: dir, logger: logger}
}

// IsStarted reports whether the agent process is running.
func (m *Manager) IsStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agent != nil
}

func (m *Manager) ensure(ctx context.Context) (*acp.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.agent != nil {
		return m.agent, nil
	}
	agent, err := acp.StartAgent(ctx, acp.AgentConfig{
		Command: m.command,
		Dir:     m.dir,
		Stderr:  acp.NewLogWriter(m.logger),
		Logger:  m.logger,
	})
	if err != nil {
		return nil, err
	}
	m.agent = agent
	m.logger.Info("Auxiliary session started", "session_id", agent.SessionID())
	return agent, nil
}

// Prompt sends message to the auxiliary session and returns the reply.
// A failed prompt discards the agent so the next call starts a fresh one.
func (m *Manager) Prompt(ctx context.Context, message string) (string, error) {
	agent, err := m.ensure(ctx)
	if err != nil {
		return "", fmt.Errorf("start auxiliary session: %w", err)
	}
	reply, err := agent.Prompt(ctx, message)
	if err != nil {
		m.discard(agent)
		return "", err
	}
	return reply, nil
}

func (m *Manager) discard(agent *acp.Agent) {
	m.mu.Lock()
	if m.agent == agent {
		m.agent = nil
	}
	m.mu.Unlock()
	_ = agent.Close()
	m.logger.Debug("Auxiliary session discarded")
}

// GenerateTitle asks the auxiliary agent for a short session title.
func (m *Manager) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	reply, err := m.Prompt(ctx, fmt.Sprintf(titlePromptTemplate, prompt))
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := CleanTitle(reply)
	if title == "" {
		return "", ErrEmptyTitle
	}
	return title, nil
}

// Close stops the agent. Later prompts fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	agent := m.agent
	m.agent = nil
	m.closed = true
	m.mu.Unlock()
	if agent != nil {
		return agent.Close()
	}
	return nil
}
