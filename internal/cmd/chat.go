package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/inercia/cowork/internal/config"
	"github.com/inercia/cowork/internal/engine"
	"github.com/inercia/cowork/internal/logging"
	"github.com/inercia/cowork/internal/permission"
)

var chatCwd string

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive client for backend sessions",
	Long: `Connect to the backend and work with its sessions interactively.

Plain lines are sent as prompts: they continue the active session, or
start a new one when no session is active. Live agent output is printed
as it streams. Permission requests of the active session are shown one
at a time and answered with /allow, /deny or /answer.

Use /help for the list of commands.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatCwd, "cwd", "", "Working directory for new sessions (default: session.cwd or the current directory)")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	cwd, err := initialCwd(chatCwd, cfg.Session.Cwd)
	if err != nil {
		return err
	}

	c := newClient(cfg)
	defer c.Close()

	out := cmd.OutOrStdout()
	ch := newChat(c.engine, out)
	ch.cfgCwd = cfg.Session.Cwd
	defer ch.close()

	fmt.Fprintf(out, "🔌 Connecting to %s\n", cfg.Backend.URL)
	if err := c.start(ctx, cwd); err != nil {
		return err
	}

	if cfg.Path != "" {
		w, err := config.NewWatcher(cfg.Path, cfg, logging.WithComponent(logging.ComponentConfig))
		if err != nil {
			logging.WithComponent(logging.ComponentCLI).Warn("Config file will not be watched", "path", cfg.Path, "error", err)
		} else {
			w.Subscribe(func(nc *config.Config) {
				_ = c.engine.Do(func() { ch.applyConfig(nc) })
			})
			w.Start()
			defer w.Close()
		}
	}

	return ch.loop(ctx)
}

// initialCwd resolves the working directory for new sessions.
func initialCwd(flagValue, configured string) (string, error) {
	dir := flagValue
	if dir == "" {
		dir = configured
	}
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", nil
		}
		return wd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	return abs, nil
}

// chat is the interactive client. Fields below the mutex are owned by the
// engine loop: they are only touched from store and partial listeners and
// from functions passed to engine.Call.
type chat struct {
	engine *engine.Engine
	out    *printer

	unsubscribe []func()

	// loop state
	activeID     string
	activeStatus string
	printed      int
	hydrated     bool
	streamed     string
	lastError    string
	connected    bool
	startShown   bool
	decision     *permission.Decision
	decisionKey  string
	cfgCwd       string
}

// printer serializes writes from the loop and the input goroutine.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.Write(b)
}

func newChat(e *engine.Engine, w io.Writer) *chat {
	ch := &chat{engine: e, out: &printer{w: w}}
	ch.unsubscribe = append(ch.unsubscribe,
		e.Store().Subscribe(ch.render),
		e.SubscribePartial(ch.renderPartial),
	)
	return ch
}

func (ch *chat) close() {
	for _, u := range ch.unsubscribe {
		u()
	}
}

// promptLabel is shown by readline. It reads the published snapshot, which
// is safe from any goroutine.
func (ch *chat) promptLabel() string {
	snap := ch.engine.Store().Snapshot()
	switch {
	case snap.PendingStart:
		return "cowork (starting…)> "
	case snap.ShowStartModal:
		return "cowork (new)> "
	}
	if sess, ok := snap.Active(); ok {
		title := sess.Title
		if title == "" {
			title = shortID(sess.ID)
		}
		return fmt.Sprintf("cowork [%s]> ", title)
	}
	return "cowork> "
}

func (ch *chat) loop(ctx context.Context) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(ch.promptLabel)

	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	ch.out.Printf("📝 Type a prompt and press Enter. Use /help for commands. Tab completes commands.\n")

	for {
		select {
		case <-ctx.Done():
			ch.out.Printf("\n👋 Goodbye!\n")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				ch.out.Printf("\n👋 Goodbye!\n")
				return nil
			}
			return err
		}

		if quit := ch.handleLine(ctx, strings.TrimSpace(line)); quit {
			ch.out.Printf("👋 Goodbye!\n")
			return nil
		}
	}
}

// applyConfig picks up a reloaded configuration file. The working
// directory follows the file only while the user has not changed it.
func (ch *chat) applyConfig(nc *config.Config) {
	ch.engine.Dispatcher().SetAllowedTools(nc.Session.AllowedTools)
	st := ch.engine.Store()
	if nc.Session.Cwd != "" && nc.Session.Cwd != ch.cfgCwd && st.Snapshot().Cwd == ch.cfgCwd {
		st.SetCwd(nc.Session.Cwd)
	}
	ch.cfgCwd = nc.Session.Cwd
	ch.out.Printf("⚙️  Configuration reloaded\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
