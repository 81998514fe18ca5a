package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/reeflective/readline"

	"github.com/inercia/cowork/internal/dispatch"
	"github.com/inercia/cowork/internal/permission"
	"github.com/inercia/cowork/internal/store"
)

var (
	errNoPermission  = errors.New("no pending permission request")
	errNotAQuestion  = errors.New("the pending request is not a question; use /allow or /deny")
	errIsAQuestion   = errors.New("the pending request is a question; use /answer, /other, /submit or /cancel")
	errAmbiguousID   = errors.New("session id prefix is ambiguous")
	errUnknownPrefix = errors.New("no session matches")
)

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []struct {
	name        string
	description string
}{
	{"/sessions", "List sessions"},
	{"/switch", "Switch to a session: /switch <id>"},
	{"/new", "Start a new session with the next prompt"},
	{"/stop", "Stop the active session"},
	{"/delete", "Delete a session: /delete [id]"},
	{"/allow", "Allow the pending permission request"},
	{"/deny", "Deny the pending permission request"},
	{"/answer", "Answer a question: /answer <n> <option>"},
	{"/other", "Free-text answer: /other <n> <text>"},
	{"/submit", "Submit the answers"},
	{"/cancel", "Cancel the question"},
	{"/cwd", "Show or set the working directory for new sessions"},
	{"/tools", "Show or set the tool allowlist for new sessions"},
	{"/dismiss", "Dismiss the current error"},
	{"/help", "Show available commands"},
	{"/quit", "Exit the client"},
	{"/exit", "Exit the client (alias)"},
}

// handleLine processes one input line. It reports whether the client
// should exit.
func (ch *chat) handleLine(ctx context.Context, line string) (quit bool) {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		ch.report(ch.sendPrompt(ctx, line))
		return false
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch strings.ToLower(name) {
	case "quit", "exit", "q":
		return true
	case "help", "h", "?":
		ch.printHelp()
	case "sessions", "ls":
		err = printSessions(ch.out, ch.engine.Store().Snapshot())
	case "switch":
		err = ch.withDispatcher(ctx, func(d *dispatch.Dispatcher, snap *store.Snapshot) error {
			id, err := resolveSession(snap, rest)
			if err != nil {
				return err
			}
			return d.Select(ctx, id)
		})
	case "new":
		err = ch.withDispatcher(ctx, func(d *dispatch.Dispatcher, _ *store.Snapshot) error {
			d.NewSession()
			return nil
		})
	case "stop":
		err = ch.withDispatcher(ctx, func(d *dispatch.Dispatcher, _ *store.Snapshot) error {
			return d.Stop(ctx)
		})
	case "delete", "rm":
		err = ch.withDispatcher(ctx, func(d *dispatch.Dispatcher, snap *store.Snapshot) error {
			id := ""
			if rest != "" {
				var err error
				if id, err = resolveSession(snap, rest); err != nil {
					return err
				}
			}
			return d.Delete(ctx, id)
		})
	case "allow":
		err = ch.respond(ctx, func(dec *permission.Decision) (permission.Result, bool, error) {
			if dec.IsQuestion() {
				return permission.Result{}, false, errIsAQuestion
			}
			return permission.AllowGeneric(dec.Request()), true, nil
		})
	case "deny":
		err = ch.respond(ctx, func(dec *permission.Decision) (permission.Result, bool, error) {
			if dec.IsQuestion() {
				return dec.Cancel(), true, nil
			}
			return permission.DenyGeneric(dec.Request()), true, nil
		})
	case "answer":
		err = ch.respond(ctx, func(dec *permission.Decision) (permission.Result, bool, error) {
			q, label, err := questionArg(dec, rest)
			if err != nil {
				return permission.Result{}, false, err
			}
			result, resolved, err := dec.Select(q, label)
			if err == nil && !resolved {
				ch.out.Printf("   %d: %s\n", q+1, strings.Join(dec.Selected(q), ", "))
			}
			return result, resolved, err
		})
	case "other":
		err = ch.respond(ctx, func(dec *permission.Decision) (permission.Result, bool, error) {
			q, text, err := questionArg(dec, rest)
			if err != nil {
				return permission.Result{}, false, err
			}
			return permission.Result{}, false, dec.SetOther(q, text)
		})
	case "submit":
		err = ch.respond(ctx, func(dec *permission.Decision) (permission.Result, bool, error) {
			if !dec.IsQuestion() {
				return permission.Result{}, false, errNotAQuestion
			}
			result, err := dec.Submit()
			return result, err == nil, err
		})
	case "cancel":
		err = ch.respond(ctx, func(dec *permission.Decision) (permission.Result, bool, error) {
			if !dec.IsQuestion() {
				return permission.DenyGeneric(dec.Request()), true, nil
			}
			return dec.Cancel(), true, nil
		})
	case "cwd":
		err = ch.withDispatcher(ctx, func(_ *dispatch.Dispatcher, snap *store.Snapshot) error {
			if rest == "" {
				ch.out.Printf("%s\n", orDash(snap.Cwd))
				return nil
			}
			dir, err := initialCwd(expandHome(rest), "")
			if err != nil {
				return err
			}
			ch.engine.Store().SetCwd(dir)
			ch.out.Printf("📁 %s\n", dir)
			return nil
		})
	case "tools":
		err = ch.withDispatcher(ctx, func(d *dispatch.Dispatcher, _ *store.Snapshot) error {
			if rest != "" {
				d.SetAllowedTools(rest)
			}
			ch.out.Printf("🔧 %s\n", d.AllowedTools())
			return nil
		})
	case "dismiss":
		err = ch.withDispatcher(ctx, func(d *dispatch.Dispatcher, _ *store.Snapshot) error {
			d.DismissError()
			return nil
		})
	default:
		ch.out.Printf("❓ Unknown command: /%s (use /help for available commands)\n", name)
	}
	ch.report(err)
	return false
}

// sendPrompt sends a prompt: it starts a session from the start entry
// point when that is open, and otherwise sends or continues as usual.
func (ch *chat) sendPrompt(ctx context.Context, text string) error {
	return ch.withDispatcher(ctx, func(d *dispatch.Dispatcher, snap *store.Snapshot) error {
		ch.engine.Store().SetPrompt(text)
		if snap.ShowStartModal {
			return d.StartFromModal(ctx)
		}
		return d.Send(ctx)
	})
}

// displayedError marks an error whose message the store already carries as
// a new global error, so render has printed it.
type displayedError struct{ error }

func (e *displayedError) Unwrap() error { return e.error }

// withDispatcher runs fn on the engine loop.
func (ch *chat) withDispatcher(ctx context.Context, fn func(*dispatch.Dispatcher, *store.Snapshot) error) error {
	return ch.engine.Call(ctx, func() error {
		st := ch.engine.Store()
		before := st.Snapshot().GlobalError
		err := fn(ch.engine.Dispatcher(), st.Snapshot())
		if err != nil {
			if after := st.Snapshot().GlobalError; after != "" && after != before {
				return &displayedError{err}
			}
		}
		return err
	})
}

// respond applies fn to the decision for the active session's head request
// and sends the result once fn reports it ready.
func (ch *chat) respond(ctx context.Context, fn func(*permission.Decision) (permission.Result, bool, error)) error {
	return ch.withDispatcher(ctx, func(d *dispatch.Dispatcher, snap *store.Snapshot) error {
		sess, ok := snap.Active()
		if !ok {
			return dispatch.ErrNoActiveSession
		}
		head, ok := sess.PendingPermission()
		if !ok {
			return errNoPermission
		}
		dec := ch.decisionFor(sess.ID, head)
		result, ready, err := fn(dec)
		if err != nil || !ready {
			return err
		}
		return d.RespondPermission(ctx, sess.ID, head.ToolUseID, result)
	})
}

// report prints an error unless render already showed it.
func (ch *chat) report(err error) {
	if err == nil {
		return
	}
	var shown *displayedError
	switch {
	case errors.As(err, &shown):
	case errors.Is(err, dispatch.ErrStartPending):
		ch.out.Printf("⏳ A session is starting, please wait.\n")
	default:
		ch.out.Printf("❌ %v\n", err)
	}
}

// questionArg parses "<n> <text>" with a 1-based question number. With a
// single question the number may be omitted.
func questionArg(dec *permission.Decision, arg string) (int, string, error) {
	if !dec.IsQuestion() {
		return 0, "", errNotAQuestion
	}
	first, rest, _ := strings.Cut(arg, " ")
	if n, err := strconv.Atoi(first); err == nil {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return 0, "", fmt.Errorf("missing answer for question %d", n)
		}
		return n - 1, rest, nil
	}
	if len(dec.Questions()) == 1 && arg != "" {
		return 0, arg, nil
	}
	return 0, "", errors.New("usage: <question number> <answer>")
}

// resolveSession matches an id or a unique id prefix.
func resolveSession(snap *store.Snapshot, arg string) (string, error) {
	if arg == "" {
		return "", errors.New("missing session id")
	}
	if _, ok := snap.Session(arg); ok {
		return arg, nil
	}
	var match string
	for id := range snap.Sessions {
		if strings.HasPrefix(id, arg) {
			if match != "" {
				return "", fmt.Errorf("%w: %s", errAmbiguousID, arg)
			}
			match = id
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", errUnknownPrefix, arg)
	}
	return match, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

func (ch *chat) printHelp() {
	ch.out.Printf("\nAvailable commands:\n")
	for _, c := range slashCommands {
		ch.out.Printf("  %-10s %s\n", c.name, c.description)
	}
	ch.out.Printf(`
Tips:
  - Type a prompt and press Enter to send it to the active session
  - Without an active session the prompt starts a new one
  - Use Ctrl+D to exit
  - Use Tab to autocomplete slash commands
`)
}

// completeInput provides tab completion for slash commands.
func completeInput(line string, cursor int) readline.Completions {
	pairs := matchCommands(line, cursor)
	if len(pairs) == 0 {
		return readline.Completions{}
	}
	return readline.CompleteValuesDescribed(pairs...).Tag("commands")
}

// matchCommands returns name/description pairs of the slash commands
// matching the word before the cursor.
func matchCommands(line string, cursor int) []string {
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]
	if !strings.HasPrefix(text, "/") || strings.Contains(text, " ") {
		return nil
	}

	var pairs []string
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, text) {
			pairs = append(pairs, cmd.name, cmd.description)
		}
	}
	return pairs
}
