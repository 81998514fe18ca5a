package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/inercia/cowork/internal/conversion"
	"github.com/inercia/cowork/internal/permission"
	"github.com/inercia/cowork/internal/protocol"
	"github.com/inercia/cowork/internal/store"
	"github.com/inercia/cowork/internal/stream"
)

// render prints what changed since the previous snapshot. It runs on the
// engine loop.
func (ch *chat) render(snap *store.Snapshot) {
	if snap.Connected != ch.connected {
		ch.connected = snap.Connected
		if snap.Connected {
			ch.out.Printf("✅ Connected\n")
		} else {
			ch.out.Printf("⚠️  Disconnected from the backend\n")
		}
	}

	if snap.ShowStartModal && !ch.startShown {
		ch.out.Printf("✨ New session. Working directory: %s\n   Type the first prompt, or /cwd <dir> to change the directory.\n", orDash(snap.Cwd))
	}
	ch.startShown = snap.ShowStartModal

	sess, ok := snap.Active()
	if snap.ActiveSessionID != ch.activeID {
		ch.activeID = snap.ActiveSessionID
		ch.printed = 0
		ch.hydrated = false
		ch.streamed = ""
		ch.activeStatus = ""
		if ok {
			ch.out.Printf("\n── %s (%s) ──\n", displayTitle(sess), sess.ID)
		}
	}

	if ok {
		ch.renderMessages(sess)
		if status := string(sess.Status); status != ch.activeStatus {
			if ch.activeStatus != "" || sess.IsRunning() {
				ch.out.Printf("• %s\n", status)
			}
			ch.activeStatus = status
		}
		ch.renderPermission(sess)
	}

	if snap.GlobalError != ch.lastError {
		ch.lastError = snap.GlobalError
		if snap.GlobalError != "" {
			ch.out.Printf("❌ %s (/dismiss to clear)\n", snap.GlobalError)
		}
	}
}

func (ch *chat) renderMessages(sess *store.SessionSnapshot) {
	// A history replaces the optimistic messages; print the whole thing.
	if sess.Hydrated && !ch.hydrated {
		ch.hydrated = true
		if ch.printed > 0 {
			ch.out.Printf("── history ──\n")
		}
		ch.printed = 0
	}
	if len(sess.Messages) < ch.printed {
		ch.printed = 0
	}
	for _, m := range sess.Messages[ch.printed:] {
		ch.printMessage(m)
	}
	ch.printed = len(sess.Messages)
}

func (ch *chat) printMessage(m protocol.Message) {
	text := conversion.MessageMarkdown(m)
	if m.Type == protocol.MessageTypeAssistant && ch.streamed != "" {
		// The streamed prefix is already on screen.
		rest, found := strings.CutPrefix(text, ch.streamed)
		ch.streamed = ""
		if found {
			ch.out.Printf("%s\n", rest)
			return
		}
		ch.out.Printf("\n")
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	switch m.Type {
	case protocol.MessageTypeUserPrompt:
		ch.out.Printf("you: %s\n", text)
	case protocol.MessageTypeAssistant:
		ch.out.Printf("agent: %s\n", text)
	case protocol.MessageTypeResult:
		ch.out.Printf("✔ %s\n", text)
	default:
		ch.out.Printf("%s\n", indent(text, "  "))
	}
}

// renderPartial prints streamed text as it grows. It runs on the engine loop.
func (ch *chat) renderPartial(p stream.Partial) {
	if !p.Visible || p.Text == "" {
		return
	}
	rest, found := strings.CutPrefix(p.Text, ch.streamed)
	if !found {
		// A new block started.
		ch.out.Printf("\n")
		rest = p.Text
	}
	if ch.streamed == "" || !found {
		ch.out.Printf("agent: ")
	}
	ch.out.Printf("%s", rest)
	ch.streamed = p.Text
}

func (ch *chat) renderPermission(sess *store.SessionSnapshot) {
	head, ok := sess.PendingPermission()
	if !ok {
		ch.decision = nil
		ch.decisionKey = ""
		return
	}
	if ch.decisionKey == decisionKey(sess.ID, head) {
		return
	}
	dec := ch.decisionFor(sess.ID, head)
	if !dec.IsQuestion() {
		ch.out.Printf("🔐 %s wants to run with:\n%s\n   /allow or /deny\n", head.ToolName, indent(formatInput(head.Input), "   "))
		return
	}

	ch.out.Printf("❓ The agent has a question:\n")
	for i, q := range dec.Questions() {
		header := ""
		if q.Header != "" {
			header = "[" + q.Header + "] "
		}
		kind := ""
		if q.MultiSelect {
			kind = " (several allowed)"
		}
		ch.out.Printf("  %d. %s%s%s\n", i+1, header, q.Question, kind)
		for _, o := range q.Options {
			if o.Description != "" {
				ch.out.Printf("     - %s: %s\n", o.Label, o.Description)
			} else {
				ch.out.Printf("     - %s\n", o.Label)
			}
		}
	}
	ch.out.Printf("   /answer <n> <option>, /other <n> <text>, /submit or /cancel\n")
}

// decisionFor returns the decision for the head request, starting a fresh
// one whenever the head changes.
func (ch *chat) decisionFor(sessionID string, head permission.Request) *permission.Decision {
	key := decisionKey(sessionID, head)
	if ch.decisionKey != key || ch.decision == nil {
		ch.decision = permission.NewDecision(head)
		ch.decisionKey = key
	}
	return ch.decision
}

func decisionKey(sessionID string, r permission.Request) string {
	return sessionID + "/" + r.ToolUseID
}

func formatInput(input map[string]any) string {
	if len(input) == 0 {
		return "{}"
	}
	b, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return fmt.Sprint(input)
	}
	return string(b)
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
