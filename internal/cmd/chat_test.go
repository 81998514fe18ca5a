package cmd

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inercia/cowork/internal/auxiliary"
	"github.com/inercia/cowork/internal/engine"
	"github.com/inercia/cowork/internal/protocol"
	"github.com/inercia/cowork/internal/store"
)

// fakeChannel is an in-memory channel.Channel.
type fakeChannel struct {
	mu       sync.Mutex
	handlers []func(protocol.Event)
	sent     []protocol.Command
}

func (f *fakeChannel) Send(_ context.Context, cmd protocol.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeChannel) OnEvent(h func(protocol.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
	return func() {}
}

func (f *fakeChannel) Connected() bool { return true }

func (f *fakeChannel) emit(t *testing.T, raw string) {
	t.Helper()
	evt, err := protocol.DecodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	f.mu.Lock()
	handlers := append([]func(protocol.Event){}, f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (f *fakeChannel) commands(typ string) []protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Command
	for _, c := range f.sent {
		if c.CommandType() == typ {
			out = append(out, c)
		}
	}
	return out
}

type chatHarness struct {
	t   *testing.T
	ch  *fakeChannel
	e   *engine.Engine
	c   *chat
	buf *bytes.Buffer
}

func newHarness(t *testing.T) *chatHarness {
	t.Helper()
	fc := &fakeChannel{}
	e := engine.New(engine.Config{Channel: fc, Titler: auxiliary.Heuristic{}, SettleDelay: 20 * time.Millisecond})
	buf := &bytes.Buffer{}
	c := newChat(e, buf)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
		c.close()
	})

	h := &chatHarness{t: t, ch: fc, e: e, c: c, buf: buf}
	h.waitFor("engine subscription", func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.handlers) > 0
	})
	h.drain()
	return h
}

func (h *chatHarness) drain() {
	h.t.Helper()
	if err := h.e.Call(context.Background(), func() error { return nil }); err != nil {
		h.t.Fatalf("Call failed: %v", err)
	}
}

func (h *chatHarness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *chatHarness) output() string {
	h.c.out.mu.Lock()
	defer h.c.out.mu.Unlock()
	return h.buf.String()
}

func (h *chatHarness) line(s string) bool {
	h.t.Helper()
	quit := h.c.handleLine(context.Background(), s)
	h.drain()
	return quit
}

// activate lists one idle session and hydrates it.
func (h *chatHarness) activate(id string) {
	h.t.Helper()
	h.ch.emit(h.t, `{"type":"session.list","payload":{"sessions":[{"id":"`+id+`","title":"Work","status":"idle","updatedAt":1}]}}`)
	h.ch.emit(h.t, `{"type":"session.history","payload":{"sessionId":"`+id+`","status":"idle","messages":[]}}`)
	h.drain()
	if got := h.e.Store().Snapshot().ActiveSessionID; got != id {
		h.t.Fatalf("expected %s active, got %q", id, got)
	}
}

func TestChat_PromptStartsSessionAndStreams(t *testing.T) {
	h := newHarness(t)

	h.line("fix the login bug")
	h.waitFor("session.start", func() bool { return len(h.ch.commands(protocol.CmdSessionStart)) == 1 })

	start := h.ch.commands(protocol.CmdSessionStart)[0].(protocol.StartSession)
	if start.Title != "fix the login bug" || start.Prompt != "fix the login bug" {
		t.Errorf("unexpected start command: %+v", start)
	}

	h.ch.emit(t, `{"type":"session.status","payload":{"sessionId":"s1","status":"running","title":"Login bug"}}`)
	for _, ev := range []string{
		`{"type":"content_block_start","index":0}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
	} {
		h.ch.emit(t, `{"type":"stream.message","payload":{"sessionId":"s1","message":{"type":"stream_event","event":`+ev+`}}}`)
	}
	h.ch.emit(t, `{"type":"stream.message","payload":{"sessionId":"s1","message":{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"}]}}}}`)
	h.ch.emit(t, `{"type":"stream.message","payload":{"sessionId":"s1","message":{"type":"stream_event","event":{"type":"content_block_stop","index":0}}}}`)
	h.drain()

	out := h.output()
	for _, want := range []string{"── Login bug (s1) ──", "• running", "agent: Hello\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if n := strings.Count(out, "Hello"); n != 1 {
		t.Errorf("streamed text printed %d times:\n%s", n, out)
	}
}

func TestChat_RunningSessionRefusesPrompt(t *testing.T) {
	h := newHarness(t)
	h.ch.emit(t, `{"type":"session.list","payload":{"sessions":[{"id":"s1","status":"running","updatedAt":1}]}}`)
	h.drain()

	h.line("more work")
	if n := len(h.ch.commands(protocol.CmdSessionContinue)); n != 0 {
		t.Fatalf("expected no continue command, got %d", n)
	}
	out := h.output()
	if !strings.Contains(out, "Session is still running") {
		t.Errorf("expected running refusal, got:\n%s", out)
	}
	if strings.Count(out, "❌") != 1 {
		t.Errorf("expected the error printed once:\n%s", out)
	}

	h.line("/dismiss")
	if h.e.Store().Snapshot().GlobalError != "" {
		t.Error("expected /dismiss to clear the error")
	}
}

func TestChat_GenericPermission(t *testing.T) {
	h := newHarness(t)
	h.activate("s1")

	h.ch.emit(t, `{"type":"permission.request","payload":{"sessionId":"s1","toolUseId":"t1","toolName":"Bash","input":{"command":"ls"}}}`)
	h.drain()
	if out := h.output(); !strings.Contains(out, "Bash wants to run") || !strings.Contains(out, `"command": "ls"`) {
		t.Errorf("expected permission prompt, got:\n%s", out)
	}

	h.line("/submit")
	if len(h.ch.commands(protocol.CmdPermissionResponse)) != 0 {
		t.Fatal("/submit must not answer a generic request")
	}

	h.line("/allow")
	responses := h.ch.commands(protocol.CmdPermissionResponse)
	if len(responses) != 1 {
		t.Fatalf("expected one response, got %d", len(responses))
	}
	resp := responses[0].(protocol.PermissionResponse)
	if resp.ToolUseID != "t1" || resp.Result.Behavior != protocol.BehaviorAllow || resp.Result.UpdatedInput["command"] != "ls" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if sess, _ := h.e.Store().Snapshot().Active(); len(sess.PermissionRequests) != 0 {
		t.Error("expected request removed after answering")
	}

	h.line("/deny")
	if out := h.output(); !strings.Contains(out, "no pending permission request") {
		t.Errorf("expected error without a pending request:\n%s", out)
	}
}

func TestChat_QuestionFlow(t *testing.T) {
	h := newHarness(t)
	h.activate("s1")

	h.ch.emit(t, `{"type":"permission.request","payload":{"sessionId":"s1","toolUseId":"q1","toolName":"AskUserQuestion","input":{"questions":[
		{"question":"Which database?","header":"DB","options":[{"label":"Postgres"},{"label":"SQLite"}]},
		{"question":"Extras?","multiSelect":true,"options":[{"label":"Cache"},{"label":"Metrics"}]}]}}}`)
	h.drain()
	if out := h.output(); !strings.Contains(out, "1. [DB] Which database?") || !strings.Contains(out, "(several allowed)") {
		t.Errorf("expected questions printed, got:\n%s", out)
	}

	h.line("/allow")
	h.line("/answer 1 MySQL")
	h.line("/submit")
	if len(h.ch.commands(protocol.CmdPermissionResponse)) != 0 {
		t.Fatal("nothing should be sent before all questions are answered")
	}

	h.line("/answer 1 SQLite")
	h.line("/answer 2 Cache")
	h.line("/other 2 tracing")
	h.line("/submit")

	responses := h.ch.commands(protocol.CmdPermissionResponse)
	if len(responses) != 1 {
		t.Fatalf("expected one response, got %d", len(responses))
	}
	result := responses[0].(protocol.PermissionResponse).Result
	answers, _ := result.UpdatedInput["answers"].(map[string]string)
	if result.Behavior != protocol.BehaviorAllow || answers["Which database?"] != "SQLite" || answers["Extras?"] != "Cache, tracing" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestChat_CancelQuestion(t *testing.T) {
	h := newHarness(t)
	h.activate("s1")

	h.ch.emit(t, `{"type":"permission.request","payload":{"sessionId":"s1","toolUseId":"q1","toolName":"AskUserQuestion","input":{"questions":[{"question":"Proceed?","options":[{"label":"Yes"},{"label":"No"}]}]}}}`)
	h.drain()
	h.line("/cancel")

	responses := h.ch.commands(protocol.CmdPermissionResponse)
	if len(responses) != 1 {
		t.Fatalf("expected one response, got %d", len(responses))
	}
	result := responses[0].(protocol.PermissionResponse).Result
	if result.Behavior != protocol.BehaviorDeny || result.Message != "User canceled the question" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestChat_SessionCommands(t *testing.T) {
	h := newHarness(t)
	h.ch.emit(t, `{"type":"session.list","payload":{"sessions":[
		{"id":"alpha-1","title":"Alpha","status":"idle","updatedAt":2},
		{"id":"beta-1","title":"Beta","status":"completed","updatedAt":1}]}}`)
	h.drain()

	h.line("/sessions")
	if out := h.output(); !strings.Contains(out, "Alpha") || !strings.Contains(out, "Beta") {
		t.Errorf("expected session table, got:\n%s", out)
	}

	h.line("/switch beta")
	if got := h.e.Store().Snapshot().ActiveSessionID; got != "beta-1" {
		t.Errorf("expected beta-1 active, got %q", got)
	}
	if n := len(h.ch.commands(protocol.CmdSessionHistory)); n != 2 {
		t.Errorf("expected history for both sessions, got %d", n)
	}

	h.line("/stop")
	if cmds := h.ch.commands(protocol.CmdSessionStop); len(cmds) != 1 || cmds[0].(protocol.StopSession).SessionID != "beta-1" {
		t.Errorf("unexpected stop commands: %+v", cmds)
	}

	h.line("/delete alpha")
	if cmds := h.ch.commands(protocol.CmdSessionDelete); len(cmds) != 1 || cmds[0].(protocol.DeleteSession).SessionID != "alpha-1" {
		t.Errorf("unexpected delete commands: %+v", cmds)
	}

	h.line("/new")
	snap := h.e.Store().Snapshot()
	if snap.ActiveSessionID != "" || !snap.ShowStartModal {
		t.Errorf("expected start entry point open, got active %q modal %v", snap.ActiveSessionID, snap.ShowStartModal)
	}

	cwd := t.TempDir()
	h.line("/cwd " + cwd)
	if got := h.e.Store().Snapshot().Cwd; got != cwd {
		t.Errorf("Cwd = %q, want %q", got, cwd)
	}

	h.line("/tools Read, Grep")
	if got := h.e.Dispatcher().AllowedTools(); got != "Read, Grep" {
		t.Errorf("AllowedTools = %q", got)
	}

	h.line("new feature")
	h.waitFor("session.start", func() bool { return len(h.ch.commands(protocol.CmdSessionStart)) == 1 })
	start := h.ch.commands(protocol.CmdSessionStart)[0].(protocol.StartSession)
	if start.Cwd != cwd || start.AllowedTools != "Read, Grep" {
		t.Errorf("unexpected start command: %+v", start)
	}

	if h.line("/bogus") {
		t.Error("unknown commands must not quit")
	}
	if !strings.Contains(h.output(), "Unknown command: /bogus") {
		t.Error("expected unknown command message")
	}
	if !h.line("/quit") {
		t.Error("/quit should quit")
	}
}

func TestResolveSession(t *testing.T) {
	snap := &store.Snapshot{Sessions: map[string]*store.SessionSnapshot{
		"abc-1": {ID: "abc-1"},
		"abc-2": {ID: "abc-2"},
		"xyz":   {ID: "xyz"},
	}}
	tests := []struct {
		arg     string
		want    string
		wantErr bool
	}{
		{arg: "xyz", want: "xyz"},
		{arg: "abc-2", want: "abc-2"},
		{arg: "x", want: "xyz"},
		{arg: "abc", wantErr: true},
		{arg: "nope", wantErr: true},
		{arg: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := resolveSession(snap, tt.arg)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("resolveSession(%q) = %q, %v", tt.arg, got, err)
		}
	}
}

func TestMatchCommands(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		cursor int
		want   []string
	}{
		{name: "empty input", line: "", cursor: 0},
		{name: "plain text", line: "hello", cursor: 5},
		{name: "unknown", line: "/xyz", cursor: 4},
		{name: "argument", line: "/switch ab", cursor: 10},
		{name: "prefix", line: "/se", cursor: 3, want: []string{"/sessions"}},
		{name: "shared prefix", line: "/s", cursor: 2, want: []string{"/sessions", "/switch", "/stop", "/submit"}},
		{name: "cursor beyond line", line: "/he", cursor: 100, want: []string{"/help"}},
		{name: "cursor inside word", line: "/quit", cursor: 2, want: []string{"/quit"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pairs := matchCommands(tt.line, tt.cursor)
			var names []string
			for i := 0; i < len(pairs); i += 2 {
				names = append(names, pairs[i])
				if pairs[i+1] == "" {
					t.Errorf("%s has no description", pairs[i])
				}
			}
			if strings.Join(names, " ") != strings.Join(tt.want, " ") {
				t.Errorf("matchCommands(%q, %d) = %v, want %v", tt.line, tt.cursor, names, tt.want)
			}
		})
	}
}

func TestQuestionArg(t *testing.T) {
	h := newHarness(t)
	h.activate("s1")
	h.ch.emit(t, `{"type":"permission.request","payload":{"sessionId":"s1","toolUseId":"q1","toolName":"AskUserQuestion","input":{"questions":[{"question":"Color?","options":[{"label":"Dark blue"},{"label":"Red"}]}]}}}`)
	h.drain()

	// A single question needs no number, and labels may contain spaces.
	h.line("/answer Dark blue")
	responses := h.ch.commands(protocol.CmdPermissionResponse)
	if len(responses) != 1 {
		t.Fatalf("expected the single-select answer to submit at once, got %d responses", len(responses))
	}
	answers, _ := responses[0].(protocol.PermissionResponse).Result.UpdatedInput["answers"].(map[string]string)
	if answers["Color?"] != "Dark blue" {
		t.Errorf("unexpected answers: %v", answers)
	}
}

func TestChat_HistoryReplacesEarlierMessages(t *testing.T) {
	h := newHarness(t)
	h.ch.emit(t, `{"type":"session.list","payload":{"sessions":[{"id":"s1","title":"Work","status":"idle","updatedAt":1}]}}`)
	h.ch.emit(t, `{"type":"stream.user_prompt","payload":{"sessionId":"s1","prompt":"early one"}}`)
	h.ch.emit(t, `{"type":"stream.message","payload":{"sessionId":"s1","message":{"type":"assistant","message":{"content":"early two"}}}}`)
	h.drain()

	h.ch.emit(t, `{"type":"session.history","payload":{"sessionId":"s1","status":"idle","messages":[
		{"type":"user_prompt","prompt":"first question"},
		{"type":"assistant","message":{"content":[{"type":"text","text":"first answer"}]}},
		{"type":"user_prompt","prompt":"early one"},
		{"type":"assistant","message":{"content":"early two"}}]}}`)
	h.drain()

	out := h.output()
	history := strings.Index(out, "── history ──")
	if history < 0 {
		t.Fatalf("expected a history marker:\n%s", out)
	}
	rest := out[history:]
	for _, want := range []string{"you: first question", "agent: first answer", "you: early one", "agent: early two"} {
		if !strings.Contains(rest, want) {
			t.Errorf("history output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(rest, "first question") > strings.Index(rest, "early one") {
		t.Errorf("history printed out of order:\n%s", out)
	}
}
