package stream

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/inercia/cowork/internal/protocol"
)

// manualTimers records scheduled callbacks so tests can fire them by hand.
type manualTimers struct {
	timers []*manualTimer
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) Timer {
	t := &manualTimer{delay: d, fn: f}
	m.timers = append(m.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// fire runs the callback even if stopped, like a timer whose callback was
// already queued on the loop when Stop was called.
func (t *manualTimer) fire() {
	t.fired = true
	t.fn()
}

func (m *manualTimers) last() *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	return m.timers[len(m.timers)-1]
}

func textDelta(s string) protocol.Delta {
	return protocol.Delta{Type: "text_delta", Text: s}
}

func TestAccumulator_BufferIsConcatenationOfDeltas(t *testing.T) {
	timers := &manualTimers{}
	acc := NewAccumulator(Config{AfterFunc: timers.AfterFunc})

	acc.Start()
	for _, s := range []string{"He", "llo", "", " world"} {
		acc.Delta(textDelta(s))
	}

	p := acc.Partial()
	if p.Text != "Hello world" {
		t.Errorf("expected %q, got %q", "Hello world", p.Text)
	}
	if !p.Visible {
		t.Error("expected partial output to be visible while accumulating")
	}
	if p.State != StateAccumulating {
		t.Errorf("expected accumulating, got %s", p.State)
	}
}

func TestAccumulator_StopHidesAndClearsAfterDelay(t *testing.T) {
	timers := &manualTimers{}
	var changes []Partial
	acc := NewAccumulator(Config{
		AfterFunc: timers.AfterFunc,
		OnChange:  func(p Partial) { changes = append(changes, p) },
	})

	acc.Start()
	acc.Delta(textDelta("done"))
	acc.Stop()

	p := acc.Partial()
	if p.Visible {
		t.Error("expected partial output hidden after stop")
	}
	if p.Text != "done" {
		t.Errorf("expected buffer retained during settle, got %q", p.Text)
	}
	if p.State != StateSettling {
		t.Errorf("expected settling, got %s", p.State)
	}

	timer := timers.last()
	if timer == nil {
		t.Fatal("expected a settle timer")
	}
	if timer.delay < DefaultSettleDelay {
		t.Errorf("expected delay >= %v, got %v", DefaultSettleDelay, timer.delay)
	}

	timer.fire()
	p = acc.Partial()
	if p.Text != "" || p.State != StateIdle {
		t.Errorf("expected idle and empty after settle, got %+v", p)
	}

	// A duplicate firing must not clear (or notify) again.
	n := len(changes)
	timer.fire()
	if len(changes) != n {
		t.Errorf("expected clear exactly once, got %d extra notifications", len(changes)-n)
	}
}

func TestAccumulator_StartPreemptsPendingClear(t *testing.T) {
	timers := &manualTimers{}
	acc := NewAccumulator(Config{AfterFunc: timers.AfterFunc})

	acc.Start()
	acc.Delta(textDelta("first"))
	acc.Stop()
	stale := timers.last()

	acc.Start()
	acc.Delta(textDelta("second"))

	if !stale.stopped {
		t.Error("expected new block start to stop the pending clear")
	}

	// The stale clear ran anyway (it was already queued); it must be harmless.
	stale.fire()

	p := acc.Partial()
	if p.Text != "second" {
		t.Errorf("expected stale clear to be a no-op, got %q", p.Text)
	}
	if !p.Visible || p.State != StateAccumulating {
		t.Errorf("expected visible accumulating state, got %+v", p)
	}
}

func TestAccumulator_MalformedDeltaAppendsNothing(t *testing.T) {
	acc := NewAccumulator(Config{AfterFunc: (&manualTimers{}).AfterFunc})

	acc.Start()
	acc.Delta(textDelta("a"))
	acc.Delta(protocol.ParseDelta(json.RawMessage(`{"type":"text_delta"}`)))
	acc.Delta(protocol.ParseDelta(json.RawMessage(`not json`)))
	acc.Delta(textDelta("b"))

	if got := acc.Partial().Text; got != "ab" {
		t.Errorf("expected %q, got %q", "ab", got)
	}
}

func TestAccumulator_HandleStreamEvent(t *testing.T) {
	timers := &manualTimers{}
	acc := NewAccumulator(Config{AfterFunc: timers.AfterFunc})

	events := []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":" there"}}`,
		`{"type":"message_delta"}`,
	}
	for _, raw := range events {
		acc.HandleStreamEvent(protocol.ParseStreamEvent(json.RawMessage(raw)))
	}
	if got := acc.Partial().Text; got != "Hi there" {
		t.Errorf("expected %q, got %q", "Hi there", got)
	}

	acc.HandleStreamEvent(protocol.ParseStreamEvent(json.RawMessage(`{"type":"content_block_stop","index":0}`)))
	if acc.Partial().State != StateSettling {
		t.Errorf("expected settling after stop, got %s", acc.Partial().State)
	}
}

func TestAccumulator_Reset(t *testing.T) {
	timers := &manualTimers{}
	acc := NewAccumulator(Config{AfterFunc: timers.AfterFunc})

	acc.Start()
	acc.Delta(textDelta("x"))
	acc.Stop()
	acc.Reset()

	if !timers.last().stopped {
		t.Error("expected Reset to stop the pending clear")
	}
	if p := acc.Partial(); p.State != StateIdle || p.Text != "" || p.Visible {
		t.Errorf("expected idle after reset, got %+v", p)
	}
}

func TestAccumulator_RealTimer(t *testing.T) {
	var mu sync.Mutex
	var last Partial
	acc := NewAccumulator(Config{
		SettleDelay: 20 * time.Millisecond,
		OnChange: func(p Partial) {
			mu.Lock()
			last = p
			mu.Unlock()
		},
	})
	defer acc.Close()

	acc.Start()
	acc.Delta(textDelta("streamed"))
	acc.Stop()

	time.Sleep(10 * time.Millisecond)
	if got := acc.Partial().Text; got != "streamed" {
		t.Errorf("expected buffer retained before the delay, got %q", got)
	}

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if last.State != StateIdle || last.Text != "" {
		t.Errorf("expected cleared after the delay, got %+v", last)
	}
}
