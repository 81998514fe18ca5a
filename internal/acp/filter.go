package acp

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"sync"
)

const (
	filterInitialBuffer = 64 * 1024
	filterMaxLine       = 10 * 1024 * 1024
	filterLogPreview    = 120
)

// LineFilter is an io.Reader that passes through only lines that look like
// JSON-RPC messages. Agents sometimes print banners or ANSI noise on stdout
// before (or after) speaking the protocol; those lines are dropped.
type LineFilter struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	buf     bytes.Buffer
	dropped int
}

// NewLineFilter wraps r. A nil logger drops lines silently.
func NewLineFilter(r io.Reader, logger *slog.Logger) *LineFilter {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, filterInitialBuffer), filterMaxLine)
	return &LineFilter{scanner: scanner, logger: logger}
}

// Dropped returns how many lines were discarded so far.
func (f *LineFilter) Dropped() int { return f.dropped }

// Read implements io.Reader.
func (f *LineFilter) Read(p []byte) (int, error) {
	for f.buf.Len() == 0 {
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		line := bytes.TrimSpace(f.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			f.drop(line)
			continue
		}
		f.buf.Write(line)
		f.buf.WriteByte('\n')
	}
	return f.buf.Read(p)
}

func (f *LineFilter) drop(line []byte) {
	f.dropped++
	if f.logger == nil {
		return
	}
	preview := string(line)
	if len(preview) > filterLogPreview {
		preview = preview[:filterLogPreview] + "..."
	}
	f.logger.Debug("Dropped non-JSON line from agent stdout", "line", preview, "length", len(line))
}

// LogWriter is an io.Writer that logs every complete line at debug level.
// It is used for agent stderr, which must not reach the terminal.
type LogWriter struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

// NewLogWriter returns a LogWriter. A nil logger discards everything.
func NewLogWriter(logger *slog.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

// Write implements io.Writer.
func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := w.buf.Next(i + 1)
		w.log(line)
	}
	if w.buf.Len() > filterMaxLine {
		w.log(w.buf.Next(w.buf.Len()))
	}
	return len(p), nil
}

func (w *LogWriter) log(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || w.logger == nil {
		return
	}
	w.logger.Debug("Agent stderr", "line", string(line))
}
