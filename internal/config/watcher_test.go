package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("session:\n  cwd: /a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	initial, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, initial, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.SetDebounceDelay(50 * time.Millisecond)
	w.Start()
	defer w.Close()

	got := make(chan *Config, 4)
	w.Subscribe(func(c *Config) { got <- c })

	// An invalid file is ignored.
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if w.Current().Session.Cwd != "/a" {
		t.Errorf("invalid config must not replace the current one")
	}

	if err := os.WriteFile(path, []byte("session:\n  cwd: /b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Session.Cwd != "/b" {
			t.Errorf("Cwd = %q, want /b", c.Session.Cwd)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if w.Current().Session.Cwd != "/b" {
		t.Errorf("Current() not updated")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path, Default(), nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.SetDebounceDelay(10 * time.Millisecond)
	w.Start()

	called := make(chan struct{}, 1)
	unsubscribe := w.Subscribe(func(*Config) { called <- struct{}{} })
	defer unsubscribe()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-called:
		t.Error("unexpected reload for an unrelated file")
	case <-time.After(150 * time.Millisecond):
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
