package appdir

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestDir_EnvOverride(t *testing.T) {
	want := filepath.Join(t.TempDir(), "custom")
	t.Setenv(DirEnv, want)
	ResetCache()
	t.Cleanup(ResetCache)

	got, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if got != want {
		t.Errorf("Dir() = %q, want %q", got, want)
	}

	// Cached until reset.
	t.Setenv(DirEnv, "/elsewhere")
	if again, _ := Dir(); again != want {
		t.Errorf("expected cached dir %q, got %q", want, again)
	}
}

func TestDir_XDGDataHome(t *testing.T) {
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		t.Skip("XDG layout only applies to Unix-like systems")
	}
	t.Setenv(DirEnv, "")
	t.Setenv("XDG_DATA_HOME", "/data")
	ResetCache()
	t.Cleanup(ResetCache)

	got, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if got != filepath.Join("/data", "cowork") {
		t.Errorf("Dir() = %q", got)
	}
}

func TestEnsureDirAndPaths(t *testing.T) {
	base := filepath.Join(t.TempDir(), "cowork")
	t.Setenv(DirEnv, base)
	ResetCache()
	t.Cleanup(ResetCache)

	if err := EnsureDir(); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	for _, sub := range []string{LogsDirName, ExportsDirName} {
		if info, err := os.Stat(filepath.Join(base, sub)); err != nil || !info.IsDir() {
			t.Errorf("expected %s directory, err %v", sub, err)
		}
	}

	logPath, err := LogFilePath()
	if err != nil || logPath != filepath.Join(base, LogsDirName, LogFileName) {
		t.Errorf("LogFilePath() = %q, %v", logPath, err)
	}

	exportPath, err := ExportPath("../../etc/s1")
	if err != nil || exportPath != filepath.Join(base, ExportsDirName, "s1.html") {
		t.Errorf("ExportPath() = %q, %v", exportPath, err)
	}
}
