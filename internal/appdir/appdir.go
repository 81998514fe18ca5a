// Package appdir locates the cowork data directory, which holds log files
// and exported transcripts.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the data directory.
	DirEnv = "COWORK_DIR"

	// LogsDirName is the logs subdirectory.
	LogsDirName = "logs"
	// ExportsDirName is the exported transcripts subdirectory.
	ExportsDirName = "exports"
	// LogFileName is the default log file inside the logs directory.
	LogFileName = "cowork.log"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the data directory. It is resolved once, in this order:
//  1. COWORK_DIR
//  2. the platform default:
//     - macOS: ~/Library/Application Support/Cowork
//     - Linux: $XDG_DATA_HOME/cowork or ~/.local/share/cowork
//     - Windows: %APPDATA%\Cowork
//
// The directory is not created; use EnsureDir for that.
func Dir() (string, error) {
	mu.RLock()
	dir := cachedDir
	mu.RUnlock()
	if dir != "" {
		return dir, nil
	}

	mu.Lock()
	defer mu.Unlock()
	if cachedDir != "" {
		return cachedDir, nil
	}
	dir, err := resolveDir()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	homeDir, err := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, "Library", "Application Support", "Cowork"), nil

	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Cowork"), nil

	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "cowork"), nil
	}
}

// EnsureDir creates the data directory and its subdirectories.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	for _, d := range []string{dir, filepath.Join(dir, LogsDirName), filepath.Join(dir, ExportsDirName)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}
	return nil
}

// LogFilePath returns the default log file path.
func LogFilePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LogsDirName, LogFileName), nil
}

// ExportPath returns the default path for an exported session transcript.
func ExportPath(sessionID string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ExportsDirName, filepath.Base(sessionID)+".html"), nil
}

// ResetCache clears the cached directory. Tests use it after changing
// the environment.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
