// Package config handles configuration loading for cowork.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inercia/cowork/internal/logging"
)

// ConfigFileEnv overrides the configuration file path.
const ConfigFileEnv = "COWORKRC"

// Defaults applied to missing keys.
const (
	DefaultURL          = "ws://127.0.0.1:8080/ws"
	DefaultAllowedTools = "Read,Edit,Bash"
	DefaultSettleDelay  = 500 * time.Millisecond
	DefaultTitleTimeout = 30 * time.Second
	DefaultLogLevel     = "info"
	DefaultLogMaxSizeMB = 10
	DefaultLogBackups   = 3
)

// BackendConfig describes the agent backend connection.
type BackendConfig struct {
	// URL is the websocket endpoint of the backend.
	URL string `yaml:"url"`
	// SendRate limits outbound commands per second. Zero means unlimited.
	SendRate float64 `yaml:"send_rate"`
	// SendBurst is the burst allowed above SendRate.
	SendBurst int `yaml:"send_burst"`
}

// SessionConfig holds defaults for new sessions.
type SessionConfig struct {
	// Cwd is the initial working directory for new sessions.
	Cwd string `yaml:"cwd"`
	// AllowedTools is the comma separated tool allowlist sent on start.
	AllowedTools string `yaml:"allowed_tools"`
	// SettleDelay is how long partial output lingers after a block ends.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// TitleConfig configures session title generation.
type TitleConfig struct {
	// Command starts a local agent in ACP mode used to generate titles.
	// When empty, titles are derived from the prompt text.
	Command string `yaml:"command"`
	// Timeout bounds a title request.
	Timeout time.Duration `yaml:"timeout"`
	// Fallback derives a title from the prompt text when the agent fails.
	Fallback *bool `yaml:"fallback"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level      string   `yaml:"level"`
	File       string   `yaml:"file"`
	FileLevel  string   `yaml:"file_level"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups"`
	Compress   bool     `yaml:"compress"`
	JSON       bool     `yaml:"json"`
	Components []string `yaml:"components"`
}

// Config represents the complete cowork configuration.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	Title   TitleConfig   `yaml:"title"`
	Log     LogConfig     `yaml:"log"`

	// Path is the file the configuration was loaded from, if any.
	Path string `yaml:"-"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// DefaultConfigPath returns the default configuration file path for the
// current platform.
func DefaultConfigPath() string {
	if envPath := os.Getenv(ConfigFileEnv); envPath != "" {
		return envPath
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, _ := os.UserHomeDir()
			configDir = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(configDir, "cowork", "config.yaml")
}

// Load reads the configuration file at path. A missing file is not an
// error when it is the default path; the defaults are returned instead.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse parses YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Backend.URL == "" {
		c.Backend.URL = DefaultURL
	}
	if c.Backend.SendRate > 0 && c.Backend.SendBurst <= 0 {
		c.Backend.SendBurst = 1
	}
	c.Session.AllowedTools = normalizeTools(c.Session.AllowedTools)
	if c.Session.AllowedTools == "" {
		c.Session.AllowedTools = DefaultAllowedTools
	}
	if c.Session.SettleDelay == 0 {
		c.Session.SettleDelay = DefaultSettleDelay
	}
	if c.Title.Timeout == 0 {
		c.Title.Timeout = DefaultTitleTimeout
	}
	if c.Title.Fallback == nil {
		fallback := true
		c.Title.Fallback = &fallback
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = DefaultLogBackups
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	if c.Backend.SendRate < 0 {
		return fmt.Errorf("backend.send_rate must not be negative")
	}
	if c.Session.SettleDelay < 0 {
		return fmt.Errorf("session.settle_delay must not be negative")
	}
	if c.Title.Timeout < 0 {
		return fmt.Errorf("title.timeout must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// TitleFallback reports whether the prompt-derived title is used when the
// title agent fails.
func (c *Config) TitleFallback() bool {
	return c.Title.Fallback == nil || *c.Title.Fallback
}

// Logging converts the log section to a logging.Config.
func (c *Config) Logging() logging.Config {
	lc := logging.Config{
		Level:      c.Log.Level,
		FileLevel:  c.Log.FileLevel,
		JSON:       c.Log.JSON,
		Components: c.Log.Components,
	}
	if c.Log.File != "" {
		lc.FileLog = &logging.FileLogConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			Compress:   c.Log.Compress,
		}
	}
	return lc
}

// normalizeTools trims each tool name and drops empty entries.
func normalizeTools(s string) string {
	var tools []string
	for t := range strings.SplitSeq(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tools = append(tools, t)
		}
	}
	return strings.Join(tools, ",")
}
