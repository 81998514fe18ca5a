// Package cmd provides the CLI commands for cowork.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/cowork/internal/appdir"
	"github.com/inercia/cowork/internal/config"
	"github.com/inercia/cowork/internal/logging"
)

var (
	// Global flags
	configPath    string
	backendURL    string
	debug         bool
	logLevel      string
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cowork",
	Short: "cowork - a terminal client for remote coding agent sessions",
	Long: `cowork connects to an agent backend over a websocket and keeps a
local, consistent view of its sessions: their messages, live output and
pending permission requests.

Use "cowork chat" for the interactive client.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if backendURL != "" {
			cfg.Backend.URL = backendURL
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create cowork directory: %w", err)
		}
		return logging.Initialize(loggingConfig(cmd.Name() == "chat"))
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $XDG_CONFIG_HOME/cowork/config.yaml or $COWORKRC)")
	rootCmd.PersistentFlags().StringVar(&backendURL, "url", "", "Backend websocket URL (overrides backend.url)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'store,channel'). Empty means all components.")
}

// loggingConfig merges the log flags over the configuration file.
// Priority: --log-level > --debug > log.level. The interactive client logs
// to a file only, so records do not interleave with the prompt.
func loggingConfig(interactive bool) logging.Config {
	lc := cfg.Logging()
	if logLevel != "" {
		lc.Level = logLevel
	} else if debug {
		lc.Level = "debug"
	}
	if components := splitList(logComponents); len(components) > 0 {
		lc.Components = components
	}
	if logFile != "" {
		if lc.FileLog == nil {
			fl := logging.DefaultFileLogConfig()
			lc.FileLog = &fl
		}
		lc.FileLog.Path = logFile
	}

	if interactive {
		lc.NoConsole = true
		if lc.FileLog == nil {
			if path, err := appdir.LogFilePath(); err == nil {
				fl := logging.DefaultFileLogConfig()
				fl.Path = path
				lc.FileLog = &fl
			}
		}
	}
	return lc
}

// splitList splits a comma separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
