package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/cowork/internal/store"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List the backend's sessions",
	Long: `Connect to the backend, print its sessions (most recently updated
first) and exit.`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print sessions as JSON lines")
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), defaultWaitTimeout)
	defer cancel()

	c := newClient(cfg)
	defer c.Close()
	if err := c.start(ctx, ""); err != nil {
		return err
	}

	snap, err := c.waitSnapshot(ctx, func(s *store.Snapshot) bool { return s.Listed })
	if err != nil {
		return fmt.Errorf("waiting for the session list: %w", err)
	}
	if sessionsJSON {
		return printSessionsJSON(cmd.OutOrStdout(), snap)
	}
	return printSessions(cmd.OutOrStdout(), snap)
}

// printSessions writes a table of sessions, marking the active one.
func printSessions(w io.Writer, snap *store.Snapshot) error {
	list := snap.SessionList()
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No sessions.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tSTATUS\tUPDATED\tTITLE")
	for _, s := range list {
		marker := ""
		if s.ID == snap.ActiveSessionID {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", marker, s.ID, s.Status, formatTime(s.UpdatedAt), displayTitle(s))
	}
	return tw.Flush()
}

func printSessionsJSON(w io.Writer, snap *store.Snapshot) error {
	enc := json.NewEncoder(w)
	for _, s := range snap.SessionList() {
		row := map[string]any{
			"id":        s.ID,
			"title":     s.Title,
			"status":    s.Status,
			"cwd":       s.Cwd,
			"createdAt": s.CreatedAt,
			"updatedAt": s.UpdatedAt,
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// formatTime renders a millisecond timestamp. Zero renders as "-".
func formatTime(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

func displayTitle(s *store.SessionSnapshot) string {
	if s.Title != "" {
		return s.Title
	}
	return "(untitled)"
}
