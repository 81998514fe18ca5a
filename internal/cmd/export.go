package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/cowork/internal/appdir"
	"github.com/inercia/cowork/internal/conversion"
	"github.com/inercia/cowork/internal/dispatch"
	"github.com/inercia/cowork/internal/fileutil"
	"github.com/inercia/cowork/internal/store"
)

var (
	exportOutput   string
	exportMarkdown bool
)

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session transcript as HTML or markdown",
	Long: `Connect to the backend, load the full history of a session and
write it as a standalone HTML page (or markdown with --markdown).

Without -o the file goes to the exports directory of the cowork data
directory. Use "-o -" to write to standard output.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file ('-' for stdout)")
	exportCmd.Flags().BoolVar(&exportMarkdown, "markdown", false, "Write markdown instead of HTML")
}

func runExport(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	ctx, cancel := context.WithTimeout(cmd.Context(), defaultWaitTimeout)
	defer cancel()

	c := newClient(cfg)
	defer c.Close()
	if err := c.start(ctx, ""); err != nil {
		return err
	}

	if _, err := c.waitSnapshot(ctx, func(s *store.Snapshot) bool { return s.Listed }); err != nil {
		return fmt.Errorf("waiting for the session list: %w", err)
	}
	err := c.call(ctx, func(d *dispatch.Dispatcher, _ *store.Store) error {
		return d.Select(ctx, sessionID)
	})
	if err != nil {
		return err
	}

	snap, err := c.waitSnapshot(ctx, func(s *store.Snapshot) bool {
		sess, ok := s.Session(sessionID)
		return ok && sess.Hydrated
	})
	if err != nil {
		return fmt.Errorf("waiting for the history of %s: %w", sessionID, err)
	}
	sess, _ := snap.Session(sessionID)

	t := conversion.Transcript{
		ID:       sess.ID,
		Title:    sess.Title,
		Cwd:      sess.Cwd,
		Status:   string(sess.Status),
		Messages: sess.Messages,
	}
	return writeTranscript(cmd, t)
}

func writeTranscript(cmd *cobra.Command, t conversion.Transcript) error {
	render := func(w io.Writer) error {
		if exportMarkdown {
			_, err := io.WriteString(w, conversion.Markdown(t))
			return err
		}
		return conversion.DefaultConverter().RenderTranscript(w, t)
	}

	path := exportOutput
	if path == "-" {
		return render(cmd.OutOrStdout())
	}
	if path == "" {
		var err error
		if path, err = appdir.ExportPath(t.ID); err != nil {
			return err
		}
		if exportMarkdown {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".md"
		}
	}

	if err := fileutil.WriteAtomic(path, 0644, render); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d messages to %s\n", len(t.Messages), path)
	return nil
}
