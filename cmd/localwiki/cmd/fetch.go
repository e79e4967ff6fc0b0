package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/localwiki/internal/integration"
	"github.com/Aman-CERP/localwiki/internal/storage"
	"github.com/Aman-CERP/localwiki/internal/ui"
)

type fetchOptions struct {
	plain   bool
	noColor bool
}

func newFetchCmd() *cobra.Command {
	var opts fetchOptions

	cmd := &cobra.Command{
		Use:   "fetch <package>",
		Short: "Download and install a knowledge package",
		Long: `Download every resource in a knowledge package, verify checksums,
import the article corpus, and build the search index.

Interrupted downloads are resumed; already stored resources are skipped,
so re-running fetch after a failure only transfers what is missing.

Examples:
  localwiki fetch minimal
  localwiki fetch standard --plain`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.plain, "plain", false, "Plain text output (no TUI)")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	return cmd
}

func runFetch(ctx context.Context, pkgID string, opts fetchOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	renderer := ui.NewRenderer(ui.Config{
		Output:     os.Stdout,
		ForcePlain: opts.plain,
		NoColor:    opts.noColor || ui.DetectNoColor(),
	})
	if err := renderer.Start(ctx); err != nil {
		return err
	}
	defer renderer.Stop()

	start := time.Now()
	handlers := integration.Handlers{
		OnProgress: func(ev integration.ProgressEvent) {
			stage := ui.StageDownloading
			if ev.State == integration.StateVerifying {
				stage = ui.StageVerifying
			}
			for name, rs := range ev.Resources {
				renderer.UpdateProgress(ui.ProgressEvent{
					Stage:         stage,
					Resource:      name,
					BytesReceived: rs.BytesDownloaded,
					TotalBytes:    rs.TotalBytes,
					Overall:       ev.OverallProgress,
				})
			}
		},
		OnError: func(ev integration.ErrorEvent) {
			renderer.AddError(ui.ErrorEvent{Resource: ev.Resource, Err: ev.Err})
		},
	}

	m, err := integration.NewManager(cfg, store, slog.Default(), integration.Options{Handlers: handlers})
	if err != nil {
		return err
	}

	if err := m.SelectPackage(pkgID); err != nil {
		return err
	}
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	// A large corpus finishes indexing in the background.
	for !m.State().Terminal() {
		st := m.Status()
		renderer.UpdateProgress(ui.ProgressEvent{
			Stage: ui.StageIndexing,
			Message: fmt.Sprintf("indexing articles %d/%d",
				st.IndexBuild.Done, st.IndexBuild.Total),
			Overall: st.OverallProgress,
		})
		select {
		case <-ctx.Done():
			m.Pause()
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	if m.State() != integration.StateReady {
		st := m.Status()
		return fmt.Errorf("setup failed: %s", st.Error)
	}

	articles, _ := store.Count(storage.CollectionArticles)
	bytes, _ := store.TotalBytes()
	st := m.Status()
	renderer.Complete(ui.CompletionStats{
		Package:   pkgID,
		Resources: len(st.Resources),
		Articles:  articles,
		Bytes:     bytes,
		Duration:  time.Since(start),
	})
	return nil
}
