package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
	"github.com/Aman-CERP/localwiki/internal/integration"
	"github.com/Aman-CERP/localwiki/internal/searchidx"
)

type searchOptions struct {
	limit    int
	category string
	format   string
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the stored article corpus",
		Long: `Search the stored articles with ranked full-text search.

Title matches rank above summary matches, which rank above body matches.
Requires a fetched package; run 'localwiki fetch' first.

Examples:
  localwiki search "roman empire"
  localwiki search python --category programming --limit 5
  localwiki search capital --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of results (default from config)")
	cmd.Flags().StringVarP(&opts.category, "category", "c", "", "Filter by article category")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	return cmd
}

func runSearch(query string, opts searchOptions) error {
	if strings.TrimSpace(query) == "" {
		return apperrors.New(apperrors.ErrCodeInvalidQuery, "query must not be empty", nil)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := integration.NewManager(cfg, store, slog.Default(), integration.Options{})
	if err != nil {
		return err
	}
	if err := m.RestoreFromStore(); err != nil {
		return err
	}

	results, err := m.Search(query, searchidx.SearchOptions{
		Limit:    opts.limit,
		Category: opts.category,
	})
	if err != nil {
		return err
	}

	switch opts.format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case "text":
		if len(results) == 0 {
			fmt.Println("No results.")
			return nil
		}
		for i, r := range results {
			fmt.Printf("%d. %s (score %.2f)\n", i+1, r.Title, r.Score)
			if r.Snippet != "" {
				fmt.Printf("   %s\n", r.Snippet)
			}
		}
		return nil
	default:
		return apperrors.New(apperrors.ErrCodeInvalidQuery,
			fmt.Sprintf("unknown output format: %s", opts.format), nil).
			WithSuggestion("use text or json")
	}
}
