package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/localwiki/internal/corpus"
	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
	"github.com/Aman-CERP/localwiki/internal/integration"
)

type articlesOptions struct {
	category string
	format   string
}

func newArticlesCmd() *cobra.Command {
	var opts articlesOptions

	cmd := &cobra.Command{
		Use:   "articles [id]",
		Short: "Show a stored article or list articles by category",
		Long: `With an ID argument, print that article. With --category, list the
stored articles in that category.

Examples:
  localwiki articles 42
  localwiki articles --category programming
  localwiki articles 42 --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runArticles(id, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.category, "category", "c", "", "List articles in this category")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	return cmd
}

func runArticles(id string, opts articlesOptions) error {
	if id == "" && opts.category == "" {
		return apperrors.New(apperrors.ErrCodeInvalidQuery,
			"pass an article ID or --category", nil)
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

	if id != "" {
		a, err := m.Article(id)
		if err != nil {
			return err
		}
		if a == nil {
			return apperrors.New(apperrors.ErrCodeInvalidQuery,
				fmt.Sprintf("no article with ID %s", id), nil)
		}
		return printArticles(opts.format, []corpus.Article{*a}, true)
	}

	articles, err := m.ArticlesByCategory(opts.category)
	if err != nil {
		return err
	}
	return printArticles(opts.format, articles, false)
}

func printArticles(format string, articles []corpus.Article, full bool) error {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(articles)
	}
	if len(articles) == 0 {
		fmt.Println("No articles.")
		return nil
	}
	for _, a := range articles {
		if full {
			fmt.Printf("%s (%s)\n\n%s\n", a.Title, a.Category, a.Content)
			continue
		}
		line := a.Summary
		if line == "" {
			line = a.Title
		}
		fmt.Printf("%-6s %-24s %s\n", a.ID, a.Title, line)
	}
	return nil
}
