package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/localwiki/internal/integration"
	"github.com/Aman-CERP/localwiki/internal/storage"
)

func newStatusCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored data and setup state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}

// statusReport is the JSON shape of the status command output.
type statusReport struct {
	State      string           `json:"state"`
	Articles   int              `json:"articles"`
	UsedBytes  int64            `json:"used_bytes"`
	QuotaBytes int64            `json:"quota_bytes"`
	Categories []string `json:"categories,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func runStatus(format string) error {
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

	articles, err := store.Count(storage.CollectionArticles)
	if err != nil {
		return err
	}
	used, err := store.TotalBytes()
	if err != nil {
		return err
	}

	report := statusReport{
		State:      string(m.State()),
		Articles:   articles,
		UsedBytes:  used,
		QuotaBytes: store.QuotaBytes(),
	}
	if cats, catErr := m.Categories(); catErr == nil {
		report.Categories = cats
	}

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("State:    %s\n", report.State)
	fmt.Printf("Articles: %d\n", report.Articles)
	if report.QuotaBytes > 0 {
		fmt.Printf("Storage:  %s / %s\n",
			humanize.Bytes(uint64(report.UsedBytes)),
			humanize.Bytes(uint64(report.QuotaBytes)))
	} else {
		fmt.Printf("Storage:  %s\n", humanize.Bytes(uint64(report.UsedBytes)))
	}

	for _, col := range []string{
		storage.CollectionLibraryFiles,
		storage.CollectionModelFiles,
	} {
		keys, kerr := store.Keys(col)
		if kerr != nil || len(keys) == 0 {
			continue
		}
		sort.Strings(keys)
		fmt.Printf("%s:\n", col)
		for _, k := range keys {
			fmt.Printf("  %s\n", k)
		}
	}
	if len(report.Categories) > 0 {
		fmt.Printf("Categories: %d\n", len(report.Categories))
	}
	return nil
}
