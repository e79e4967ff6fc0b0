package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/localwiki/internal/catalog"
)

func newPackagesCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "packages",
		Short: "List the available knowledge packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPackages(format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}

func runPackages(format string) error {
	cat, err := catalog.LoadEmbedded()
	if err != nil {
		return err
	}

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cat.Packages())
	}

	for _, id := range cat.IDs() {
		pkg, err := cat.Get(id)
		if err != nil {
			return err
		}
		fmt.Printf("%-10s %8s  %s\n", pkg.ID,
			humanize.Bytes(uint64(pkg.TotalSize())), pkg.Description)
		for i := range pkg.Resources {
			r := &pkg.Resources[i]
			optional := ""
			if r.Optional {
				optional = " (optional)"
			}
			fmt.Printf("  - %s [%s, %s]%s\n", r.Name, r.Kind,
				humanize.Bytes(uint64(r.Size)), optional)
		}
	}
	return nil
}
