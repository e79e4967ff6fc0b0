package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/localwiki/internal/integration"
)

func newClearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all stored resources, articles, and indexes",
		Long: `Delete every downloaded resource, imported article, and search index
from local storage. The next fetch starts from scratch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func runClear(yes bool) error {
	if !yes {
		fmt.Print("Delete all stored data? [y/N] ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Println("Aborted.")
			return nil
		}
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
	if err := m.ClearAll(); err != nil {
		return err
	}
	fmt.Println("All stored data cleared.")
	return nil
}
