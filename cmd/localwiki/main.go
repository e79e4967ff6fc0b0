// Package main provides the entry point for the localwiki CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/localwiki/cmd/localwiki/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
