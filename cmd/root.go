package cmd

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kade-ridge/three/internal/logging"
)

var log = logging.Default("three")

var rootCmd = &cobra.Command{
	Use:   "three",
	Short: "Multi-backend agent router",
	Long: "three mediates between a host tool-calling protocol and a fleet of " +
		"locally installed coding-agent command-line programs, resolving roles " +
		"to backend+model+capability triples, managing per-session resume state, " +
		"and fanning out roundtable/batch operations with bounded concurrency.",
}

// Execute runs the root command, printing and exiting non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(historyCmd)
}

// isInteractive reports whether stderr is a terminal, deciding whether
// CLI summaries should assume a human is reading them rather than an
// MCP host.
func isInteractive() bool {
	return isatty.IsTerminal(os.Stderr.Fd())
}
