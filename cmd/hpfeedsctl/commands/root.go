// Package commands implements the hpfeedsctl CLI: user administration
// for the broker's SQLite store plus publish/subscribe client commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the top-level cobra command for hpfeedsctl.
var rootCmd = &cobra.Command{
	Use:   "hpfeedsctl",
	Short: "CLI for the gohpfeeds broker",
	Long: "hpfeedsctl manages the broker's SQLite user store and provides " +
		"simple publish/subscribe client commands for testing feeds.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(permCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(subscribeCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
