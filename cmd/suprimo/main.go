package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/suprimo/suprimo/pkg/log"
	"github.com/suprimo/suprimo/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "suprimo",
	Short: "Suprimo - automated procurement orchestrator",
	Long: `Suprimo watches inventory, raises quotation requests to suppliers,
ingests their replies, and drives each request through a strict
lifecycle to a confirmed order. Multiple instances run safely against
one shared store: locks, idempotency keys, and the transactional
outbox keep quotations and orders free of duplicates.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("json-logs")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
		metrics.SetVersion(Version)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Suprimo version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().Bool("json-logs", true, "Emit JSON logs instead of console output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(reconcileCmd)
}
