package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/suprimo/suprimo/pkg/config"
	"github.com/suprimo/suprimo/pkg/reconciler"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one offline hygiene cycle",
	Long: `Run a single hygiene cycle against the store: cancel duplicate
orders, release abandoned outbox leases, and sweep expired locks. The
cycle is safe to run while orchestrator instances are serving.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		report, err := reconciler.NewReconciler(store, 0, cfg.Outbox).RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("hygiene cycle failed: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	reconcileCmd.Flags().String("data-dir", "", "Data directory (overrides configuration)")
}
