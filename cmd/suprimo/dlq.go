package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/suprimo/suprimo/pkg/config"
	"github.com/suprimo/suprimo/pkg/docstore"
	"github.com/suprimo/suprimo/pkg/outbox"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry dead-lettered outbox messages",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		messages, err := outbox.New(store).ListDead(context.Background(), limit)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}
		if len(messages) == 0 {
			fmt.Println("Dead letter queue is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tRETRIES\tCREATED\tLAST ERROR")
		for _, m := range messages {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				m.ID, m.Type, m.RetryCount,
				m.CreatedAt.Format(time.RFC3339), m.LastError)
		}
		return w.Flush()
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry MESSAGE_ID",
	Short: "Move a dead-lettered message back to the pending pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := outbox.New(store).RetryDead(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to retry message: %w", err)
		}
		fmt.Printf("Message %s queued for redelivery.\n", args[0])
		return nil
	},
}

func init() {
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)

	dlqCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides configuration)")
	dlqListCmd.Flags().Int("limit", 50, "Maximum number of messages to list")
}

// openStore opens the document store from the shared config/data-dir flags
func openStore(cmd *cobra.Command) (*docstore.BoltStore, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	store, err := docstore.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	return store, nil
}
