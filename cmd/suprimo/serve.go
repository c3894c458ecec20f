package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/suprimo/suprimo/pkg/cdc"
	"github.com/suprimo/suprimo/pkg/config"
	"github.com/suprimo/suprimo/pkg/docstore"
	"github.com/suprimo/suprimo/pkg/eventstore"
	"github.com/suprimo/suprimo/pkg/idempotency"
	"github.com/suprimo/suprimo/pkg/lifecycle"
	"github.com/suprimo/suprimo/pkg/lock"
	"github.com/suprimo/suprimo/pkg/log"
	"github.com/suprimo/suprimo/pkg/metrics"
	"github.com/suprimo/suprimo/pkg/order"
	"github.com/suprimo/suprimo/pkg/outbox"
	"github.com/suprimo/suprimo/pkg/reconciler"
	"github.com/suprimo/suprimo/pkg/stockmonitor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the full orchestrator: the outbox dispatcher, the stock
monitor, the hygiene reconciler, the metrics collector, and the
health/metrics HTTP endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		listen, _ := cmd.Flags().GetString("listen")
		hygieneEvery, _ := cmd.Flags().GetDuration("hygiene-interval")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}

		return serve(cfg, listen, hygieneEvery)
	},
}

func init() {
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides configuration)")
	serveCmd.Flags().String("listen", "127.0.0.1:9090", "Address for health and metrics endpoints")
	serveCmd.Flags().Duration("hygiene-interval", time.Minute, "Period between hygiene cycles")
}

func serve(cfg *config.Config, listen string, hygieneEvery time.Duration) error {
	logger := log.WithComponent("serve")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := docstore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("docstore", true, "open")

	events := eventstore.New(store)
	locks := lock.NewManager(store, cfg.Lock)
	ob := outbox.New(store)
	guard := idempotency.NewGuard(store, cfg.Idempotency)
	changes := cdc.NewManager(store, cfg.CDC)

	dispatcher := outbox.NewDispatcher(store, ob, cfg.Outbox)
	registerHandlers(dispatcher)
	dispatcher.Start()
	metrics.RegisterComponent("outbox_dispatcher", true, "running")

	monitor := stockmonitor.NewMonitor(store, events, ob, locks, guard, changes, cfg.StockMonitor)
	if err := monitor.Start(ctx); err != nil {
		dispatcher.Stop()
		changes.Close()
		return fmt.Errorf("failed to start stock monitor: %w", err)
	}
	metrics.RegisterComponent("stock_monitor", true, "running")

	hygiene := reconciler.NewReconciler(store, hygieneEvery, cfg.Outbox)
	hygiene.Start(ctx)
	metrics.RegisterComponent("reconciler", true, "running")

	collector := metrics.NewCollector(store, 15*time.Second)
	collector.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	server := &http.Server{Addr: listen, Handler: mux}

	httpErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()
	logger.Info().Str("listen", listen).Str("data_dir", cfg.DataDir).Msg("orchestrator running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-httpErr:
		logger.Error().Err(err).Msg("http endpoint failed, shutting down")
	}
	cancel()

	monitor.Stop()
	changes.Close()
	hygiene.Stop()
	dispatcher.Stop()
	collector.Stop()

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
	locks.ReleaseAll(releaseCtx)
	releaseCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// registerHandlers wires the message types the core emits. The mail
// transport and the notification sink are external collaborators; until
// one is attached the handlers log the delivery.
func registerHandlers(d *outbox.Dispatcher) {
	logger := log.WithComponent("delivery")

	d.RegisterHandler(lifecycle.MsgEmailSend, func(ctx context.Context, payload map[string]any, h outbox.Headers) error {
		logger.Info().
			Str("message_id", h.MessageID).
			Str("correlation_id", h.CorrelationID).
			Interface("payload", payload).
			Msg("email dispatch requested")
		return nil
	})
	d.RegisterHandler(lifecycle.MsgQuotationNotify, func(ctx context.Context, payload map[string]any, h outbox.Headers) error {
		logger.Info().
			Str("message_id", h.MessageID).
			Str("correlation_id", h.CorrelationID).
			Interface("payload", payload).
			Msg("quotation state change published")
		return nil
	})
	d.RegisterHandler(order.MsgOrderCreated, func(ctx context.Context, payload map[string]any, h outbox.Headers) error {
		logger.Info().
			Str("message_id", h.MessageID).
			Str("correlation_id", h.CorrelationID).
			Interface("payload", payload).
			Msg("order creation published")
		return nil
	})
}
