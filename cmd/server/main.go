/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the booking engine: the HTTP server, the
  notification worker and a few operator commands.

COMMANDS:
  serve                     HTTP API + escalation scheduler
  worker                    Consume queued notifications (NOTIFY_DRIVER=asynq)
  escalations [--type T]    Print the current escalation report as JSON
  rules check FILE          Validate a rules document
  rules show [FILE]         Print the effective rules (preset when no FILE)

STARTUP SEQUENCE (serve):
  1. Load config (.env + environment) and build the logger
  2. Load rule tables (RULES_FILE or the built-in preset)
  3. Open the store (sqlite | postgres | memory)
  4. Locks: Redis when REDIS_URL is set, else in-process
  5. Notifier: log or asynq queue
  6. Wire ledger, booking, escalation; start the scheduler
  7. Serve until SIGINT/SIGTERM

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the escalation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close store, Redis and queue connections

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalslot/booking-engine/api"
	"github.com/vitalslot/booking-engine/config"
	"github.com/vitalslot/booking-engine/factory"
	"github.com/vitalslot/booking-engine/notify"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "booking-engine",
		Short:         "Appointment booking and deadline escalation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(escalationsCmd())
	rootCmd.AddCommand(rulesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the escalation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()

	a.scheduler.Start()
	defer a.scheduler.Stop()

	router := api.NewRouter(api.NewHandler(a.apiDeps()), a.routerOptions())
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("env", cfg.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	a.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func workerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued notification events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AsynqRedisAddr == "" {
				return errors.New("ASYNQ_REDIS_ADDR is required for the worker")
			}
			logger := newLogger(cfg).With().Str("component", "notify-worker").Logger()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Delivery (SMS, email, push) belongs to a downstream service;
			// the worker records each event it hands over.
			deliver := notify.HandlerFunc(func(ctx context.Context, e notify.Event) error {
				logger.Info().
					Str("event", string(e.Kind)).
					Str("reservation_id", e.ReservationID).
					Str("entity_id", e.EntityID).
					Msg("notification delivered")
				return nil
			})
			return notify.RunWorker(ctx, notify.WorkerConfig{
				RedisAddr:   cfg.AsynqRedisAddr,
				Concurrency: concurrency,
			}, deliver, logger)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 10, "Number of concurrent deliveries")
	return cmd
}

func escalationsCmd() *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "escalations",
		Short: "Print the current escalation report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// Keep stdout for the report.
			logger := newLogger(cfg).Output(os.Stderr)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.agg.ListEscalations(cmd.Context(), splitTypes(types)...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Partial() {
				return fmt.Errorf("report is partial: %v", report.Errors)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "Entity types to include (repeatable or comma-separated)")
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect deadline and cutoff rules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check FILE",
		Short: "Validate a rules document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := factory.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", args[0])
			for _, t := range rules.Deadlines.EntityTypes() {
				fmt.Fprintf(out, "  %-22s terminal=%v cutoff=%s\n", t, rules.Deadlines.TerminalStatuses(t), rules.Cutoff.MinNotice(t))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [FILE]",
		Short: "Print the effective rules document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			rules, err := factory.LoadOrPreset(path)
			if err != nil {
				return err
			}
			b, err := factory.Marshal(rules)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	})
	return cmd
}
