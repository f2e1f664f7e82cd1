package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/hive-corporation/watchtower-enrich/internal/adapter/handler"
	"github.com/hive-corporation/watchtower-enrich/internal/config"
	"github.com/hive-corporation/watchtower-enrich/internal/core/service"
)

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ingester",
		Short:         "Collect, enrich and score threat indicators",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./config.yaml if present)")

	root.AddCommand(newRunCmd(), newServeCmd(), newQuotaCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a single ingestion batch and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			summary, err := app.pipeline.Run(ctx)
			printJSON(summary)
			if err != nil {
				return err
			}
			if summary.Status == service.RunCancelled {
				return context.Canceled
			}
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion on the configured schedule and expose the ops endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			return serve(ctx, cancel, app)
		},
	}
}

func newQuotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Print the remaining provider budget for the current window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			tracker, closeStore, err := buildTracker(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			printJSON(map[string]any{"providers": tracker.Snapshots()})
			return nil
		},
	}
}

func serve(ctx context.Context, cancel context.CancelFunc, app *application) error {
	cfg, logger := app.cfg, app.logger

	healthServer := handler.NewHealthServer()
	grpcServer := grpc.NewServer()
	healthServer.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.Ops.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Ops.GRPCAddr, err)
	}
	go func() {
		logger.Infow("gRPC health server listening", "addr", cfg.Ops.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Errorw("gRPC server stopped", "error", err)
		}
	}()

	ops := handler.NewOpsHandler(app.store, app.pipeline, app.tracker, cfg.Ops.AuthToken, logger)
	srv := &http.Server{
		Addr:         cfg.Ops.HTTPAddr,
		Handler:      ops.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Infow("Ops API listening", "addr", cfg.Ops.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("Ops API stopped", "error", err)
		}
	}()

	scheduler := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err = scheduler.AddFunc(cfg.Schedule, func() {
		scheduledRun(ctx, app.pipeline, healthServer, logger)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	scheduler.Start()
	logger.Infow("Scheduler started", "schedule", cfg.Schedule)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	// Cancelling stops admission of new indicators; in-flight ones still
	// finish and get persisted before the scheduler returns.
	cancel()
	<-scheduler.Stop().Done()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("Ops API forced to shutdown", "error", err)
	}
	healthServer.Shutdown()
	grpcServer.GracefulStop()

	logger.Info("Stopped gracefully")
	return nil
}

type runner interface {
	Run(ctx context.Context) (service.Summary, error)
}

type runObserver interface {
	ObserveRun(summary service.Summary)
}

// scheduledRun runs one batch and reports it to health. A run rejected
// because another is active did not happen and leaves health untouched.
func scheduledRun(ctx context.Context, r runner, health runObserver, logger *zap.SugaredLogger) {
	summary, err := r.Run(ctx)
	if errors.Is(err, service.ErrRunInProgress) {
		logger.Warnw("Skipping scheduled run", "reason", err)
		return
	}
	health.ObserveRun(summary)
	if err != nil {
		logger.Errorw("Ingestion run failed", "error", err, "status", summary.Status)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
