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
	"golang.org/x/sync/errgroup"

	"github.com/oriys/lanes/internal/allocator"
	"github.com/oriys/lanes/internal/config"
	"github.com/oriys/lanes/internal/introspect"
	"github.com/oriys/lanes/internal/logging"
	"github.com/oriys/lanes/internal/metrics"
	"github.com/oriys/lanes/internal/observability"
	"github.com/oriys/lanes/internal/universe"
)

func daemonCmd() *cobra.Command {
	var (
		introspectAddr string
		logLevel       string
		keeperPoolSize int
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run lanesd as a long-lived daemon",
		Long:  "Builds a universe, serves its metrics and introspection surface over HTTP, and runs until an OS signal triggers an orderly shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("introspect-addr") {
				cfg.Daemon.IntrospectAddr = introspectAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("keeper-pool-size") {
				cfg.Keeper.PoolSize = keeperPoolSize
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			u := universe.New(universe.Config{
				KeeperPoolSize:     cfg.Keeper.PoolSize,
				KeeperMaxItems:     cfg.Keeper.MaxItems,
				Allocator:          allocator.Default(),
				AllocatorProtected: cfg.Universe.AllocatorProtected,
			})

			logging.Op().Info("lanesd started",
				"instance_id", u.InstanceID(),
				"keeper_pool_size", cfg.Keeper.PoolSize,
				"log_level", cfg.Daemon.LogLevel)

			eg, egCtx := errgroup.WithContext(context.Background())
			var httpServer *http.Server
			if cfg.Daemon.IntrospectAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/", introspect.Handler(u))
				mux.Handle("/metrics", metrics.PrometheusHandler())

				httpServer = &http.Server{Addr: cfg.Daemon.IntrospectAddr, Handler: observability.HTTPMiddleware(mux)}
				eg.Go(func() error {
					if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				logging.Op().Info("introspection server started", "addr", cfg.Daemon.IntrospectAddr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-sigCh:
				logging.Op().Info("shutdown signal received")
			case <-egCtx.Done():
				logging.Op().Error("introspection server failed", "error", context.Cause(egCtx))
			}

			if httpServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = httpServer.Shutdown(shutdownCtx)
				cancel()
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Universe.ShutdownTimeout)
			defer cancel()
			if err := u.Shutdown(shutdownCtx, cfg.Universe.ShutdownPollInterval); err != nil {
				logging.Op().Error("universe shutdown did not complete cleanly", "error", err)
			}

			return eg.Wait()
		},
	}

	cmd.Flags().StringVar(&introspectAddr, "introspect-addr", ":9080", "HTTP address for /healthz, /stats and /metrics")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().IntVar(&keeperPoolSize, "keeper-pool-size", 1, "Number of dedicated keeper VMs")

	return cmd
}
