// Command ratelimitd runs the rate-limit decision engine, the ruleset
// watcher, and (when --storage=distributed) the replication broker.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/ratelimitd/limitador/internal/config"
	"github.com/ratelimitd/limitador/internal/metrics"
	"github.com/ratelimitd/limitador/internal/ratelimiter"
	"github.com/ratelimitd/limitador/internal/replication"
	"github.com/ratelimitd/limitador/internal/rls"
	"github.com/ratelimitd/limitador/internal/ruleset"
	"github.com/ratelimitd/limitador/internal/storage"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ratelimitd",
		Short: "Distributed rate-limit decision service",
	}
	root.AddCommand(serveCmd(), versionCmd(), validateConfigCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}

func validateConfigCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Parse and validate a ruleset file without starting any servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			limits, err := ruleset.ParseFile(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ruleset valid: %d limit(s)\n", len(limits))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "ruleset", "limits.yaml", "path to the YAML limit ruleset")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "serve",
		Short:              "Run the decision engine, ruleset watcher, and replication broker",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), args, os.Getenv)
		},
	}
}

func runServe(ctx context.Context, args []string, getenv func(string) string) error {
	cfg, err := config.Load(args, getenv)
	if err != nil {
		return fmt.Errorf("ratelimitd: load config: %w", err)
	}

	logger := config.NewLogger(cfg.LogLevel, term.IsTerminal(int(os.Stdout.Fd())))
	logger.Info().Str("replica_id", cfg.ReplicaID).Str("storage", string(cfg.Storage)).Msg("starting ratelimitd")

	backend, broker, err := buildStorage(cfg, logger)
	if err != nil {
		return err
	}

	engine := ratelimiter.New(backend)
	// The RLS façade has no network transport here: it is built but not
	// served, and cfg.ListenAddr is not bound.
	_ = rls.New(engine, headersPolicy(cfg.Headers))

	g, gctx := errgroup.WithContext(ctx)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	watcher := ruleset.NewWatcher(cfg.RulesetPath, engine, logger)
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("ruleset watcher: %w", err)
		}
		return nil
	})

	if broker != nil {
		g.Go(func() error {
			if err := broker.Start(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("replication broker: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("ratelimitd stopped")
	return nil
}

func buildStorage(cfg config.Config, logger zerolog.Logger) (storage.CounterStorage, *replication.Broker, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return storage.NewMemory(), nil, nil
	case config.StorageSQLite:
		db, err := storage.OpenSQLite(cfg.SQLiteDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return db, nil, nil
	case config.StorageDistributed:
		dist := storage.NewDistributed(cfg.ReplicaID, nil)
		b := replication.New(replication.Config{
			PeerID:     cfg.ReplicaID,
			ListenAddr: cfg.BrokerAddr,
			SeedURLs:   cfg.PeerSeedURLs,
			Source:     dist,
			Applier:    dist,
			Logger:     logger,
		})
		dist.SetPublisher(b)
		return dist, b, nil
	default:
		return nil, nil, fmt.Errorf("ratelimitd: unknown storage backend %q", cfg.Storage)
	}
}

func headersPolicy(p config.HeadersPolicy) ratelimiter.HeadersPolicy {
	if p == config.HeadersDraft03 {
		return ratelimiter.HeadersDraft03
	}
	return ratelimiter.HeadersNone
}
