package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perf-analytics/internal/analytics"
	"perf-analytics/internal/api"
	"perf-analytics/internal/cache"
	"perf-analytics/internal/config"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analytics engine behind the HTTP API",
		Long: `Start the tick loop and serve the HTTP API. Samples are posted to /samples,
snapshots are queried under /analytics and engine events stream over the
/events websocket. The configuration file, when given, is watched and
reloaded on change.`,
		RunE: runServe,
	}

	cmd.Flags().String("addr", "", "listen address, overrides the configuration")
	cmd.Flags().String("import", "", "restore history from an export file before starting")
	cmd.Flags().Bool("no-watch", false, "do not reload the configuration file on change")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []analytics.Option{analytics.WithLogger(logger)}
	if cfg.Redis.Addr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient, err := cache.NewRedisClient(pingCtx, cfg.Redis, logger)
		cancel()
		if err != nil {
			logger.Warn("snapshot sink disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			opts = append(opts, analytics.WithSink(redisClient))
		}
	}

	engine := analytics.New(cfg.Analytics, opts...)
	if importPath, _ := cmd.Flags().GetString("import"); importPath != "" {
		if err := engine.Import(importPath); err != nil {
			return fmt.Errorf("failed to restore history: %w", err)
		}
	}

	server := api.NewServer(engine, logger)

	g, gctx := errgroup.WithContext(ctx)

	if noWatch, _ := cmd.Flags().GetBool("no-watch"); path != "" && !noWatch {
		watcher, err := config.NewWatcher(path, func(next config.Config) {
			engine.SetConfig(next.Analytics)
		}, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}

	engine.Start(gctx)
	defer engine.Stop()

	g.Go(func() error { return server.Run(gctx, cfg.Server) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete", zap.Any("stats", engine.Stats()))
	return nil
}
