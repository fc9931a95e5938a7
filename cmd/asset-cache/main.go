package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gftdcojp/asset-stream-cache/internal/config"
	"github.com/gftdcojp/asset-stream-cache/internal/lifecycle"
	"github.com/gftdcojp/asset-stream-cache/internal/metrics"
	"github.com/gftdcojp/asset-stream-cache/internal/serve"
	"github.com/gftdcojp/asset-stream-cache/internal/viewer"
	"github.com/gftdcojp/asset-stream-cache/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("asset-cache %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// NATS is only dialed when a source or the responder needs it.
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if natsutil.Required(cfg) {
		var err error
		nc, js, err = natsutil.ConnectJetStream(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
	}

	ctrl, err := viewer.NewFromConfig(ctx, cfg, viewer.Deps{JS: js, Logger: logger})
	if err != nil {
		return fmt.Errorf("building asset controller: %w", err)
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Error("error closing asset controller", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ctrl.Run(gctx) })

	if interval := cfg.Lifecycle.Interval.Duration(); interval > 0 {
		sweeper := lifecycle.NewManager(ctrl.Quota(), cfg.Lifecycle.MaxAge.Duration(), nil, logger.Named("lifecycle"))
		g.Go(func() error { return sweeper.Run(gctx, interval) })
	}

	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, ctrl, logger.Named("api"))
		})
	}

	if cfg.NATS.Responder.Enabled {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.NATS.Responder, ctrl, logger.Named("nats-responder"))
		})
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(nc, ctrl.Store(), ctrl.S3Client())
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("asset-cache started",
		zap.String("version", version),
		zap.String("storage", cfg.Storage.Path),
		zap.Stringer("models_quota", cfg.Quota.Models),
		zap.Stringer("textures_quota", cfg.Quota.Textures),
		zap.Int("scene_assets", len(cfg.Viewer.Assets)),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down, resolving pending asset requests")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
