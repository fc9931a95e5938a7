package viewer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/config"
	"github.com/gftdcojp/asset-stream-cache/internal/fetch"
	"github.com/gftdcojp/asset-stream-cache/internal/quota"
	"github.com/gftdcojp/asset-stream-cache/internal/source"
	"github.com/gftdcojp/asset-stream-cache/internal/storage"
	"github.com/gftdcojp/asset-stream-cache/internal/tier"
	"github.com/gftdcojp/asset-stream-cache/internal/transition"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"github.com/gftdcojp/asset-stream-cache/pkg/s3util"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Deps carries process-level dependencies for NewFromConfig.
type Deps struct {
	// JS is required when a source has kind nats.
	JS     jetstream.JetStream
	Clock  func() time.Time
	Logger *zap.Logger
}

// NewFromConfig opens the store and builds every component described by cfg.
// A degraded store is logged and tolerated.
func NewFromConfig(ctx context.Context, cfg *config.Config, deps Deps) (*Controller, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	easing, err := transition.ParseEasing(cfg.Transition.Easing)
	if err != nil {
		return nil, fmt.Errorf("transition: %w", err)
	}
	for _, t := range cfg.Tiers {
		if _, err := transition.ParseEasing(t.Easing); err != nil {
			return nil, fmt.Errorf("tier %s: %w", t.Name, err)
		}
	}
	table, err := tier.NewTable(cfg.Tiers)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storage.Options{
		Path:        cfg.Storage.Path,
		NoSync:      cfg.Storage.NoSync,
		OpenTimeout: cfg.Storage.OpenTimeout.Duration(),
		Clock:       clock,
		Logger:      logger.Named("storage"),
	})
	switch {
	case errors.Is(err, storage.ErrStorageDegraded):
		logger.Warn("asset store degraded, cached assets will not survive restart", zap.Error(err))
	case err != nil:
		return nil, fmt.Errorf("opening asset store: %w", err)
	}

	ctrl, err := build(ctx, cfg, deps, store, table, easing, clock, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return ctrl, nil
}

func build(ctx context.Context, cfg *config.Config, deps Deps, store *storage.Engine, table *tier.Table, easing transition.Easing, clock func() time.Time, logger *zap.Logger) (*Controller, error) {
	qm := quota.NewManager(store, map[types.Collection]int64{
		types.CollectionModels:   int64(cfg.Quota.Models),
		types.CollectionTextures: int64(cfg.Quota.Textures),
	}, logger.Named("quota"))

	var (
		chain    []source.Source
		s3Client *s3util.Client
	)
	for _, link := range []struct {
		name string
		cfg  config.SourceConfig
	}{
		{"primary", cfg.Sources.Primary},
		{"secondary", cfg.Sources.Secondary},
	} {
		src, client, err := source.New(ctx, link.name, link.cfg, source.Deps{JS: deps.JS, Logger: logger.Named("source")})
		if err != nil {
			return nil, fmt.Errorf("%s source: %w", link.name, err)
		}
		if src != nil {
			chain = append(chain, src)
		}
		if client != nil && s3Client == nil {
			s3Client = client
		}
	}
	bundle, err := source.NewBundleSource(cfg.Sources.Bundle, logger.Named("source.bundle"))
	if err != nil {
		return nil, err
	}
	chain = append(chain, bundle)

	fetcher, err := fetch.New(fetch.Options{
		Cache:          qm,
		Sources:        chain,
		Backoff:        fetch.BackoffFromConfig(cfg.Fetch),
		AcquireTimeout: cfg.Fetch.AcquireTimeout.Duration(),
		Clock:          clock,
		Logger:         logger.Named("fetch"),
	})
	if err != nil {
		return nil, err
	}

	ctrl, err := New(Options{
		Store:     store,
		Quota:     qm,
		Fetcher:   fetcher,
		Selector:  tier.NewSelector(table, cfg.Selector.ThrottleWindow.Duration(), logger.Named("selector")),
		Scheduler: transition.NewScheduler(table, clock, logger.Named("transition")),
		Assets: lo.Map(cfg.Viewer.Assets, func(a config.AssetConfig, _ int) Asset {
			return Asset{Collection: types.Collection(a.Collection), Key: a.Key}
		}),
		TransitionDuration: cfg.Transition.Duration.Duration(),
		Easing:             easing,
		StepInterval:       cfg.Transition.StepInterval.Duration(),
		Clock:              clock,
		Logger:             logger.Named("viewer"),
	})
	if err != nil {
		fetcher.Close()
		return nil, err
	}
	ctrl.s3 = s3Client

	logger.Info("asset controller ready",
		zap.Strings("sources", lo.Map(chain, func(s source.Source, _ int) string { return s.Name() })),
		zap.Int("scene_assets", len(ctrl.assets)),
		zap.Bool("degraded", store.Degraded()),
	)
	return ctrl, nil
}
