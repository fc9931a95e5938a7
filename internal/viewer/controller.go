// Package viewer is the renderer-facing controller. It owns the asset store
// and wires distance reports, tier transitions and asset acquisition
// together.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/fetch"
	"github.com/gftdcojp/asset-stream-cache/internal/quota"
	"github.com/gftdcojp/asset-stream-cache/internal/storage"
	"github.com/gftdcojp/asset-stream-cache/internal/tier"
	"github.com/gftdcojp/asset-stream-cache/internal/transition"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"github.com/gftdcojp/asset-stream-cache/pkg/s3util"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Asset identifies an asset of the scene independent of tier.
type Asset struct {
	Collection types.Collection
	Key        string
}

// Options holds the controller's dependencies.
type Options struct {
	Store     *storage.Engine
	Quota     *quota.Manager
	Fetcher   *fetch.Fetcher
	Selector  *tier.Selector
	Scheduler *transition.Scheduler

	// Assets are requested at the new tier whenever the target tier changes.
	Assets []Asset
	// Transition defaults for tiers that do not override them.
	TransitionDuration time.Duration
	Easing             transition.Easing
	StepInterval       time.Duration

	Clock  func() time.Time
	Logger *zap.Logger
}

// Stats is a snapshot of cache usage.
type Stats struct {
	UsedBytes     int64                      `json:"used_bytes"`
	CapacityBytes int64                      `json:"capacity_bytes"`
	ItemCounts    map[types.Collection]int64 `json:"item_counts"`
	Collections   []types.CollectionQuota    `json:"collections"`
	InFlight      int                        `json:"in_flight"`
	Degraded      bool                       `json:"degraded"`
	Tier          TierState                  `json:"tier"`
}

// TierState describes the displayed and targeted tiers.
type TierState struct {
	Current      string  `json:"current"`
	Target       string  `json:"target"`
	Level        float64 `json:"level"`
	Transitional bool    `json:"transitional"`
}

// Controller orchestrates the cache and the resolution state machine.
type Controller struct {
	store     *storage.Engine
	quota     *quota.Manager
	fetcher   *fetch.Fetcher
	selector  *tier.Selector
	scheduler *transition.Scheduler
	assets    []Asset

	duration     time.Duration
	easing       transition.Easing
	stepInterval time.Duration
	s3           *s3util.Client
	clock        func() time.Time
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a controller from already constructed components.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil || opts.Quota == nil || opts.Fetcher == nil || opts.Selector == nil || opts.Scheduler == nil {
		return nil, errors.New("viewer: store, quota, fetcher, selector and scheduler are required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StepInterval <= 0 {
		opts.StepInterval = 16 * time.Millisecond
	}
	if opts.Easing == "" {
		opts.Easing = transition.Linear
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:        opts.Store,
		quota:        opts.Quota,
		fetcher:      opts.Fetcher,
		selector:     opts.Selector,
		scheduler:    opts.Scheduler,
		assets:       opts.Assets,
		duration:     opts.TransitionDuration,
		easing:       opts.Easing,
		stepInterval: opts.StepInterval,
		clock:        opts.Clock,
		logger:       opts.Logger,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// RequestAsset returns a future for the asset at the given tier.
func (c *Controller) RequestAsset(ctx context.Context, collection types.Collection, key string, t types.TierID) *fetch.Future {
	return c.fetcher.Request(ctx, types.AssetRef{Collection: collection, Key: key, Tier: t})
}

// OnTransitionComplete registers fn to be called after each completed
// transition, with the committed tier and its configuration.
func (c *Controller) OnTransitionComplete(fn transition.Observer) {
	c.scheduler.OnComplete(fn)
}

// ReportViewingDistance feeds a distance sample to the selector. When it
// produces a new target tier a transition is started and the scene's assets
// are requested at that tier.
func (c *Controller) ReportViewingDistance(distance float64) (tier.Decision, bool) {
	d, ok := c.selector.HandleDistanceChange(distance, c.clock())
	if ok {
		c.apply(d)
	}
	return d, ok
}

// Step evaluates coalesced distance reports and advances the active
// transition. Hosts with their own frame loop call it instead of Run.
func (c *Controller) Step(now time.Time) {
	if d, ok := c.selector.Flush(now); ok {
		c.apply(d)
	}
	c.scheduler.Step(now)
}

func (c *Controller) apply(d tier.Decision) {
	cfg := c.selector.Table().Config(d.To)

	duration := c.duration
	if cfg.TransitionDuration > 0 {
		duration = cfg.TransitionDuration
	}
	easing := c.easing
	if cfg.Easing != "" {
		if e, err := transition.ParseEasing(cfg.Easing); err == nil {
			easing = e
		} else {
			c.logger.Warn("ignoring tier easing", zap.String("tier", d.To.String()), zap.Error(err))
		}
	}

	c.scheduler.Begin(d.From, d.To, duration, easing)
	c.logger.Info("tier change",
		zap.String("from", d.From.String()),
		zap.String("to", d.To.String()),
		zap.Float64("distance", d.Distance),
		zap.Duration("duration", duration),
	)
	c.prefetchAsync(d.To)
}

func (c *Controller) prefetchAsync(t types.TierID) {
	if len(c.assets) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Prefetch(c.ctx, t); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("tier prefetch incomplete", zap.String("tier", t.String()), zap.Error(err))
		}
	}()
}

// Prefetch requests every scene asset at tier t and waits for all of them.
// It returns the first failure; the others are logged.
func (c *Controller) Prefetch(ctx context.Context, t types.TierID) error {
	var g errgroup.Group
	for _, a := range c.assets {
		fut := c.RequestAsset(ctx, a.Collection, a.Key, t)
		g.Go(func() error {
			if _, err := fut.Wait(ctx); err != nil {
				c.logger.Debug("prefetch failed", zap.String("ref", fut.Ref().String()), zap.Error(err))
				return fmt.Errorf("prefetching %s: %w", fut.Ref(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CacheStats reports usage of every asset collection.
func (c *Controller) CacheStats() Stats {
	collections := c.quota.Stats()
	return Stats{
		UsedBytes:     lo.SumBy(collections, func(q types.CollectionQuota) int64 { return q.UsedBytes }),
		CapacityBytes: lo.SumBy(collections, func(q types.CollectionQuota) int64 { return q.CapacityBytes }),
		ItemCounts: lo.SliceToMap(collections, func(q types.CollectionQuota) (types.Collection, int64) {
			return q.Collection, q.ItemCount
		}),
		Collections: collections,
		InFlight:    c.fetcher.InFlight(),
		Degraded:    c.store.Degraded(),
		Tier:        c.TierState(),
	}
}

// TierState reports the displayed and targeted tiers.
func (c *Controller) TierState() TierState {
	return TierState{
		Current:      c.scheduler.Current().String(),
		Target:       c.selector.Target().String(),
		Level:        c.scheduler.Level(),
		Transitional: c.scheduler.Active() != nil,
	}
}

// Clear removes every cached record of collection.
func (c *Controller) Clear(ctx context.Context, collection types.Collection) error {
	if !collection.Valid() {
		return fmt.Errorf("%w: %q", storage.ErrUnknownCollection, collection)
	}
	return c.quota.Clear(ctx, collection)
}

// Quota returns the quota manager for maintenance tasks.
func (c *Controller) Quota() *quota.Manager { return c.quota }

// Store returns the storage engine for health checks.
func (c *Controller) Store() *storage.Engine { return c.store }

// S3Client returns the S3 client of an s3 source, or nil.
func (c *Controller) S3Client() *s3util.Client { return c.s3 }

// Run drives transitions and throttled distance evaluation until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.scheduler.Run(gctx, c.stepInterval)
	})
	g.Go(func() error {
		return c.runFlush(gctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Controller) runFlush(ctx context.Context) error {
	interval := c.selector.Window()
	if interval <= 0 || interval > c.stepInterval*8 {
		interval = c.stepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if d, ok := c.selector.Flush(c.clock()); ok {
				c.apply(d)
			}
		}
	}
}

// Close stops background prefetches, resolves pending requests and closes
// the store.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return multierr.Combine(
		c.fetcher.Close(),
		c.store.Close(),
	)
}
