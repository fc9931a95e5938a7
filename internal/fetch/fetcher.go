// Package fetch acquires assets through the cache and an ordered chain of
// sources, collapsing concurrent requests for the same asset into one
// acquisition.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gftdcojp/asset-stream-cache/internal/metrics"
	"github.com/gftdcojp/asset-stream-cache/internal/quota"
	"github.com/gftdcojp/asset-stream-cache/internal/source"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"go.uber.org/zap"
)

// Cache is the quota-managed store the fetcher reads from and fills.
type Cache interface {
	Lookup(ctx context.Context, ref types.AssetRef) (*types.AssetRecord, error)
	Put(ctx context.Context, ref types.AssetRef, payload []byte, size int64) error
}

// Options configures a Fetcher.
type Options struct {
	Cache Cache
	// Sources are tried in order; the first non-empty payload wins.
	Sources []source.Source
	Backoff Backoff
	// AcquireTimeout bounds one acquisition across all sources. Zero means
	// no bound beyond the fetcher's lifetime.
	AcquireTimeout time.Duration
	// Sleep waits between retries. Defaults to a context-aware timer.
	Sleep  SleepFunc
	Clock  func() time.Time
	Logger *zap.Logger
}

// call is an in-flight acquisition shared by every subscriber of one ref.
type call struct {
	ref         types.AssetRef
	done        chan struct{}
	subscribers int
	attempts    map[string]int

	rec *types.AssetRecord
	err error
}

// Future resolves to the outcome of a request. All subscribers of one
// acquisition observe the same record and error; the record's payload is
// shared and must not be modified.
type Future struct {
	ref  types.AssetRef
	done <-chan struct{}
	c    *call
}

// Ref returns the requested asset.
func (f *Future) Ref() types.AssetRef { return f.ref }

// Done is closed when the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx is done. Abandoning a wait
// does not cancel the acquisition for other subscribers.
func (f *Future) Wait(ctx context.Context) (*types.AssetRecord, error) {
	select {
	case <-f.done:
		return f.c.rec, f.c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func resolved(ref types.AssetRef, rec *types.AssetRecord, err error) *Future {
	c := &call{ref: ref, done: make(chan struct{}), rec: rec, err: err}
	close(c.done)
	return &Future{ref: ref, done: c.done, c: c}
}

// Fetcher is the fetch deduplication and fallback chain.
type Fetcher struct {
	cache          Cache
	sources        []source.Source
	backoff        Backoff
	acquireTimeout time.Duration
	sleep          SleepFunc
	clock          func() time.Time
	logger         *zap.Logger

	mu       sync.Mutex
	inflight map[types.AssetRef]*call
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Fetcher. At least one source is required.
func New(opts Options) (*Fetcher, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("fetch: cache is required")
	}
	if len(opts.Sources) == 0 {
		return nil, fmt.Errorf("fetch: at least one source is required")
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Fetcher{
		cache:          opts.Cache,
		sources:        opts.Sources,
		backoff:        opts.Backoff,
		acquireTimeout: opts.AcquireTimeout,
		sleep:          opts.Sleep,
		clock:          opts.Clock,
		logger:         opts.Logger,
		inflight:       make(map[types.AssetRef]*call),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Request returns a future for ref. A cache hit resolves immediately; a
// request for an asset already being acquired joins that acquisition.
// ctx only bounds the cache lookup.
func (f *Fetcher) Request(ctx context.Context, ref types.AssetRef) *Future {
	if !ref.Collection.Valid() || !ref.Tier.Valid() || ref.Key == "" {
		return resolved(ref, nil, fmt.Errorf("%w: %s", ErrInvalidRef, ref))
	}

	if rec := f.lookup(ctx, ref); rec != nil {
		metrics.CacheRequests.WithLabelValues(ref.Collection.String(), "hit").Inc()
		return resolved(ref, rec, nil)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return resolved(ref, nil, ErrClosed)
	}
	if c, ok := f.inflight[ref]; ok {
		c.subscribers++
		metrics.CacheRequests.WithLabelValues(ref.Collection.String(), "joined").Inc()
		return &Future{ref: ref, done: c.done, c: c}
	}
	// An acquisition may have stored the record between the first lookup
	// and taking the lock.
	if rec := f.lookup(ctx, ref); rec != nil {
		metrics.CacheRequests.WithLabelValues(ref.Collection.String(), "hit").Inc()
		return resolved(ref, rec, nil)
	}

	metrics.CacheRequests.WithLabelValues(ref.Collection.String(), "miss").Inc()
	c := &call{
		ref:         ref,
		done:        make(chan struct{}),
		subscribers: 1,
		attempts:    make(map[string]int),
	}
	f.inflight[ref] = c
	f.wg.Add(1)
	go f.acquire(c)
	return &Future{ref: ref, done: c.done, c: c}
}

// InFlight returns the number of acquisitions in progress.
func (f *Fetcher) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inflight)
}

// Close stops accepting requests, cancels running acquisitions and waits for
// them to resolve their subscribers.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()
	return nil
}

func (f *Fetcher) lookup(ctx context.Context, ref types.AssetRef) *types.AssetRecord {
	rec, err := f.cache.Lookup(ctx, ref)
	if err != nil {
		f.logger.Warn("cache lookup failed, treating as miss", zap.String("ref", ref.String()), zap.Error(err))
		return nil
	}
	return rec
}

func (f *Fetcher) acquire(c *call) {
	defer f.wg.Done()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	ctx := f.ctx
	if f.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.acquireTimeout)
		defer cancel()
	}

	c.rec, c.err = f.runChain(ctx, c)

	f.mu.Lock()
	close(c.done)
	delete(f.inflight, c.ref)
	subscribers := c.subscribers
	f.mu.Unlock()

	if c.err != nil {
		f.logger.Warn("asset acquisition failed",
			zap.String("ref", c.ref.String()),
			zap.Int("subscribers", subscribers),
			zap.Error(c.err),
		)
	}
}

func (f *Fetcher) runChain(ctx context.Context, c *call) (*types.AssetRecord, error) {
	var tried []SourceAttempt
	for _, src := range f.sources {
		start := f.clock()
		data, n, err := f.attemptSource(ctx, src, c.ref)
		c.attempts[src.Name()] = n
		if err == nil {
			metrics.FetchLatency.WithLabelValues(c.ref.Collection.String(), src.Name()).
				Observe(f.clock().Sub(start).Seconds())
			return f.store(ctx, c.ref, data, src.Name()), nil
		}

		tried = append(tried, SourceAttempt{Source: src.Name(), Attempts: n, Err: err})
		if ctx.Err() != nil {
			break
		}
		f.logger.Info("source failed, trying next",
			zap.String("ref", c.ref.String()),
			zap.String("source", src.Name()),
			zap.Int("attempts", n),
			zap.Error(err),
		)
	}

	metrics.FetchFailures.WithLabelValues(c.ref.Collection.String()).Inc()
	return nil, &ExhaustedError{Ref: c.ref, Sources: tried}
}

// attemptSource fetches from one source, retrying retryable failures. It
// returns the number of attempts made.
func (f *Fetcher) attemptSource(ctx context.Context, src source.Source, ref types.AssetRef) ([]byte, int, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, f.backoff.Delay(attempt)); err != nil {
				return nil, attempt, fmt.Errorf("cancelled during retry delay: %w (last error: %v)", err, lastErr)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, attempt, err
		}

		data, err := src.Fetch(ctx, ref)
		if err == nil && len(data) == 0 {
			err = fmt.Errorf("%s returned no bytes: %w", src.Name(), source.ErrMalformedResponse)
		}
		if err == nil {
			metrics.SourceAttempts.WithLabelValues(src.Name(), "success").Inc()
			if attempt > 0 {
				f.logger.Info("source succeeded after retries",
					zap.String("ref", ref.String()), zap.String("source", src.Name()), zap.Int("retries", attempt))
			}
			return data, attempt + 1, nil
		}

		lastErr = err
		metrics.SourceAttempts.WithLabelValues(src.Name(), outcomeLabel(err)).Inc()
		if !source.Retryable(err) || attempt >= f.backoff.Retries {
			return nil, attempt + 1, err
		}
		f.logger.Debug("source attempt failed, will retry",
			zap.String("ref", ref.String()),
			zap.String("source", src.Name()),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", f.backoff.Retries+1),
			zap.Error(err),
		)
	}
}

// store caches the acquired bytes and builds the record handed to
// subscribers. Bytes are delivered even when they cannot be cached.
func (f *Fetcher) store(ctx context.Context, ref types.AssetRef, data []byte, from string) *types.AssetRecord {
	now := f.clock()
	rec := &types.AssetRecord{
		Collection:     ref.Collection,
		Key:            ref.Key,
		Tier:           ref.Tier,
		Payload:        data,
		SizeBytes:      int64(len(data)),
		Checksum:       xxhash.Sum64(data),
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	err := f.cache.Put(ctx, ref, data, rec.SizeBytes)
	rec.Cached = err == nil
	switch {
	case err == nil:
		f.logger.Debug("asset acquired",
			zap.String("ref", ref.String()), zap.String("source", from), zap.Int64("size", rec.SizeBytes))
	case errors.Is(err, quota.ErrItemTooLarge):
		f.logger.Warn("asset exceeds collection capacity, serving uncached",
			zap.String("ref", ref.String()), zap.Int64("size", rec.SizeBytes), zap.Error(err))
	default:
		f.logger.Error("failed to cache acquired asset",
			zap.String("ref", ref.String()), zap.String("source", from), zap.Error(err))
	}
	return rec
}

func outcomeLabel(err error) string {
	switch source.Kind(err) {
	case source.ErrNotFound:
		return "not_found"
	case source.ErrAccessDenied:
		return "access_denied"
	case source.ErrMalformedResponse:
		return "malformed"
	case source.ErrNetwork:
		return "network"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "error"
}
