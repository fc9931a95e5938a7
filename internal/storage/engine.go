// Package storage implements the persistent asset store: typed collections of
// payloads with per-item size accounting and access-time tracking.
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"go.uber.org/zap"
)

var (
	// ErrStorageDegraded is returned by Open when the persistent medium is
	// unavailable. The returned engine is usable but holds records in memory
	// only.
	ErrStorageDegraded = errors.New("storage degraded: persistent medium unavailable, records will not survive restart")

	ErrUnknownCollection = errors.New("unknown collection")
)

// Options configures an Engine.
type Options struct {
	// Path of the BoltDB file. Empty selects in-memory mode.
	Path        string
	NoSync      bool
	OpenTimeout time.Duration
	// Clock stamps access and creation times. Defaults to time.Now.
	Clock  func() time.Time
	Logger *zap.Logger
}

type backend interface {
	put(entry *UsageEntry, payload []byte) error
	putUsage(entry *UsageEntry) error
	payload(c types.Collection, key string) ([]byte, error)
	delete(c types.Collection, key string) error
	clear(c types.Collection) error
	usage() ([]*UsageEntry, error)
	keys(c types.Collection) ([]string, error)
	ping() error
	close() error
}

// Engine is the storage engine. All methods are safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	backend  backend
	index    map[types.Collection]map[string]*UsageEntry
	used     map[types.Collection]int64
	degraded bool
	clock    func() time.Time
	logger   *zap.Logger
}

// Open opens or creates the store. Opening an existing file keeps its
// records. If the file cannot be opened the engine falls back to memory and
// Open returns the engine together with an error wrapping ErrStorageDegraded.
func Open(opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 2 * time.Second
	}

	e := &Engine{
		index:  make(map[types.Collection]map[string]*UsageEntry),
		used:   make(map[types.Collection]int64),
		clock:  opts.Clock,
		logger: opts.Logger,
	}
	for _, c := range types.AssetCollections {
		e.index[c] = make(map[string]*UsageEntry)
	}

	var openErr error
	if opts.Path == "" {
		e.backend = newMemoryBackend()
	} else {
		b, err := openBolt(opts.Path, opts.OpenTimeout, opts.NoSync, opts.Logger)
		if err != nil {
			e.logger.Warn("persistent store unavailable, falling back to memory",
				zap.String("path", opts.Path), zap.Error(err))
			e.backend = newMemoryBackend()
			e.degraded = true
			openErr = fmt.Errorf("%w: %v", ErrStorageDegraded, err)
		} else {
			e.backend = b
		}
	}

	if err := e.loadIndex(); err != nil {
		e.backend.close()
		return nil, fmt.Errorf("loading usage index: %w", err)
	}

	return e, openErr
}

func (e *Engine) loadIndex() error {
	entries, err := e.backend.usage()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		bucket, ok := e.index[entry.Collection]
		if !ok {
			continue
		}
		bucket[entry.Key] = entry
		e.used[entry.Collection] += entry.SizeBytes
	}
	e.logger.Debug("usage index loaded", zap.Int("entries", len(entries)))
	return nil
}

// Degraded reports whether the engine is running without persistence.
func (e *Engine) Degraded() bool {
	return e.degraded
}

// Put stores payload under ref, replacing any prior record atomically.
// A non-positive size is replaced by len(payload).
func (e *Engine) Put(ctx context.Context, ref types.AssetRef, payload []byte, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ref.Collection.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, ref.Collection)
	}
	if size <= 0 {
		size = int64(len(payload))
	}

	now := e.clock()
	entry := &UsageEntry{
		Collection:     ref.Collection,
		Key:            ref.StorageKey(),
		AssetKey:       ref.Key,
		Tier:           ref.Tier,
		SizeBytes:      size,
		Checksum:       xxhash.Sum64(payload),
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.backend.put(entry, payload); err != nil {
		return fmt.Errorf("storing %s: %w", ref, err)
	}
	if prev, ok := e.index[ref.Collection][entry.Key]; ok {
		e.used[ref.Collection] -= prev.SizeBytes
	}
	e.index[ref.Collection][entry.Key] = entry
	e.used[ref.Collection] += size

	e.logger.Debug("record stored",
		zap.String("collection", ref.Collection.String()),
		zap.String("key", entry.Key),
		zap.Int64("size", size),
		zap.Int64("used_bytes", e.used[ref.Collection]),
	)
	return nil
}

// Get returns the record stored under key, or nil if there is none. A hit
// stamps the record's LastAccessedAt.
func (e *Engine) Get(ctx context.Context, c types.Collection, key string) (*types.AssetRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.index[c][key]
	if !ok {
		return nil, nil
	}

	payload, err := e.backend.payload(c, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", c, key, err)
	}
	if payload == nil {
		e.logger.Warn("usage entry without payload, dropping", zap.String("collection", c.String()), zap.String("key", key))
		e.dropLocked(c, key)
		return nil, nil
	}
	if xxhash.Sum64(payload) != entry.Checksum {
		e.logger.Warn("payload checksum mismatch, dropping", zap.String("collection", c.String()), zap.String("key", key))
		e.dropLocked(c, key)
		return nil, nil
	}

	touched := *entry
	touched.LastAccessedAt = e.clock()
	if err := e.backend.putUsage(&touched); err != nil {
		// The payload is intact; only recency is lost.
		e.logger.Warn("failed to record access", zap.String("key", key), zap.Error(err))
	} else {
		e.index[c][key] = &touched
	}

	rec := touched.record(payload)
	return &rec, nil
}

// Lookup is Get addressed by AssetRef.
func (e *Engine) Lookup(ctx context.Context, ref types.AssetRef) (*types.AssetRecord, error) {
	return e.Get(ctx, ref.Collection, ref.StorageKey())
}

// Delete removes the record stored under key. Deleting a missing key is not an error.
func (e *Engine) Delete(ctx context.Context, c types.Collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.backend.delete(c, key); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", c, key, err)
	}
	if entry, ok := e.index[c][key]; ok {
		e.used[c] -= entry.SizeBytes
		delete(e.index[c], key)
	}
	return nil
}

// dropLocked removes a damaged record. Caller holds e.mu.
func (e *Engine) dropLocked(c types.Collection, key string) {
	if err := e.backend.delete(c, key); err != nil {
		e.logger.Error("failed to drop damaged record", zap.String("key", key), zap.Error(err))
		return
	}
	if entry, ok := e.index[c][key]; ok {
		e.used[c] -= entry.SizeBytes
		delete(e.index[c], key)
	}
}

// Clear removes every record in c.
func (e *Engine) Clear(ctx context.Context, c types.Collection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.backend.clear(c); err != nil {
		return fmt.Errorf("clearing %s: %w", c, err)
	}
	e.index[c] = make(map[string]*UsageEntry)
	e.used[c] = 0
	e.logger.Info("collection cleared", zap.String("collection", c.String()))
	return nil
}

// ForEach returns a finite traversal of the records in c, ordered by key.
// Each traversal starts from a fresh snapshot of the keys; records removed
// after the snapshot are skipped. Traversal does not update access times.
func (e *Engine) ForEach(c types.Collection) iter.Seq2[types.AssetRecord, error] {
	return func(yield func(types.AssetRecord, error) bool) {
		for _, entry := range e.Entries(c) {
			payload, err := e.readPayload(c, entry.Key)
			if err != nil {
				if !yield(types.AssetRecord{}, err) {
					return
				}
				continue
			}
			if payload == nil {
				continue
			}
			if !yield(entry.record(payload), nil) {
				return
			}
		}
	}
}

func (e *Engine) readPayload(c types.Collection, key string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.index[c][key]; !ok {
		return nil, nil
	}
	return e.backend.payload(c, key)
}

// Entries returns a snapshot of the usage entries in c, ordered by key.
func (e *Engine) Entries(c types.Collection) []UsageEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]UsageEntry, 0, len(e.index[c]))
	for _, entry := range e.index[c] {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Entry returns the usage entry for key.
func (e *Engine) Entry(c types.Collection, key string) (UsageEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.index[c][key]
	if !ok {
		return UsageEntry{}, false
	}
	return *entry, true
}

// Usage returns the bytes and item count currently held in c.
func (e *Engine) Usage(c types.Collection) (usedBytes int64, items int64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.used[c], int64(len(e.index[c]))
}

// Reconcile removes payloads that have no usage entry and usage entries
// whose payload is gone. Such pairs are left behind by an interrupted
// process. It returns the number of keys removed.
func (e *Engine) Reconcile(ctx context.Context, c types.Collection) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	keys, err := e.backend.keys(c)
	if err != nil {
		return 0, err
	}
	present := make(map[string]bool, len(keys))
	removed := 0
	for _, k := range keys {
		present[k] = true
		if _, ok := e.index[c][k]; !ok {
			if err := e.backend.delete(c, k); err != nil {
				return removed, err
			}
			removed++
		}
	}
	for k := range e.index[c] {
		if !present[k] {
			e.dropLocked(c, k)
			removed++
		}
	}
	return removed, nil
}

// Ping checks that the backing store is readable.
func (e *Engine) Ping() error {
	return e.backend.ping()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend.close()
}
