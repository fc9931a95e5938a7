// Package quota bounds the size of each storage collection, evicting least
// recently used records to make room for incoming ones.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gftdcojp/asset-stream-cache/internal/metrics"
	"github.com/gftdcojp/asset-stream-cache/internal/storage"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	// ErrItemTooLarge means a single item exceeds its collection's capacity.
	// The item is never stored and nothing is evicted.
	ErrItemTooLarge = errors.New("item exceeds collection capacity")

	// ErrQuotaConflict reports a broken accounting invariant during eviction.
	// It indicates a defect.
	ErrQuotaConflict = errors.New("quota accounting conflict")
)

// Manager is the sole writer of the storage engine on behalf of other
// components. Reservation and insertion happen under one lock so that no
// caller observes an over-quota collection.
type Manager struct {
	mu       sync.Mutex
	store    *storage.Engine
	capacity map[types.Collection]int64
	logger   *zap.Logger
}

// NewManager creates a quota manager over store with per-collection capacities.
func NewManager(store *storage.Engine, capacity map[types.Collection]int64, logger *zap.Logger) *Manager {
	m := &Manager{
		store:    store,
		capacity: make(map[types.Collection]int64, len(capacity)),
		logger:   logger,
	}
	for c, n := range capacity {
		m.capacity[c] = n
	}
	for _, c := range types.AssetCollections {
		m.publish(c)
	}
	return m
}

// Reserve makes room for incoming bytes in c by evicting least recently used
// records.
func (m *Manager) Reserve(ctx context.Context, c types.Collection, incoming int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(ctx, c, incoming, "")
}

// Put reserves room for payload and stores it as one step. Replacing an
// existing record does not count the old record against the reservation.
func (m *Manager) Put(ctx context.Context, ref types.AssetRef, payload []byte, size int64) error {
	if size <= 0 {
		size = int64(len(payload))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.reserveLocked(ctx, ref.Collection, size, ref.StorageKey()); err != nil {
		return err
	}
	if err := m.store.Put(ctx, ref, payload, size); err != nil {
		return err
	}
	m.publish(ref.Collection)
	return nil
}

// Lookup reads ref from storage. A hit refreshes the record's recency.
func (m *Manager) Lookup(ctx context.Context, ref types.AssetRef) (*types.AssetRecord, error) {
	return m.store.Lookup(ctx, ref)
}

// Delete removes a single record.
func (m *Manager) Delete(ctx context.Context, c types.Collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, c, key); err != nil {
		return err
	}
	m.publish(c)
	return nil
}

// Clear removes every record in c.
func (m *Manager) Clear(ctx context.Context, c types.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Clear(ctx, c); err != nil {
		return err
	}
	m.publish(c)
	return nil
}

// Reconcile removes records left half-written by an interrupted process.
func (m *Manager) Reconcile(ctx context.Context, c types.Collection) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.store.Reconcile(ctx, c)
	m.publish(c)
	return n, err
}

// Stat reports usage against capacity for c.
func (m *Manager) Stat(c types.Collection) types.CollectionQuota {
	used, items := m.store.Usage(c)
	return types.CollectionQuota{
		Collection:    c,
		CapacityBytes: m.capacity[c],
		UsedBytes:     used,
		ItemCount:     items,
	}
}

// Stats reports every asset collection.
func (m *Manager) Stats() []types.CollectionQuota {
	return lo.Map(types.AssetCollections, func(c types.Collection, _ int) types.CollectionQuota {
		return m.Stat(c)
	})
}

// Store returns the underlying engine for read access.
func (m *Manager) Store() *storage.Engine {
	return m.store
}

func (m *Manager) reserveLocked(ctx context.Context, c types.Collection, incoming int64, replacing string) error {
	capacity, ok := m.capacity[c]
	if !ok {
		return fmt.Errorf("%w: %q", storage.ErrUnknownCollection, c)
	}
	if incoming > capacity {
		metrics.QuotaRejections.WithLabelValues(c.String()).Inc()
		return fmt.Errorf("%w: %d bytes into %s (capacity %d)", ErrItemTooLarge, incoming, c, capacity)
	}

	used, _ := m.store.Usage(c)
	entries := m.store.Entries(c)
	if replacing != "" {
		if prev, ok := lo.Find(entries, func(e storage.UsageEntry) bool { return e.Key == replacing }); ok {
			used -= prev.SizeBytes
			entries = lo.Reject(entries, func(e storage.UsageEntry, _ int) bool { return e.Key == replacing })
		}
	}
	if used+incoming <= capacity {
		return nil
	}

	victims, fits := SelectVictims(EvictionOrder(entries), used, incoming, capacity)
	if !fits {
		m.logger.Error("eviction cannot satisfy reservation",
			zap.String("collection", c.String()),
			zap.Int64("used", used),
			zap.Int64("incoming", incoming),
			zap.Int64("capacity", capacity),
		)
		return fmt.Errorf("%w: %s cannot fit %d bytes after evicting every record", ErrQuotaConflict, c, incoming)
	}

	for _, v := range victims {
		if _, ok := m.store.Entry(c, v.Key); !ok {
			m.logger.Error("eviction victim vanished", zap.String("collection", c.String()), zap.String("key", v.Key))
			return fmt.Errorf("%w: victim %s/%s vanished", ErrQuotaConflict, c, v.Key)
		}
		if err := m.store.Delete(ctx, c, v.Key); err != nil {
			return fmt.Errorf("evicting %s/%s: %w", c, v.Key, err)
		}
		metrics.Evictions.WithLabelValues(c.String()).Inc()
		metrics.EvictedBytes.WithLabelValues(c.String()).Add(float64(v.SizeBytes))
		m.logger.Debug("record evicted",
			zap.String("collection", c.String()),
			zap.String("key", v.Key),
			zap.Int64("size", v.SizeBytes),
			zap.Time("last_accessed_at", v.LastAccessedAt),
		)
	}

	after, _ := m.store.Usage(c)
	if replacing != "" {
		if prev, ok := m.store.Entry(c, replacing); ok {
			after -= prev.SizeBytes
		}
	}
	if after+incoming > capacity {
		m.logger.Error("usage over capacity after eviction",
			zap.String("collection", c.String()), zap.Int64("used", after), zap.Int64("incoming", incoming))
		return fmt.Errorf("%w: %s used %d + %d exceeds %d after eviction", ErrQuotaConflict, c, after, incoming, capacity)
	}
	m.publish(c)
	return nil
}

func (m *Manager) publish(c types.Collection) {
	used, items := m.store.Usage(c)
	metrics.UsedBytes.WithLabelValues(c.String()).Set(float64(used))
	metrics.CapacityBytes.WithLabelValues(c.String()).Set(float64(m.capacity[c]))
	metrics.ItemCount.WithLabelValues(c.String()).Set(float64(items))
}
