// Package lifecycle periodically tidies the asset store: it removes records
// left half-written by an interrupted process and, when configured, records
// that have not been read for longer than the maximum age.
package lifecycle

import (
	"context"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/metrics"
	"github.com/gftdcojp/asset-stream-cache/internal/quota"
	"github.com/gftdcojp/asset-stream-cache/internal/storage"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Report summarizes one sweep.
type Report struct {
	Orphans      int
	Expired      int
	ExpiredBytes int64
}

// Manager runs the sweep. All removals go through the quota manager.
type Manager struct {
	quota  *quota.Manager
	maxAge time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// NewManager creates a lifecycle manager. A zero maxAge keeps records until
// quota pressure evicts them.
func NewManager(qm *quota.Manager, maxAge time.Duration, clock func() time.Time, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		quota:  qm,
		maxAge: maxAge,
		clock:  clock,
		logger: logger,
	}
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("sweep error", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass over every asset collection.
func (m *Manager) Sweep(ctx context.Context) (Report, error) {
	var report Report
	for _, c := range types.AssetCollections {
		n, err := m.quota.Reconcile(ctx, c)
		if err != nil {
			return report, err
		}
		if n > 0 {
			metrics.SweptRecords.WithLabelValues(c.String(), "orphan").Add(float64(n))
			m.logger.Warn("removed orphaned records", zap.String("collection", c.String()), zap.Int("count", n))
		}
		report.Orphans += n

		if m.maxAge <= 0 {
			continue
		}
		expired := Expired(m.quota.Store().Entries(c), m.clock().Add(-m.maxAge))
		for _, e := range expired {
			if err := m.quota.Delete(ctx, c, e.Key); err != nil {
				m.logger.Error("failed to delete expired record",
					zap.String("collection", c.String()), zap.String("key", e.Key), zap.Error(err))
				continue
			}
			report.Expired++
			report.ExpiredBytes += e.SizeBytes
			metrics.SweptRecords.WithLabelValues(c.String(), "expired").Inc()
		}
		if len(expired) > 0 {
			m.logger.Info("expired records removed",
				zap.String("collection", c.String()),
				zap.Int("count", len(expired)),
				zap.Int64("bytes", lo.SumBy(expired, func(e storage.UsageEntry) int64 { return e.SizeBytes })),
			)
		}
	}
	return report, nil
}

// Expired returns the entries last read before cutoff.
func Expired(entries []storage.UsageEntry, cutoff time.Time) []storage.UsageEntry {
	return lo.Filter(entries, func(e storage.UsageEntry, _ int) bool {
		return e.LastAccessedAt.Before(cutoff)
	})
}
