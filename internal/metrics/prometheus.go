package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage / quota metrics
	UsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asc_collection_used_bytes",
		Help: "Bytes stored in each collection",
	}, []string{"collection"})

	CapacityBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asc_collection_capacity_bytes",
		Help: "Configured capacity of each collection",
	}, []string{"collection"})

	ItemCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asc_collection_items",
		Help: "Number of records in each collection",
	}, []string{"collection"})

	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_evictions_total",
		Help: "Records evicted to satisfy quota",
	}, []string{"collection"})

	EvictedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_evicted_bytes_total",
		Help: "Bytes evicted to satisfy quota",
	}, []string{"collection"})

	QuotaRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_quota_rejections_total",
		Help: "Items rejected because they exceed collection capacity",
	}, []string{"collection"})

	// Fetch path metrics
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_cache_requests_total",
		Help: "Asset requests by collection and result (hit, miss, joined)",
	}, []string{"collection", "result"})

	SourceAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_source_attempts_total",
		Help: "Source fetch attempts by source and outcome",
	}, []string{"source", "outcome"})

	FetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "asc_fetch_duration_seconds",
		Help:    "Time to acquire an asset from its sources",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"collection", "source"})

	FetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_fetch_exhausted_total",
		Help: "Acquisitions where every source failed",
	}, []string{"collection"})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asc_inflight_requests",
		Help: "Acquisitions currently in progress",
	})

	// Resolution / transition metrics
	DistanceReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_distance_reports_total",
		Help: "Viewing-distance reports by handling (accepted, coalesced)",
	}, []string{"handling"})

	TierChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_tier_changes_total",
		Help: "Target tier changes decided by the selector",
	}, []string{"from_tier", "to_tier"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_transitions_total",
		Help: "Finished transitions by outcome",
	}, []string{"outcome"})

	ObserverFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asc_observer_failures_total",
		Help: "Transition observers that returned an error or panicked",
	})

	CurrentTier = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asc_current_tier",
		Help: "Committed display tier",
	})

	// Lifecycle metrics
	SweptRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_swept_records_total",
		Help: "Records removed by the lifecycle sweep",
	}, []string{"collection", "reason"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
