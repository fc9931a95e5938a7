package internal_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/config"
	"github.com/gftdcojp/asset-stream-cache/internal/lifecycle"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"github.com/gftdcojp/asset-stream-cache/internal/viewer"
	"go.uber.org/zap"
)

// origin is an HTTP asset server counting requests per path.
type origin struct {
	assets map[string]string
	status int32
	hits   atomic.Int64
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.hits.Add(1)
	if s := atomic.LoadInt32(&o.status); s != 0 {
		w.WriteHeader(int(s))
		return
	}
	data, ok := o.assets[strings.TrimPrefix(r.URL.Path, "/assets/")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write([]byte(data))
}

func writeBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"models/placeholder.glb":    "placeholder-mesh",
		"textures/placeholder.ktx2": "placeholder-texture",
	} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testConfig(t *testing.T, originURL, dbPath string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = dbPath
	cfg.Storage.NoSync = true
	cfg.Quota.Models = 64
	cfg.Quota.Textures = 64
	cfg.Fetch.Retries = 2
	cfg.Fetch.InitialBackoff = config.Duration(time.Millisecond)
	cfg.Fetch.MaxBackoff = config.Duration(5 * time.Millisecond)
	cfg.Sources.Primary.HTTP.BaseURL = originURL + "/assets"
	cfg.Sources.Bundle.Dir = writeBundle(t)
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func get(t *testing.T, c *viewer.Controller, collection types.Collection, key string, tier types.TierID) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := c.RequestAsset(ctx, collection, key, tier).Wait(ctx)
	if err != nil {
		t.Fatalf("requesting %s/%s_%s: %v", collection, key, tier, err)
	}
	return string(rec.Payload)
}

// TestDurability_CachedAssetsSurviveRestart verifies that assets cached in
// the bolt file are served after reopening without contacting the origin.
func TestDurability_CachedAssetsSurviveRestart(t *testing.T) {
	o := &origin{assets: map[string]string{
		"models/chair_close":  "chair-mesh",
		"textures/oak_close":  "oak-pixels",
		"textures/oak_medium": "oak-pixels-md",
	}}
	srv := httptest.NewServer(o)
	defer srv.Close()

	dbPath := filepath.Join(t.TempDir(), "assets.db")
	cfg := testConfig(t, srv.URL, dbPath)

	c, err := viewer.NewFromConfig(context.Background(), cfg, viewer.Deps{Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	if got := get(t, c, types.CollectionModels, "chair", types.TierClose); got != "chair-mesh" {
		t.Fatalf("expected chair-mesh, got %q", got)
	}
	if got := get(t, c, types.CollectionTextures, "oak", types.TierClose); got != "oak-pixels" {
		t.Fatalf("expected oak-pixels, got %q", got)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	hits := o.hits.Load()
	atomic.StoreInt32(&o.status, http.StatusServiceUnavailable)

	c, err = viewer.NewFromConfig(context.Background(), cfg, viewer.Deps{Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	stats := c.CacheStats()
	if stats.Degraded {
		t.Fatal("store should not be degraded")
	}
	if stats.UsedBytes != int64(len("chair-mesh")+len("oak-pixels")) {
		t.Fatalf("unexpected used bytes after restart: %d", stats.UsedBytes)
	}
	if got := get(t, c, types.CollectionModels, "chair", types.TierClose); got != "chair-mesh" {
		t.Fatalf("expected chair-mesh after restart, got %q", got)
	}
	if o.hits.Load() != hits {
		t.Fatal("cached asset should not reach the origin")
	}

	// The origin is down: an uncached asset falls back to the bundle.
	if got := get(t, c, types.CollectionTextures, "oak", types.TierMedium); got != "placeholder-texture" {
		t.Fatalf("expected placeholder, got %q", got)
	}
}

// TestIntegration_QuotaEvictsLeastRecentlyUsed fills the models collection
// past capacity through the full stack.
func TestIntegration_QuotaEvictsLeastRecentlyUsed(t *testing.T) {
	o := &origin{assets: map[string]string{
		"models/a_far": strings.Repeat("a", 24),
		"models/b_far": strings.Repeat("b", 24),
		"models/c_far": strings.Repeat("c", 24),
	}}
	srv := httptest.NewServer(o)
	defer srv.Close()

	cfg := testConfig(t, srv.URL, "")
	c, err := viewer.NewFromConfig(context.Background(), cfg, viewer.Deps{Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	get(t, c, types.CollectionModels, "a", types.TierFar)
	time.Sleep(2 * time.Millisecond)
	get(t, c, types.CollectionModels, "b", types.TierFar)
	time.Sleep(2 * time.Millisecond)
	// Touch a so that b becomes the least recently used.
	get(t, c, types.CollectionModels, "a", types.TierFar)
	time.Sleep(2 * time.Millisecond)
	get(t, c, types.CollectionModels, "c", types.TierFar)

	stats := c.CacheStats()
	if stats.ItemCounts[types.CollectionModels] != 2 {
		t.Fatalf("expected 2 cached models, got %d", stats.ItemCounts[types.CollectionModels])
	}
	for _, q := range stats.Collections {
		if q.UsedBytes > q.CapacityBytes {
			t.Fatalf("%s over capacity: %d > %d", q.Collection, q.UsedBytes, q.CapacityBytes)
		}
	}

	before := o.hits.Load()
	get(t, c, types.CollectionModels, "a", types.TierFar)
	if o.hits.Load() != before {
		t.Fatal("a should still be cached")
	}
	get(t, c, types.CollectionModels, "b", types.TierFar)
	if o.hits.Load() != before+1 {
		t.Fatal("b should have been evicted and refetched")
	}
}

// TestIntegration_LifecycleExpiresIdleAssets runs a sweep over records that
// have not been read within max_age.
func TestIntegration_LifecycleExpiresIdleAssets(t *testing.T) {
	o := &origin{assets: map[string]string{"models/chair_far": "chair"}}
	srv := httptest.NewServer(o)
	defer srv.Close()

	cfg := testConfig(t, srv.URL, "")
	c, err := viewer.NewFromConfig(context.Background(), cfg, viewer.Deps{Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	get(t, c, types.CollectionModels, "chair", types.TierFar)

	later := func() time.Time { return time.Now().Add(time.Hour) }
	sweeper := lifecycle.NewManager(c.Quota(), 30*time.Minute, later, zap.NewNop())
	report, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Expired != 1 {
		t.Fatalf("expected 1 expired record, got %+v", report)
	}
	if n := c.CacheStats().ItemCounts[types.CollectionModels]; n != 0 {
		t.Fatalf("expected empty models collection, got %d", n)
	}
}
