package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/config"
	"github.com/gftdcojp/asset-stream-cache/internal/storage"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func startEmbeddedNATS(t *testing.T) (*server.Server, string) {
	t.Helper()
	tmpDir := t.TempDir()

	opts := &server.Options{
		Host:     "127.0.0.1",
		Port:     -1,
		NoLog:    true,
		NoSigs:   true,
		StoreDir: filepath.Join(tmpDir, "jetstream"),
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}

	t.Cleanup(func() { ns.Shutdown() })
	return ns, ns.ClientURL()
}

func newTestStorage(t *testing.T) *storage.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.Open(storage.Options{Path: path, Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil)
	status := checker.Liveness()
	if !status.OK {
		t.Fatal("liveness should always return OK=true")
	}
}

func TestHealthChecker_Readiness_AllOK(t *testing.T) {
	_, url := startEmbeddedNATS(t)
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	checker := NewHealthChecker(nc, newTestStorage(t), nil)

	status := checker.Readiness()
	if !status.OK {
		t.Fatalf("expected readiness OK=true, got checks: %+v", status.Checks)
	}

	found := map[string]bool{}
	for _, c := range status.Checks {
		found[c.Name] = true
		if c.Name == "nats" && c.Status != "connected" {
			t.Fatalf("expected nats connected, got %s", c.Status)
		}
		if c.Name == "storage" && c.Status != "ok" {
			t.Fatalf("expected storage ok, got %s", c.Status)
		}
	}
	if !found["nats"] {
		t.Error("nats check missing")
	}
	if !found["storage"] {
		t.Error("storage check missing")
	}
}

func TestHealthChecker_Readiness_NATSDown(t *testing.T) {
	ns, url := startEmbeddedNATS(t)
	nc, err := nats.Connect(url, nats.NoReconnect())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	ns.Shutdown()
	time.Sleep(100 * time.Millisecond)

	checker := NewHealthChecker(nc, nil, nil)
	status := checker.Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false when NATS is down")
	}

	for _, c := range status.Checks {
		if c.Name == "nats" && c.Status != "disconnected" {
			t.Fatalf("expected nats disconnected, got %s", c.Status)
		}
	}
}

func TestHealthChecker_Readiness_StorageClosed(t *testing.T) {
	store := newTestStorage(t)
	store.Close()

	checker := NewHealthChecker(nil, store, nil)
	status := checker.Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false when storage is closed")
	}

	for _, c := range status.Checks {
		if c.Name == "storage" {
			if c.Status != "error" {
				t.Fatalf("expected storage error, got %s", c.Status)
			}
			if c.Error == "" {
				t.Fatal("expected error message for storage check")
			}
		}
	}
}

func TestHealthChecker_Readiness_StorageDegraded(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	os.WriteFile(blocker, []byte("x"), 0644)

	store, _ := storage.Open(storage.Options{Path: filepath.Join(blocker, "assets.db"), Logger: zap.NewNop()})
	defer store.Close()

	status := NewHealthChecker(nil, store, nil).Readiness()
	if !status.OK {
		t.Fatal("degraded storage must not fail readiness")
	}
	if len(status.Checks) != 1 || status.Checks[0].Status != "degraded" {
		t.Fatalf("expected a degraded storage check, got %+v", status.Checks)
	}
}

func TestHealthChecker_Readiness_NilDeps(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil)
	status := checker.Readiness()
	if !status.OK {
		t.Fatal("expected readiness OK=true with nil dependencies (no checks fail)")
	}
}

func TestHealthMux_Endpoints(t *testing.T) {
	checker := NewHealthChecker(nil, newTestStorage(t), nil)
	mux := HealthMux(config.HealthConfig{}, checker)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("liveness: expected 200, got %d", w.Code)
	}
	var liveResp HealthStatus
	json.Unmarshal(w.Body.Bytes(), &liveResp)
	if !liveResp.OK {
		t.Fatal("liveness response should have OK=true")
	}

	req = httptest.NewRequest("GET", "/readyz", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("readiness: expected 200, got %d", w.Code)
	}
	var readyResp HealthStatus
	json.Unmarshal(w.Body.Bytes(), &readyResp)
	if !readyResp.OK {
		t.Fatalf("readiness response should have OK=true, checks: %+v", readyResp.Checks)
	}
}
