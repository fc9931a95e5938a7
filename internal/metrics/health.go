package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/config"
	"github.com/gftdcojp/asset-stream-cache/pkg/s3util"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StorageProbe is the part of the storage engine the health checker needs.
type StorageProbe interface {
	Ping() error
	Degraded() bool
}

// HealthChecker runs health probes.
type HealthChecker struct {
	natsConn *nats.Conn
	storage  StorageProbe
	s3Client *s3util.Client
}

// NewHealthChecker creates a new health checker. Nil dependencies are skipped.
func NewHealthChecker(nc *nats.Conn, storage StorageProbe, s3Client *s3util.Client) *HealthChecker {
	return &HealthChecker{
		natsConn: nc,
		storage:  storage,
		s3Client: s3Client,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can handle requests. A degraded storage
// engine is reported but does not fail readiness.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	if h.natsConn != nil {
		if !h.natsConn.IsConnected() {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "disconnected"})
		} else {
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "connected"})
		}
	}

	if h.storage != nil {
		switch err := h.storage.Ping(); {
		case err != nil:
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "storage", Status: "error", Error: err.Error()})
		case h.storage.Degraded():
			status.Checks = append(status.Checks, Check{Name: "storage", Status: "degraded"})
		default:
			status.Checks = append(status.Checks, Check{Name: "storage", Status: "ok"})
		}
	}

	if h.s3Client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.s3Client.Ping(ctx); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "s3", Status: "error", Error: err.Error()})
		} else {
			status.Checks = append(status.Checks, Check{Name: "s3", Status: "ok"})
		}
	}

	return status
}

// HealthMux builds the liveness and readiness routes.
func HealthMux(cfg config.HealthConfig, checker *HealthChecker) *http.ServeMux {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, statusHandler(checker.Liveness))
	mux.HandleFunc(readinessPath, statusHandler(checker.Readiness))
	return mux
}

func statusHandler(probe func() HealthStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := probe()
		code := http.StatusOK
		if !status.OK {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	}
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: HealthMux(cfg, checker),
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
