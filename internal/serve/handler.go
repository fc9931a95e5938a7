package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/config"
	"github.com/gftdcojp/asset-stream-cache/internal/fetch"
	"github.com/gftdcojp/asset-stream-cache/internal/storage"
	"github.com/gftdcojp/asset-stream-cache/internal/tier"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"github.com/gftdcojp/asset-stream-cache/internal/viewer"
	"go.uber.org/zap"
)

// Viewer is the part of viewer.Controller exposed over the API.
type Viewer interface {
	RequestAsset(ctx context.Context, collection types.Collection, key string, t types.TierID) *fetch.Future
	ReportViewingDistance(distance float64) (tier.Decision, bool)
	CacheStats() viewer.Stats
	TierState() viewer.TierState
	Clear(ctx context.Context, collection types.Collection) error
}

type handler struct {
	viewer Viewer
	logger *zap.Logger
}

// DistanceRequest is the body of POST /v1/distance.
type DistanceRequest struct {
	Distance *float64 `json:"distance"`
}

// DistanceResponse reports the selector's reaction to a distance sample.
type DistanceResponse struct {
	Changed bool             `json:"changed"`
	From    string           `json:"from,omitempty"`
	To      string           `json:"to,omitempty"`
	Tier    viewer.TierState `json:"tier"`
}

// NewHandler returns the API routes.
func NewHandler(v Viewer, logger *zap.Logger) http.Handler {
	h := &handler{viewer: v, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/stats", h.handleStats)
	mux.HandleFunc("GET /v1/tier", h.handleTier)
	mux.HandleFunc("GET /v1/assets/{collection}/{key}/{tier}", h.handleGetAsset)
	mux.HandleFunc("POST /v1/distance", h.handleDistance)
	mux.HandleFunc("DELETE /v1/cache/{collection}", h.handleClear)
	return mux
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, v Viewer, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(v, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.viewer.CacheStats()
	status := "ok"
	if stats.Degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"in_flight": stats.InFlight,
		"tier":      stats.Tier.Current,
	})
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.viewer.CacheStats())
}

func (h *handler) handleTier(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.viewer.TierState())
}

func (h *handler) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	collection, err := types.ParseCollection(r.PathValue("collection"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	t, err := types.ParseTier(r.PathValue("tier"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	fut := h.viewer.RequestAsset(r.Context(), collection, r.PathValue("key"), t)
	rec, err := fut.Wait(r.Context())
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Warn("asset request failed", zap.String("ref", fut.Ref().String()), zap.Error(err))
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(rec.SizeBytes, 10))
	w.Header().Set("X-Asset-Tier", rec.Tier.String())
	w.Header().Set("X-Asset-Checksum", strconv.FormatUint(rec.Checksum, 16))
	w.Header().Set("X-Asset-Cached", strconv.FormatBool(rec.Cached))
	w.WriteHeader(http.StatusOK)
	w.Write(rec.Payload)
}

func (h *handler) handleDistance(w http.ResponseWriter, r *http.Request) {
	var req DistanceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Distance == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "distance is required"})
		return
	}

	d, changed := h.viewer.ReportViewingDistance(*req.Distance)
	resp := DistanceResponse{Changed: changed, Tier: h.viewer.TierState()}
	if changed {
		resp.From = d.From.String()
		resp.To = d.To.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleClear(w http.ResponseWriter, r *http.Request) {
	collection := types.Collection(r.PathValue("collection"))
	if err := h.viewer.Clear(r.Context(), collection); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrUnknownCollection) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	h.logger.Info("collection cleared via API", zap.String("collection", collection.String()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "collection": collection.String()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fetch.ErrInvalidRef):
		return http.StatusBadRequest
	case errors.Is(err, fetch.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, fetch.ErrFetchExhausted):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
