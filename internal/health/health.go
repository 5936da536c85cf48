// Package health provides health check and readiness probe HTTP handlers.
// Liveness is unconditional; readiness checks the shared store and the
// platform backend, the two dependencies the pipeline cannot run without.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xiaoxin/api-gateway/internal/platform"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const (
	readinessCacheTTL = 5 * time.Second
	checkTimeout      = 2 * time.Second
)

// Handler provides /health and /ready endpoints.
type Handler struct {
	rdb    *redis.Client
	users  platform.UserService
	logger *slog.Logger

	// Cached readiness result so /ready polls do not hammer the
	// dependencies. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health Handler.
func New(rdb *redis.Client, users platform.UserService, logger *slog.Logger) *Handler {
	return &Handler{rdb: rdb, users: users, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

type dependencyStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	OK     bool   `json:"ok"`
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	checks := []dependencyStatus{
		h.checkRedis(ctx),
		h.checkPlatform(ctx),
	}

	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
			h.logger.Warn("readiness check failed", "dependency", c.Name, "status", c.Status)
		}
	}

	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}

	body, _ := json.Marshal(map[string]any{
		"ready":        allOK,
		"dependencies": checks,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = status
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (h *Handler) checkRedis(ctx context.Context) dependencyStatus {
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		return dependencyStatus{Name: "redis", Status: err.Error(), OK: false}
	}
	return dependencyStatus{Name: "redis", Status: "ok", OK: true}
}

// checkPlatform probes the backend with a lookup for a key that cannot
// exist. A clean "not found" answer proves the backend is reachable.
func (h *Handler) checkPlatform(ctx context.Context) dependencyStatus {
	if _, err := h.users.GetInvokeUser(ctx, "__readiness_probe__"); err != nil {
		return dependencyStatus{Name: "platform", Status: err.Error(), OK: false}
	}
	return dependencyStatus{Name: "platform", Status: "ok", OK: true}
}
