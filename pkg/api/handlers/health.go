package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/storage"
)

// healthCheckTimeout bounds one readiness sweep over the backends.
const healthCheckTimeout = 5 * time.Second

var errNotConfigured = errors.New("not configured")

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	meta  *metadata.Store
	cache storage.CacheStore
	nas   storage.NASStore
}

// NewHealthHandler creates the handler. Any dependency may be nil, in which
// case readiness reports it unhealthy.
func NewHealthHandler(meta *metadata.Store, cache storage.CacheStore, nas storage.NASStore) *HealthHandler {
	return &HealthHandler{meta: meta, cache: cache, nas: nas}
}

// Liveness handles GET /health. It succeeds as long as the process serves
// requests.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"service": "tierfs"},
	})
}

// componentHealth is one backend's probe result.
type componentHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Readiness handles GET /health/ready: the metadata store, the cache backend
// and the NAS mount are each probed, and any failure answers 503 with the
// per-component detail.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := []struct {
		name  string
		probe func(context.Context) error
	}{
		{"metadata", h.probeMeta},
		{"cache", h.probeCache},
		{"nas", h.probeNAS},
	}

	components := make([]componentHealth, 0, len(checks))
	allHealthy := true

	for _, c := range checks {
		start := time.Now()
		err := c.probe(ctx)

		health := componentHealth{
			Name:    c.name,
			Status:  "healthy",
			Latency: time.Since(start).String(),
		}
		if err != nil {
			health.Status = "unhealthy"
			health.Error = err.Error()
			allHealthy = false
		}
		components = append(components, health)
	}

	status := "healthy"
	code := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, Response{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"components": components},
	})
}

func (h *HealthHandler) probeMeta(ctx context.Context) error {
	if h.meta == nil {
		return errNotConfigured
	}
	return h.meta.HealthCheck(ctx)
}

func (h *HealthHandler) probeCache(ctx context.Context) error {
	if h.cache == nil {
		return errNotConfigured
	}
	return h.cache.HealthCheck(ctx)
}

func (h *HealthHandler) probeNAS(ctx context.Context) error {
	if h.nas == nil {
		return errNotConfigured
	}
	return h.nas.HealthCheck(ctx)
}
