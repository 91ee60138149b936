package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tonkeeper/ssestream/internal"
)

type HealthChecker interface {
	HealthCheck() error
}

// HealthManager caches the result of periodic storage checks.
type HealthManager struct {
	healthy atomic.Bool
}

func NewHealthManager() *HealthManager {
	return &HealthManager{}
}

func (h *HealthManager) Healthy() bool {
	return h.healthy.Load()
}

func (h *HealthManager) UpdateHealthStatus(storage HealthChecker) {
	healthy := storage.HealthCheck() == nil
	h.healthy.Store(healthy)

	status := 0.0
	if healthy {
		status = 1
	}
	HealthMetric.Set(status)
	ReadyMetric.Set(status)
}

// StartHealthMonitoring checks storage every interval until ctx ends.
func (h *HealthManager) StartHealthMonitoring(ctx context.Context, storage HealthChecker, interval time.Duration) {
	h.UpdateHealthStatus(storage)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.UpdateHealthStatus(storage)
		}
	}
}

func (h *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Build-Commit", internal.VersionRevision)

	status, body := http.StatusOK, `{"status":"ok"}`
	if !h.Healthy() {
		status, body = http.StatusServiceUnavailable, `{"status":"unhealthy"}`
	}
	w.WriteHeader(status)
	if _, err := fmt.Fprintln(w, body); err != nil {
		log.Errorf("health response write error: %v", err)
	}
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Build-Commit", internal.VersionRevision)

	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "{\"version\":%q}\n", internal.VersionRevision); err != nil {
		log.Errorf("version response write error: %v", err)
	}
}
