package handler

import (
	"context"
	"net/http"
	"time"

	"verifyd/internal/provider"
	"verifyd/pkg/domain"
	"verifyd/pkg/logger"
)

// Pinger is a dependency the health check probes, such as the database or Redis.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// ProviderHealth reports adapter health.
type ProviderHealth interface {
	HealthCheckAll(ctx context.Context) map[string]provider.HealthStatus
}

// QueueStats reports job counts by state.
type QueueStats interface {
	Counts(ctx context.Context) (map[domain.JobState]int, error)
}

type SystemHandler struct {
	deps      map[string]Pinger
	providers ProviderHealth
	queue     QueueStats
	logger    logger.Logger
	startTime time.Time
	timeout   time.Duration
}

func NewSystemHandler(deps map[string]Pinger, providers ProviderHealth, queue QueueStats, log logger.Logger) *SystemHandler {
	return &SystemHandler{
		deps:      deps,
		providers: providers,
		queue:     queue,
		logger:    log,
		startTime: time.Now(),
		timeout:   3 * time.Second,
	}
}

type ServiceStatus struct {
	Status    string `json:"status"` // operational, degraded, outage
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type HealthResponse struct {
	Status        string                           `json:"status"`
	UptimeSeconds int64                            `json:"uptime_seconds"`
	Dependencies  map[string]ServiceStatus         `json:"dependencies"`
	Providers     map[string]provider.HealthStatus `json:"providers"`
	Queue         map[domain.JobState]int          `json:"queue,omitempty"`
}

// Health reports dependency, provider and queue state. A failing dependency
// makes the whole service unavailable; an unhealthy provider only degrades it.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := HealthResponse{
		Status:        "operational",
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Dependencies:  make(map[string]ServiceStatus, len(h.deps)),
	}

	for name, dep := range h.deps {
		start := time.Now()
		err := dep.PingContext(ctx)
		status := ServiceStatus{Status: "operational", LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			status.Status = "outage"
			status.Error = err.Error()
			resp.Status = "outage"
			h.logger.Error("Health check failed", map[string]interface{}{"dependency": name, "error": err.Error()})
		}
		resp.Dependencies[name] = status
	}

	if h.providers != nil {
		resp.Providers = h.providers.HealthCheckAll(ctx)
		for name, p := range resp.Providers {
			if !p.IsHealthy {
				h.logger.Warn("Provider unhealthy", map[string]interface{}{"provider": name, "error": p.Error})
				if resp.Status == "operational" {
					resp.Status = "degraded"
				}
			}
		}
	}

	if h.queue != nil {
		counts, err := h.queue.Counts(ctx)
		if err != nil {
			h.logger.Warn("Failed to read queue counts", map[string]interface{}{"error": err.Error()})
		} else {
			resp.Queue = counts
		}
	}

	status := http.StatusOK
	if resp.Status == "outage" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, h.logger, status, resp)
}
