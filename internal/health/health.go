// Package health exposes the process's liveness over HTTP: a JSON
// health endpoint reporting database connectivity, the DevLink3
// connection's subscribed state, and per-component counters, plus the
// Prometheus scrape endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/ipo-telemetry/internal/correlate"
	"github.com/snarg/ipo-telemetry/internal/database"
	"github.com/snarg/ipo-telemetry/internal/devlink3"
	"github.com/snarg/ipo-telemetry/internal/mqttclient"
	"github.com/snarg/ipo-telemetry/internal/resolver"
)

// Sources is the set of components the health endpoint reports on.
// mqtt may be nil (broker mirroring disabled).
type Sources struct {
	DB         *database.DB
	MQTT       *mqttclient.Client
	DevLink3   *devlink3.Connection
	Correlator *correlate.Engine
	Resolver   *resolver.Resolver
	Collector  prometheus.Collector
	Version    string
	StartTime  time.Time
}

// Response is the JSON body served at /healthz.
type Response struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Correlation   correlate.Stats   `json:"correlation"`
	Resolver      resolver.Stats    `json:"resolver"`
}

// Handler serves the health and metrics endpoints.
type Handler struct {
	src Sources
	log zerolog.Logger
}

// NewHandler builds a Handler bound to the given component sources.
func NewHandler(src Sources, log zerolog.Logger) *Handler {
	return &Handler{src: src, log: log}
}

// Routes mounts /healthz and /metrics on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.serveHealth)
	if h.src.Collector != nil {
		prometheus.MustRegister(h.src.Collector)
	}
	r.Handle("/metrics", promhttp.Handler())
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.src.DB.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	switch h.src.DevLink3.State() {
	case devlink3.StateSubscribed:
		checks["devlink3"] = "subscribed"
	case devlink3.StateClosed:
		checks["devlink3"] = "closed"
		if status == "healthy" {
			status = "degraded"
		}
	default:
		checks["devlink3"] = h.src.DevLink3.State().String()
		if status == "healthy" {
			status = "degraded"
		}
	}

	if h.src.MQTT != nil {
		if h.src.MQTT.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := Response{
		Status:        status,
		Version:       h.src.Version,
		UptimeSeconds: int64(time.Since(h.src.StartTime).Seconds()),
		Checks:        checks,
		Correlation:   h.src.Correlator.Stats(),
		Resolver:      h.src.Resolver.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error().Err(err).Msg("health: failed to encode response")
	}
}
