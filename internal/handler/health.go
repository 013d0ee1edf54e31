package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"fuseplane-relay/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse never includes the secret itself.
type statusResponse struct {
	Status           string   `json:"status"`
	Version          string   `json:"version"`
	GatewayURL       string   `json:"gateway_url"`
	GatewayPrefix    string   `json:"gateway_path_prefix"`
	Routes           []string `json:"routes"`
	SecretConfigured bool     `json:"secret_configured"`
	DevPassthrough   bool     `json:"dev_passthrough"`
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:           "ok",
		Version:          string(h.version),
		GatewayURL:       h.cfg.Gateway.BaseURL,
		GatewayPrefix:    h.cfg.Gateway.PathPrefix,
		Routes:           h.cfg.Server.Routes,
		SecretConfigured: h.cfg.Gateway.HasSecret(),
		DevPassthrough:   h.cfg.Dev.Enabled,
	})
}
