package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"hls-proxy/internal/config"
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

// Healthz answers liveness probes in plain text.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "OK - HLS proxy running")
}

// Status reports the build version and how the proxy endpoint is set up.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":              "ok",
		"version":             string(h.version),
		"proxy_path":          h.cfg.Proxy.Path,
		"public_base_url":     h.cfg.Proxy.PublicBaseURL,
		"detect_content_type": h.cfg.Proxy.DetectContentType,
		"uri_tags":            h.cfg.Manifest.URITags,
	})
}
