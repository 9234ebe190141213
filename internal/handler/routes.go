package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hls-proxy/internal/config"
	"hls-proxy/internal/metrics"
	"hls-proxy/internal/middleware"
)

// proxyMethods are the methods accepted on the proxy endpoint.
var proxyMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}

// RegisterRoutes wires all route handlers onto the Echo instance. m may be
// nil, in which case no metrics endpoint is exposed.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	e.Match(proxyMethods, cfg.Proxy.Path, proxy.Handle, middleware.CORS())

	if m != nil && cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
