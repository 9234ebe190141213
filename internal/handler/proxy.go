package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"hls-proxy/internal/client"
	"hls-proxy/internal/config"
	"hls-proxy/internal/metrics"
	"hls-proxy/internal/middleware"
	"hls-proxy/internal/model"
	"hls-proxy/internal/resolve"
	"hls-proxy/internal/service"
	"hls-proxy/internal/target"
)

// maxErrorHeader bounds the X-Proxy-Error header value.
const maxErrorHeader = 220

var lineBreaks = regexp.MustCompile(`[\r\n]+`)

// ProxyHandler serves the single proxy endpoint.
type ProxyHandler struct {
	service   *service.ProxyService
	validator *target.Validator
	base      *resolve.ProxyBase // nil: derive from each request
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. When proxy.public_base_url is set,
// rewritten manifests point at it; otherwise at the address the request came
// in on. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, v *target.Validator, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyHandler, error) {
	h := &ProxyHandler{
		service:   svc,
		validator: v,
		logger:    logger.With("component", "proxy_handler"),
		metrics:   m,
	}
	if cfg.Proxy.PublicBaseURL != "" {
		b, err := resolve.ParseProxyBase(cfg.Proxy.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		h.base = &b
	}
	return h, nil
}

// Handle validates the url parameter and relays the target.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	if req.Method == http.MethodOptions {
		return c.NoContent(http.StatusNoContent)
	}

	raw := req.URL.Query().Get("url")
	targetURL, err := h.validator.Validate(raw)
	if err != nil {
		h.recordRejected(err)
		return h.mapError(c, err)
	}
	if u, err := url.Parse(targetURL); err == nil {
		c.Set(middleware.TargetHostKey, u.Host)
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Target: targetURL,
		Range:  req.Header.Get("Range"),
		Base:   h.proxyBase(c),
	}

	err = h.service.Serve(c.Response(), pr)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrClientGone):
		h.logger.Debug("client went away", "target_host", c.Get(middleware.TargetHostKey), "err", err)
		return nil
	case errors.Is(err, service.ErrStreamAborted):
		// Headers are out; the only signal left is a broken connection.
		h.logger.Warn("stream aborted", "target_host", c.Get(middleware.TargetHostKey), "err", err)
		panic(http.ErrAbortHandler)
	default:
		return h.mapError(c, err)
	}
}

func (h *ProxyHandler) proxyBase(c echo.Context) resolve.ProxyBase {
	if h.base != nil {
		return *h.base
	}
	req := c.Request()
	return resolve.ProxyBase{
		Scheme: c.Scheme(),
		Host:   req.Host,
		Path:   req.URL.EscapedPath(),
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, msg := classify(err)

	if status >= http.StatusInternalServerError {
		h.logger.Error("proxy error", "status", status, "err", err)
	} else {
		h.logger.Debug("target rejected", "status", status, "err", err)
	}

	if safe := strings.TrimSpace(lineBreaks.ReplaceAllString(msg, " ")); safe != "" {
		if len(safe) > maxErrorHeader {
			safe = safe[:maxErrorHeader]
		}
		c.Response().Header().Set("X-Proxy-Error", safe)
	}
	return c.String(status, msg)
}

// classify maps err to a status code and a short diagnostic for the client.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, target.ErrMissingTarget):
		return http.StatusBadRequest, "Missing ?url= parameter"
	case errors.Is(err, target.ErrUnsupportedScheme):
		return http.StatusBadRequest, "Only http/https allowed"
	case errors.Is(err, target.ErrInvalidURL):
		return http.StatusBadRequest, "Invalid URL"
	case errors.Is(err, target.ErrBlockedHost):
		return http.StatusForbidden, "Blocked host"
	case errors.Is(err, service.ErrProxyMisconfigured):
		return http.StatusInternalServerError, "Proxy misconfigured: outbound HTTP client unavailable"
	case errors.Is(err, client.ErrUpstreamTimeout):
		return http.StatusBadGateway, "Upstream timed out"
	default:
		return http.StatusBadGateway, "Upstream fetch failed: " + err.Error()
	}
}

func (h *ProxyHandler) recordRejected(err error) {
	if h.metrics == nil {
		return
	}
	reason := "invalid_url"
	switch {
	case errors.Is(err, target.ErrMissingTarget):
		reason = "missing_target"
	case errors.Is(err, target.ErrUnsupportedScheme):
		reason = "unsupported_scheme"
	case errors.Is(err, target.ErrBlockedHost):
		reason = "blocked_host"
	}
	h.metrics.RejectedTargets.WithLabelValues(reason).Inc()
}
