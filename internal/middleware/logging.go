// Package middleware provides Echo middleware for logging, metrics, CORS and
// security headers.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// TargetHostKey is the echo.Context key under which the proxy handler stores
// the upstream host of the request. Only the host is logged: full target URLs
// often carry signed tokens.
const TargetHostKey = "target_host"

// RequestLogger returns an Echo middleware that logs each request with slog.
// Upstream failures (5xx) are logged at error level, rejected targets (4xx)
// at warn level.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if host, ok := c.Get(TargetHostKey).(string); ok && host != "" {
				attrs = append(attrs, "target_host", host)
			}
			if r := req.Header.Get("Range"); r != "" {
				attrs = append(attrs, "range", r)
			}

			logger.Log(context.Background(), levelFor(res.Status), "request", attrs...)

			return err
		}
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
