package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimit returns an Echo middleware that limits each client IP to rps
// requests per second.
//
// Rejections carry the CORS headers themselves: the limiter runs before the
// proxy route's middleware, and a player cannot read a 429 without them.
func RateLimit(rps float64) echo.MiddlewareFunc {
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: echomw.NewRateLimiterMemoryStore(rate.Limit(rps)),
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			h := c.Response().Header()
			setCORSHeaders(h)
			h.Set("X-Proxy-Error", "Too many requests")
			return c.String(http.StatusTooManyRequests, "Too many requests")
		},
	})
}
