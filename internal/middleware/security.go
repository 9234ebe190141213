package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns an Echo middleware that adds security headers to
// every response.
//
// Inbound headers are left alone: the proxy builds its upstream requests from
// scratch and copies nothing from the client except Range.
//
// The headers are set before the handler runs; a relayed stream commits its
// headers with the first chunk and anything set afterwards is lost.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")

			return next(c)
		}
	}
}
