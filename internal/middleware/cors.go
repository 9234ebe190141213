package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// corsHeaders are set on every proxy response, errors included, so that a
// browser player can read status, diagnostics and range headers.
var corsHeaders = [][2]string{
	{"Access-Control-Allow-Origin", "*"},
	{"Access-Control-Allow-Headers", "*"},
	{"Access-Control-Allow-Methods", "GET, HEAD, OPTIONS"},
	{"Access-Control-Expose-Headers", "Content-Type, Content-Length, Accept-Ranges, Content-Range, X-Proxy-Error"},
}

// CORS returns an Echo middleware that opens the route to any origin.
// Headers are set before the handler runs because streamed responses commit
// their headers with the first body chunk.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			setCORSHeaders(c.Response().Header())
			return next(c)
		}
	}
}

func setCORSHeaders(h http.Header) {
	for _, kv := range corsHeaders {
		h.Set(kv[0], kv[1])
	}
}
