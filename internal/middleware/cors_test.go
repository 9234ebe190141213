package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestCORS_SetsHeaders(t *testing.T) {
	e := echo.New()
	e.Use(CORS())
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusBadRequest, "nope")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	want := map[string]string{
		"Access-Control-Allow-Origin":   "*",
		"Access-Control-Allow-Headers":  "*",
		"Access-Control-Allow-Methods":  "GET, HEAD, OPTIONS",
		"Access-Control-Expose-Headers": "Content-Type, Content-Length, Accept-Ranges, Content-Range, X-Proxy-Error",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestCORS_HeadersPresentOnStreamedResponse(t *testing.T) {
	e := echo.New()
	e.Use(CORS())
	e.GET("/stream", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		_, err := c.Response().Write([]byte("chunk"))
		return err
	})

	req := httptest.NewRequest(http.MethodGet, "/stream", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
}
