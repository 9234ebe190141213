package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"hls-proxy/internal/metrics"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write([]byte("segment"))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Metrics.Enabled = true
	m := metrics.New()
	proxy := newTestHandler(t, cfg, m)
	health := NewHealthHandler(cfg, "test")

	e := echo.New()
	RegisterRoutes(e, cfg, proxy, health, m)

	target := "/proxy?url=" + upstream.URL + "/seg.ts"
	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /status", http.MethodGet, "/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"GET /proxy", http.MethodGet, target, http.StatusOK},
		{"HEAD /proxy", http.MethodHead, target, http.StatusOK},
		{"OPTIONS /proxy", http.MethodOptions, "/proxy?url=anything", http.StatusNoContent},
		{"POST /proxy not allowed", http.MethodPost, target, http.StatusMethodNotAllowed},
		{"GET /unknown", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	e := echo.New()
	RegisterRoutes(e, cfg, newTestHandler(t, cfg, nil), NewHealthHandler(cfg, "test"), nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRegisterRoutes_CustomProxyPathAndCORS(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.Path = "/p"
	e := echo.New()
	RegisterRoutes(e, cfg, newTestHandler(t, cfg, nil), NewHealthHandler(cfg, "test"), nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p", http.NoBody))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q on error responses", got, "*")
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "url") {
		t.Errorf("body = %q, want mention of the url parameter", body)
	}
}
