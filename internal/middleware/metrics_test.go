package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"

	"hls-proxy/internal/metrics"
)

// requestLabels returns the label sets of hls_proxy_http_requests_total
// together with their counter values.
func requestLabels(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var out []map[string]string
	for _, f := range families {
		if f.GetName() != "hls_proxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			labels["value"] = strconv.FormatFloat(metric.GetCounter().GetValue(), 'f', -1, 64)
			out = append(out, labels)
		}
	}
	return out
}

func newMetricsEcho(m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.Use(MetricsMiddleware(m, metrics.NewPathNormalizer("/proxy", "/healthz")))
	return e
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()
	e := newMetricsEcho(m)
	e.GET("/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/proxy?url=http%3A%2F%2Forigin%2Fseg.ts", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	for _, labels := range requestLabels(t, m) {
		if labels["path_prefix"] == "/proxy" {
			if labels["value"] != "1" {
				t.Errorf("counter value = %s, want 1", labels["value"])
			}
			return
		}
	}
	t.Error("expected hls_proxy_http_requests_total with path_prefix=/proxy")
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()
	e := newMetricsEcho(m)
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	for _, f := range families {
		if f.GetName() == "hls_proxy_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					return
				}
			}
		}
	}
	t.Error("expected hls_proxy_http_request_duration_seconds with at least one sample")
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()
	e := newMetricsEcho(m)
	e.GET("/proxy", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTooManyRequests, "slow down")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody))

	for _, labels := range requestLabels(t, m) {
		if labels["path_prefix"] == "/proxy" {
			if labels["status_code"] != "429" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "429")
			}
			return
		}
	}
	t.Error("expected hls_proxy_http_requests_total with path_prefix=/proxy")
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()
	e := newMetricsEcho(m)
	e.Any("/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("XYZZY", "/proxy", http.NoBody))

	for _, labels := range requestLabels(t, m) {
		if labels["path_prefix"] == "/proxy" {
			if labels["method"] != "other" {
				t.Errorf("method = %q, want %q", labels["method"], "other")
			}
			return
		}
	}
	t.Error("expected hls_proxy_http_requests_total with path_prefix=/proxy and method=other")
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()
	e := newMetricsEcho(m)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nonexistent", http.NoBody))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	for _, labels := range requestLabels(t, m) {
		if labels["path_prefix"] == "other" && labels["method"] == "GET" {
			if labels["status_code"] != "404" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "404")
			}
			return
		}
	}
	t.Error("expected hls_proxy_http_requests_total with path_prefix=other, method=GET, status_code=404")
}
