package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"securechain-gateway/internal/metrics"
)

const requestsTotal = "securechain_gateway_http_requests_total"

// findSeries returns the first series of family name whose labels include want.
func findSeries(t *testing.T, m *metrics.Metrics, name string, want map[string]string) *dto.Metric {
	t.Helper()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	series:
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue series
				}
			}
			return metric
		}
	}
	return nil
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, http.NoBody))
	return rec
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New("/auth", "/depex")

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/auth/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if rec := serve(e, http.MethodGet, "/auth/login"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	series := findSeries(t, m, requestsTotal, map[string]string{"path_prefix": "/auth"})
	if series == nil {
		t.Fatal("expected requests_total with path_prefix=/auth")
	}
	if v := series.GetCounter().GetValue(); v != 1 {
		t.Errorf("counter value = %v, want 1", v)
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, http.MethodGet, "/health")

	series := findSeries(t, m, "securechain_gateway_http_request_duration_seconds",
		map[string]string{"path_prefix": "/health"})
	if series == nil || series.GetHistogram().GetSampleCount() == 0 {
		t.Error("expected request_duration_seconds with at least one sample for /health")
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New("/vexgen")

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/vexgen/*", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "bad")
	})

	serve(e, http.MethodGet, "/vexgen/generate")

	series := findSeries(t, m, requestsTotal, map[string]string{"path_prefix": "/vexgen"})
	if series == nil {
		t.Fatal("expected requests_total with path_prefix=/vexgen")
	}
	for _, lp := range series.GetLabel() {
		if lp.GetName() == "status_code" && lp.GetValue() != "400" {
			t.Errorf("status_code = %q, want %q", lp.GetValue(), "400")
		}
	}
}

func TestMetricsMiddleware_ProxiedStatus(t *testing.T) {
	m := metrics.New("/depex")

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.POST("/depex/*", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusBadGateway)
		_, err := c.Response().Write([]byte(`{"code":"internal_error"}`))
		return err
	})

	serve(e, http.MethodPost, "/depex/graph")

	want := map[string]string{"path_prefix": "/depex", "method": "POST", "status_code": "502"}
	if findSeries(t, m, requestsTotal, want) == nil {
		t.Error("expected requests_total with path_prefix=/depex, method=POST, status_code=502")
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New("/auth")

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/auth/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, "XYZZY", "/auth/test")

	if findSeries(t, m, requestsTotal, map[string]string{"path_prefix": "/auth", "method": "other"}) == nil {
		t.Error("expected requests_total with path_prefix=/auth and method=other")
	}
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New("/auth")

	e := echo.New()
	e.Use(MetricsMiddleware(m))

	if rec := serve(e, http.MethodGet, "/authors/1"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	want := map[string]string{"path_prefix": "other", "method": "GET", "status_code": "404"}
	if findSeries(t, m, requestsTotal, want) == nil {
		t.Error("expected requests_total with path_prefix=other, method=GET, status_code=404")
	}
}
