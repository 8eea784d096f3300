package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"securechain-gateway/internal/config"
	"securechain-gateway/internal/metrics"
	"securechain-gateway/internal/middleware"
)

// ProxyMethods are the HTTP methods relayed to backends.
var ProxyMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
}

// RegisterRoutes wires all route handlers onto the Echo instance. Health and
// proxy routes get separate per-IP budgets when rate limiting is enabled; each
// service prefix has its own budget.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, docs *OpenAPIHandler, m *metrics.Metrics) {
	rl := cfg.Server.RateLimit

	var healthMW []echo.MiddlewareFunc
	if rl.Enabled {
		healthMW = append(healthMW, middleware.RateLimit(rl.HealthPerMinute))
	}
	e.GET("/health", health.Health, healthMW...)
	e.GET("/gateway/status", health.Status)

	e.GET("/openapi.json", docs.JSON)
	e.GET("/openapi.yaml", docs.YAML)

	for _, svc := range cfg.Services {
		var mw []echo.MiddlewareFunc
		if rl.Enabled {
			mw = append(mw, middleware.RateLimit(rl.ProxyPerMinute))
		}
		h := proxy.Route(svc)
		e.Match(ProxyMethods, svc.Prefix, h, mw...)
		e.Match(ProxyMethods, svc.Prefix+"/*", h, mw...)
	}

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
