package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"securechain-gateway/internal/client"
	"securechain-gateway/internal/config"
	"securechain-gateway/internal/handler"
	"securechain-gateway/internal/metrics"
	"securechain-gateway/internal/middleware"
	"securechain-gateway/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("securechain-gateway"),
		kong.Description("API gateway for the Secure Chain services."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			client.NewUpstreamClient,
			service.NewForwarder,
			service.NewAggregator,
			service.NewSchemaService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewOpenAPIHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer, warmSchema),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newMetrics labels requests by service prefix in addition to the gateway routes.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	prefixes := make([]string, 0, len(cfg.Services)+1)
	for _, s := range cfg.Services {
		prefixes = append(prefixes, s.Prefix)
	}
	if cfg.Metrics.Enabled {
		prefixes = append(prefixes, cfg.Metrics.Path)
	}
	return metrics.New(prefixes...)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// Client IPs come from the socket; forwarding headers are not trusted.
	e.IPExtractor = echo.ExtractIPDirect()

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Upstream responses are buffered, so the write deadline only needs to
	// cover the upstream timeout plus the relay itself.
	e.Server.WriteTimeout = time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second + 30*time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if origins := cfg.Server.CORS.AllowedOrigins; len(origins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins:     origins,
			AllowMethods:     append([]string{http.MethodHead, http.MethodOptions}, handler.ProxyMethods...),
			AllowCredentials: cfg.Server.CORS.AllowCredentials,
		}))
		logger.Info("CORS enabled", "origins", origins)
	}

	if cfg.Server.RateLimit.Enabled {
		logger.Info("rate limiter enabled",
			"health_per_minute", cfg.Server.RateLimit.HealthPerMinute,
			"proxy_per_minute", cfg.Server.RateLimit.ProxyPerMinute,
		)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// warmSchema builds the merged OpenAPI document in the background at startup
// so the first /openapi.json request is served from cache.
func warmSchema(lc fx.Lifecycle, schemas *service.SchemaService) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go schemas.Document(context.Background())
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "services", len(cfg.Services))
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
