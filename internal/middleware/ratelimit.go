package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// directIP is the socket peer address. Client-supplied X-Forwarded-For and
// X-Real-IP headers are ignored so a client cannot pick its own budget.
var directIP = echo.ExtractIPDirect()

// RateLimit returns a per-client-IP limiter allowing perMinute requests per
// minute with a burst of perMinute. Clients are keyed by peer address. Each
// call owns a separate store, so every route group gets its own budget.
// Rejected requests get 429 before the handler runs.
func RateLimit(perMinute int) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(perMinute) / 60),
		Burst:     perMinute,
		ExpiresIn: 3 * time.Minute,
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return directIP(c.Request()), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"code": "rate_limit_exceeded",
			})
		},
	})
}
