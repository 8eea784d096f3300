// Package handler holds the Echo handlers of the gateway and their route wiring.
package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"securechain-gateway/internal/config"
	"securechain-gateway/internal/model"
	"securechain-gateway/internal/service"
)

// ProxyHandler relays requests under a service prefix to that service.
type ProxyHandler struct {
	forwarder *service.Forwarder
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(f *service.Forwarder, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		forwarder: f,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Route returns the handler for one service. The prefix is stripped from the
// escaped request path and the remainder is forwarded to the service base URL.
func (h *ProxyHandler) Route(svc config.ServiceConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		body, err := io.ReadAll(req.Body)
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			h.logger.Warn("reading request body", "err", err, "service", svc.Name)
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
		}

		in := &model.InboundRequest{
			Method:   req.Method,
			Path:     strings.TrimPrefix(req.URL.EscapedPath(), svc.Prefix),
			RawQuery: req.URL.RawQuery,
			Header:   req.Header.Clone(),
			Body:     body,
		}

		return writeResponse(c, h.forwarder.Forward(req.Context(), in, svc.BaseURL))
	}
}

// writeResponse copies resp onto the Echo response. Upstream headers replace
// any header of the same name already set by middleware. A response without
// Content-Type is relayed without one instead of being sniffed by net/http.
func writeResponse(c echo.Context, resp *model.ClientResponse) error {
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst.Del(key)
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	if _, ok := resp.Header[echo.HeaderContentType]; !ok {
		dst[echo.HeaderContentType] = nil
	}

	c.Response().WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 {
		return nil
	}
	_, err := c.Response().Write(resp.Body)
	return err
}
