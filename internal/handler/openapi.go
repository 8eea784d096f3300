package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"gopkg.in/yaml.v3"

	"securechain-gateway/internal/service"
)

// OpenAPIHandler serves the merged OpenAPI document.
type OpenAPIHandler struct {
	schemas *service.SchemaService
	logger  *slog.Logger
}

// NewOpenAPIHandler creates an OpenAPIHandler.
func NewOpenAPIHandler(s *service.SchemaService, logger *slog.Logger) *OpenAPIHandler {
	return &OpenAPIHandler{
		schemas: s,
		logger:  logger.With("component", "openapi_handler"),
	}
}

// JSON serves the merged document, or the placeholder when a backend was unreachable.
func (h *OpenAPIHandler) JSON(c echo.Context) error {
	return c.JSON(http.StatusOK, h.schemas.Document(c.Request().Context()))
}

// YAML serves the same document encoded as YAML.
func (h *OpenAPIHandler) YAML(c echo.Context) error {
	out, err := yaml.Marshal(h.schemas.Document(c.Request().Context()))
	if err != nil {
		h.logger.Error("encoding OpenAPI document as YAML", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"code": "internal_error"})
	}
	return c.Blob(http.StatusOK, "application/yaml", out)
}
