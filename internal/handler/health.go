package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"securechain-gateway/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Health answers liveness probes.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"detail": "healthy",
	})
}

type serviceStatus struct {
	Name    string `json:"name"`
	Prefix  string `json:"prefix"`
	BaseURL string `json:"base_url"`
}

type statusResponse struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Services []serviceStatus `json:"services"`
}

// Status reports the build version and the configured backends.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:   "ok",
		Version:  string(h.version),
		Services: make([]serviceStatus, 0, len(h.cfg.Services)),
	}
	for _, s := range h.cfg.Services {
		resp.Services = append(resp.Services, serviceStatus{Name: s.Name, Prefix: s.Prefix, BaseURL: s.BaseURL})
	}
	return c.JSON(http.StatusOK, resp)
}
