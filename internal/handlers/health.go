package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatbridge/internal/healthcheck"
)

type healthRunner interface {
	Run(ctx context.Context) healthcheck.Report
}

// HealthHandler reports runtime checks for channels and the session store.
type HealthHandler struct {
	logger *slog.Logger
	runner healthRunner
}

func NewHealthHandler(log *slog.Logger, runner healthRunner) *HealthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HealthHandler{
		logger: log.With(slog.String("handler", "health")),
		runner: runner,
	}
}

// NewHealthServerHandler is the fx constructor using the concrete aggregator.
func NewHealthServerHandler(log *slog.Logger, agg *healthcheck.Aggregator) *HealthHandler {
	return NewHealthHandler(log, agg)
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health/checks", h.Checks)
}

// Checks answers 200 unless some check is in error, then 503.
func (h *HealthHandler) Checks(c echo.Context) error {
	if h.runner == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "health checks not configured")
	}
	report := h.runner.Run(c.Request().Context())
	status := http.StatusOK
	if report.Status == healthcheck.StatusError {
		status = http.StatusServiceUnavailable
		h.logger.Warn("health check failing", slog.Int("checks", len(report.Checks)))
	}
	return c.JSON(status, report)
}
