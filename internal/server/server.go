package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/memohai/chatbridge/internal/auth"
)

// Handler registers routes on the shared echo instance.
type Handler interface {
	Register(e *echo.Echo)
}

type Server struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger
}

func NewServer(log *slog.Logger, addr string, jwtSecret string, handlers ...Handler) *Server {
	if addr == "" {
		addr = ":8080"
	}
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.Any("error", v.Error))
			}
			log.LogAttrs(c.Request().Context(), slog.LevelInfo, "request", attrs...)
			return nil
		},
	}))
	if strings.TrimSpace(jwtSecret) == "" {
		log.Warn("auth.jwt_secret is empty, operator api disabled")
		e.Use(rejectOperatorAPI)
	} else {
		e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
			return shouldSkipJWT(c.Request().URL.Path)
		}))
	}

	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}

	return &Server{
		echo:   e,
		addr:   addr,
		logger: log.With(slog.String("component", "server")),
	}
}

// shouldSkipJWT reports whether path is public. Only the operator API requires a token;
// channel webhooks and event deliveries authenticate per request.
func shouldSkipJWT(path string) bool {
	return path != "/api" && !strings.HasPrefix(path, "/api/")
}

func rejectOperatorAPI(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if shouldSkipJWT(c.Request().URL.Path) {
			return next(c)
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, "operator api disabled")
	}
}

// Echo exposes the underlying router.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
