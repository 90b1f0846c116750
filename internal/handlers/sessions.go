package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatbridge/internal/auth"
	"github.com/memohai/chatbridge/internal/session"
)

type sessionService interface {
	Get(ctx context.Context, id string) (session.Session, error)
	Chain(ctx context.Context, id string) ([]session.Session, error)
	Close(ctx context.Context, id string) (session.Session, error)
}

// SessionsHandler exposes read and close operations on bridge sessions to operators.
type SessionsHandler struct {
	logger   *slog.Logger
	sessions sessionService
}

func NewSessionsHandler(log *slog.Logger, sessions sessionService) *SessionsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SessionsHandler{
		logger:   log.With(slog.String("handler", "sessions")),
		sessions: sessions,
	}
}

// NewSessionsServerHandler is the fx constructor using the concrete manager.
func NewSessionsServerHandler(log *slog.Logger, manager *session.Manager) *SessionsHandler {
	return NewSessionsHandler(log, manager)
}

func (h *SessionsHandler) Register(e *echo.Echo) {
	group := e.Group("/api/sessions", auth.RequireOperator())
	group.GET("/:id", h.Get)
	group.GET("/:id/chain", h.Chain)
	group.DELETE("/:id", h.Close)
}

type sessionView struct {
	session.Session
	Open bool `json:"open"`
}

func newSessionView(s session.Session) sessionView {
	return sessionView{Session: s, Open: s.Open()}
}

func (h *SessionsHandler) sessionID(c echo.Context) (string, error) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	return id, nil
}

func (h *SessionsHandler) mapError(err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// Get returns a session by id.
func (h *SessionsHandler) Get(c echo.Context) error {
	id, err := h.sessionID(c)
	if err != nil {
		return err
	}
	s, err := h.sessions.Get(c.Request().Context(), id)
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, newSessionView(s))
}

// Chain returns every session linked to id, oldest first.
func (h *SessionsHandler) Chain(c echo.Context) error {
	id, err := h.sessionID(c)
	if err != nil {
		return err
	}
	chain, err := h.sessions.Chain(c.Request().Context(), id)
	if err != nil {
		return h.mapError(err)
	}
	items := make([]sessionView, 0, len(chain))
	for _, s := range chain {
		items = append(items, newSessionView(s))
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// Close ends a session on behalf of an operator.
func (h *SessionsHandler) Close(c echo.Context) error {
	id, err := h.sessionID(c)
	if err != nil {
		return err
	}
	s, err := h.sessions.Close(c.Request().Context(), id)
	if err != nil {
		return h.mapError(err)
	}
	operator, _ := auth.SubjectFromContext(c)
	h.logger.Info("session closed by operator", slog.String("session_id", id), slog.String("operator", operator))
	return c.JSON(http.StatusOK, newSessionView(s))
}
