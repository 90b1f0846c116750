package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatbridge/internal/config"
	"github.com/memohai/chatbridge/internal/eventsink"
	"github.com/memohai/chatbridge/internal/outbound"
	"github.com/memohai/chatbridge/internal/sns"
)

type eventDispatcher interface {
	DispatchMessage(ctx context.Context, source string, msg sns.Message) (outbound.Decision, error)
	Topics() sns.TopicFilter
}

// EventsHandler receives backend chat events pushed by SNS over HTTPS.
type EventsHandler struct {
	logger     *slog.Logger
	dispatcher eventDispatcher
	verifier   messageVerifier
	confirmer  subscriptionConfirmer
	disabled   bool
}

func NewEventsHandler(log *slog.Logger, dispatcher eventDispatcher, verifier messageVerifier, confirmer subscriptionConfirmer) *EventsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &EventsHandler{
		logger:     log.With(slog.String("handler", "events")),
		dispatcher: dispatcher,
		verifier:   verifier,
		confirmer:  confirmer,
	}
}

// NewEventsServerHandler is the fx constructor using concrete dependency
// types. The route is only served when events arrive over HTTP.
func NewEventsServerHandler(log *slog.Logger, cfg config.Config, dispatcher *eventsink.Dispatcher, verifier *sns.Verifier, confirmer *sns.Confirmer) *EventsHandler {
	h := NewEventsHandler(log, dispatcher, verifier, confirmer)
	h.disabled = cfg.EventSink.Transport != config.TransportHTTP
	return h
}

func (h *EventsHandler) Register(e *echo.Echo) {
	if h.disabled {
		h.logger.Info("http event sink disabled, /events/sns not served")
		return
	}
	e.POST("/events/sns", h.Handle)
}

type eventResponse struct {
	Decision outbound.Decision `json:"decision"`
}

// Handle routes one SNS delivery. Store failures answer 500 so SNS retries;
// every other outcome is final and answers 2xx or 4xx.
func (h *EventsHandler) Handle(c echo.Context) error {
	if h.dispatcher == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "event dispatcher not configured")
	}
	payload, err := readBody(c)
	if err != nil {
		return err
	}
	msg, err := sns.Decode(payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := verifyDelivery(c.Request().Context(), h.verifier, msg); err != nil {
		h.logger.Warn("unverified sns delivery rejected", slog.String("topic_arn", msg.TopicARN), slog.Any("error", err))
		return err
	}
	if !h.dispatcher.Topics().Allowed(msg.TopicARN) {
		h.logger.Warn("delivery from unexpected topic rejected", slog.String("topic_arn", msg.TopicARN))
		return echo.NewHTTPError(http.StatusForbidden, sns.ErrTopicNotAllowed.Error())
	}
	ctx := context.WithoutCancel(c.Request().Context())

	switch msg.Type {
	case sns.TypeSubscriptionConfirmation:
		if h.confirmer == nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "sns confirmer not configured")
		}
		if err := h.confirmer.Confirm(ctx, msg); err != nil {
			h.logger.Error("sns subscription confirmation failed", slog.String("topic_arn", msg.TopicARN), slog.Any("error", err))
			return echo.NewHTTPError(http.StatusBadGateway, "subscription confirmation failed")
		}
		return c.NoContent(http.StatusOK)
	case sns.TypeUnsubscribeConfirmation:
		h.logger.Warn("sns subscription removed", slog.String("topic_arn", msg.TopicARN))
		return c.NoContent(http.StatusOK)
	}

	decision, err := h.dispatcher.DispatchMessage(ctx, sns.EventSource, msg)
	switch {
	case errors.Is(err, eventsink.ErrPoison):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		h.logger.Error("event routing failed", slog.String("message_id", msg.MessageID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "event routing failed")
	}
	return c.JSON(http.StatusOK, eventResponse{Decision: decision})
}
