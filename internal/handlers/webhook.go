package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/inbound"
	"github.com/memohai/chatbridge/internal/sns"
)

type inboundProcessor interface {
	HandleWebhook(ctx context.Context, channelType channel.ChannelType, headers http.Header, body []byte) (inbound.Summary, error)
}

type subscriptionConfirmer interface {
	Confirm(ctx context.Context, m sns.Message) error
}

type messageVerifier interface {
	Verify(ctx context.Context, m sns.Message) error
}

// verifyDelivery rejects SNS deliveries whose signature does not verify.
func verifyDelivery(ctx context.Context, verifier messageVerifier, m sns.Message) error {
	if verifier == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "sns verifier not configured")
	}
	if err := verifier.Verify(ctx, m); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, sns.ErrInvalidSignature.Error())
	}
	return nil
}

// WebhookHandler receives inbound customer traffic for every enabled channel.
type WebhookHandler struct {
	logger    *slog.Logger
	registry  *channel.Registry
	processor inboundProcessor
	verifier  messageVerifier
	confirmer subscriptionConfirmer
}

// NewWebhookHandler creates the public channel webhook handler.
func NewWebhookHandler(log *slog.Logger, registry *channel.Registry, processor inboundProcessor, verifier messageVerifier, confirmer subscriptionConfirmer) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:    log.With(slog.String("handler", "webhook")),
		registry:  registry,
		processor: processor,
		verifier:  verifier,
		confirmer: confirmer,
	}
}

// NewWebhookServerHandler is the fx constructor using concrete dependency types.
func NewWebhookServerHandler(log *slog.Logger, registry *channel.Registry, processor *inbound.Processor, verifier *sns.Verifier, confirmer *sns.Confirmer) *WebhookHandler {
	return NewWebhookHandler(log, registry, processor, verifier, confirmer)
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhook/:channel", h.Verify)
	e.POST("/webhook/:channel", h.Handle)
}

func (h *WebhookHandler) channelType(c echo.Context) (channel.ChannelType, error) {
	ct, err := h.registry.ParseChannelType(c.Param("channel"))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return ct, nil
}

// Verify answers the Graph API subscription handshake by echoing hub.challenge.
func (h *WebhookHandler) Verify(c echo.Context) error {
	ct, err := h.channelType(c)
	if err != nil {
		return err
	}
	verifier, ok := h.registry.GetSubscriptionVerifier(ct)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "channel does not support subscription verification")
	}
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	if !verifier.VerifySubscription(c.Request().Context(), mode, token) {
		h.logger.Warn("subscription verification failed", slog.String("channel", ct.String()), slog.String("mode", mode))
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	h.logger.Info("subscription verified", slog.String("channel", ct.String()))
	return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
}

// Handle processes one inbound webhook delivery. Once the request is
// authenticated it is acknowledged with 200 regardless of per-message outcome.
func (h *WebhookHandler) Handle(c echo.Context) error {
	if h.processor == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "inbound processor not configured")
	}
	ct, err := h.channelType(c)
	if err != nil {
		return err
	}
	payload, err := readBody(c)
	if err != nil {
		return err
	}
	ctx := context.WithoutCancel(c.Request().Context())

	if ct == channel.SMS && sns.IsDelivery(payload) {
		m, err := sns.Decode(payload)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if err := verifyDelivery(c.Request().Context(), h.verifier, m); err != nil {
			h.logger.Warn("unverified sms delivery rejected", slog.String("topic_arn", m.TopicARN))
			return err
		}
		if handled, err := h.handleSubscription(ctx, m); handled {
			if err != nil {
				return err
			}
			return c.NoContent(http.StatusOK)
		}
	}

	summary, err := h.processor.HandleWebhook(ctx, ct, c.Request().Header, payload)
	switch {
	case errors.Is(err, channel.ErrInvalidSignature):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, channel.ErrUnknownChannel):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, inbound.ErrMalformedPayload):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		h.logger.Error("inbound processing failed", slog.String("channel", ct.String()), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "inbound processing failed")
	}
	return c.JSON(http.StatusOK, summary)
}

// handleSubscription completes SNS subscription handshakes for the SMS topic.
func (h *WebhookHandler) handleSubscription(ctx context.Context, m sns.Message) (bool, error) {
	switch m.Type {
	case sns.TypeSubscriptionConfirmation:
		if h.confirmer == nil {
			return true, echo.NewHTTPError(http.StatusInternalServerError, "sns confirmer not configured")
		}
		if err := h.confirmer.Confirm(ctx, m); err != nil {
			h.logger.Error("sns subscription confirmation failed", slog.String("topic_arn", m.TopicARN), slog.Any("error", err))
			return true, echo.NewHTTPError(http.StatusBadGateway, "subscription confirmation failed")
		}
		return true, nil
	case sns.TypeUnsubscribeConfirmation:
		h.logger.Warn("sns subscription removed", slog.String("topic_arn", strings.TrimSpace(m.TopicARN)))
		return true, nil
	}
	return false, nil
}
