// Package outbound routes chat backend events back to the customer's channel.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/chatbridge/internal/backend"
	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/channel/adapters/common"
	"github.com/memohai/chatbridge/internal/metrics"
	"github.com/memohai/chatbridge/internal/session"
)

// Participant roles and visibility markers carried in event attributes.
const (
	RoleCustomer = "CUSTOMER"
	RoleAgent    = "AGENT"
	RoleSystem   = "SYSTEM"

	VisibilityCustomer = "CUSTOMER"
	VisibilityAll      = "ALL"
)

// Payload types of backend chat messages.
const (
	PayloadMessage    = "MESSAGE"
	PayloadEvent      = "EVENT"
	PayloadAttachment = "ATTACHMENT"
)

// Attributes are the routing attributes of one backend event.
type Attributes struct {
	InitialContactID  string `json:"initial_contact_id"`
	ContentType       string `json:"content_type"`
	ParticipantRole   string `json:"participant_role"`
	MessageVisibility string `json:"message_visibility"`
}

// Envelope is one event-sink notification.
type Envelope struct {
	Source     string     `json:"source"`
	Attributes Attributes `json:"attributes"`
	Payload    []byte     `json:"payload"`
}

// Payload is the backend chat message carried by an envelope.
type Payload struct {
	ID              string       `json:"Id"`
	Type            string       `json:"Type"`
	ContentType     string       `json:"ContentType"`
	Content         string       `json:"Content"`
	ParticipantRole string       `json:"ParticipantRole"`
	DisplayName     string       `json:"DisplayName"`
	Attachments     []Attachment `json:"Attachments"`
}

type Attachment struct {
	AttachmentID   string `json:"AttachmentId"`
	AttachmentName string `json:"AttachmentName"`
	ContentType    string `json:"ContentType"`
}

// Decision is the outcome of routing one envelope.
type Decision string

const (
	DecisionDelivered              Decision = "delivered"
	DecisionFailed                 Decision = "failed"
	DecisionClosed                 Decision = "closed"
	DecisionDroppedSource          Decision = "dropped_source"
	DecisionDroppedParticipantLeft Decision = "dropped_participant_left"
	DecisionDroppedCustomer        Decision = "dropped_customer"
	DecisionDroppedNotFound        Decision = "dropped_not_found"
	DecisionDroppedEvent           Decision = "dropped_event"
	DecisionDroppedInvalid         Decision = "dropped_invalid"
)

// Dropped reports whether the envelope was filtered without a delivery attempt.
func (d Decision) Dropped() bool {
	return strings.HasPrefix(string(d), "dropped_")
}

// SessionLookup resolves and closes sessions by contact id.
type SessionLookup interface {
	Lookup(ctx context.Context, id string) (session.Session, error)
	Close(ctx context.Context, id string) (session.Session, error)
}

// Config holds the router filters.
type Config struct {
	// ExpectedSource is the only accepted envelope source.
	ExpectedSource string
	// EchoVisibility is the visibility marker that lets a customer-authored
	// event back out to the customer channel.
	EchoVisibility string
}

// Router filters backend events and dispatches them to channel adapters.
type Router struct {
	logger   *slog.Logger
	registry *channel.Registry
	sessions SessionLookup
	cfg      Config
	metrics  *metrics.Metrics
}

// NewRouter creates a Router.
func NewRouter(log *slog.Logger, registry *channel.Registry, sessions SessionLookup, cfg Config, m *metrics.Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.ExpectedSource) == "" {
		cfg.ExpectedSource = "aws:sns"
	}
	if strings.TrimSpace(cfg.EchoVisibility) == "" {
		cfg.EchoVisibility = VisibilityCustomer
	}
	return &Router{
		logger:   log.With(slog.String("component", "outbound")),
		registry: registry,
		sessions: sessions,
		cfg:      cfg,
		metrics:  m,
	}
}

// Route applies the filters to env and performs at most one delivery. The
// error is non-nil only when the session store itself failed, in which case
// the event may be redelivered by the transport.
func (r *Router) Route(ctx context.Context, env Envelope) (Decision, error) {
	decision, err := r.route(ctx, env)
	r.metrics.OutboundDecision(string(decision))
	return decision, err
}

func (r *Router) route(ctx context.Context, env Envelope) (Decision, error) {
	attrs := env.Attributes
	log := r.logger.With(
		slog.String("contact_id", attrs.InitialContactID),
		slog.String("content_type", attrs.ContentType),
	)

	if env.Source != r.cfg.ExpectedSource {
		log.Warn("unsupported event source, event ignored", slog.String("source", env.Source))
		return DecisionDroppedSource, nil
	}
	if attrs.ContentType == "" || attrs.ContentType == backend.ContentTypeParticipantLeft {
		log.Debug("participant left event ignored")
		return DecisionDroppedParticipantLeft, nil
	}
	if attrs.ContentType == backend.ContentTypeChatEnded {
		return r.closeSession(ctx, log, attrs.InitialContactID)
	}
	if r.isCustomerEcho(attrs) {
		log.Debug("customer event ignored", slog.String("visibility", attrs.MessageVisibility))
		return DecisionDroppedCustomer, nil
	}

	sess, err := r.sessions.Lookup(ctx, attrs.InitialContactID)
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrClosed):
		log.Error("session not found for contact, event dropped", slog.Any("error", err))
		return DecisionDroppedNotFound, nil
	case err != nil:
		return DecisionFailed, fmt.Errorf("lookup session %s: %w", attrs.InitialContactID, err)
	}
	log = log.With(slog.String("identity", sess.Identity().String()))

	var payload Payload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		log.Error("decode event payload failed", slog.Any("error", err))
		return DecisionDroppedInvalid, nil
	}
	text, ok := deliverableText(payload)
	if !ok {
		log.Debug("non-message payload ignored", slog.String("type", payload.Type))
		return DecisionDroppedEvent, nil
	}

	if !sess.Channel.Valid() {
		log.Error("session has unsupported channel", slog.String("channel", sess.Channel.String()))
		return DecisionDroppedInvalid, nil
	}
	adapter, ok := r.registry.Get(sess.Channel)
	if !ok {
		log.Error("channel not enabled, event dropped")
		return DecisionDroppedInvalid, nil
	}
	delivered := adapter.DeliverOutbound(ctx, sess.VendorID, text)
	r.metrics.Delivery(sess.Channel.String(), delivered)
	if !delivered {
		log.Error("outbound delivery failed")
		return DecisionFailed, nil
	}
	log.Debug("outbound delivered", slog.String("text", common.SummarizeText(text)))
	return DecisionDelivered, nil
}

// isCustomerEcho reports whether a customer-authored event should be kept
// away from the customer channel. A missing role counts as the customer.
func (r *Router) isCustomerEcho(attrs Attributes) bool {
	role := strings.ToUpper(strings.TrimSpace(attrs.ParticipantRole))
	if role != "" && role != RoleCustomer {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(attrs.MessageVisibility), r.cfg.EchoVisibility)
}

func (r *Router) closeSession(ctx context.Context, log *slog.Logger, contactID string) (Decision, error) {
	_, err := r.sessions.Close(ctx, contactID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		log.Error("chat ended for unknown contact")
		return DecisionDroppedNotFound, nil
	case err != nil:
		return DecisionFailed, fmt.Errorf("close session %s: %w", contactID, err)
	}
	log.Info("chat ended, session closed")
	return DecisionClosed, nil
}

func deliverableText(p Payload) (string, bool) {
	switch strings.ToUpper(p.Type) {
	case PayloadEvent:
		return "", false
	case PayloadAttachment:
		name := "file"
		if len(p.Attachments) > 0 && p.Attachments[0].AttachmentName != "" {
			name = p.Attachments[0].AttachmentName
		}
		return "Agent sent an attachment: " + name, true
	}
	if strings.TrimSpace(p.Content) == "" {
		return "", false
	}
	return p.Content, true
}
