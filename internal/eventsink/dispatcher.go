// Package eventsink receives chat backend events and hands them to the
// outbound router.
package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/memohai/chatbridge/internal/metrics"
	"github.com/memohai/chatbridge/internal/outbound"
	"github.com/memohai/chatbridge/internal/sns"
)

// ErrPoison marks an event that can never be processed and must not be redelivered.
var ErrPoison = errors.New("poison event")

// Message attributes set by the chat backend on streamed events.
const (
	AttrInitialContactID  = "InitialContactId"
	AttrContentType       = "ContentType"
	AttrParticipantRole   = "ParticipantRole"
	AttrMessageVisibility = "MessageVisibility"
)

// Router routes one envelope.
type Router interface {
	Route(ctx context.Context, env outbound.Envelope) (outbound.Decision, error)
}

// Dispatcher decodes event sink notifications and routes them.
type Dispatcher struct {
	logger  *slog.Logger
	router  Router
	topics  sns.TopicFilter
	metrics *metrics.Metrics
}

// NewDispatcher creates a Dispatcher accepting notifications from topics.
// An empty filter accepts every topic.
func NewDispatcher(log *slog.Logger, router Router, topics sns.TopicFilter, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		logger:  log.With(slog.String("component", "eventsink")),
		router:  router,
		topics:  topics,
		metrics: m,
	}
}

// Topics returns the topic allow-list.
func (d *Dispatcher) Topics() sns.TopicFilter {
	return d.topics
}

// snsRecord is the event-source record form of an SNS notification, as
// forwarded by queue bridges.
type snsRecord struct {
	EventSource string      `json:"EventSource"`
	Sns         sns.Message `json:"Sns"`
}

// Dispatch decodes body and routes it. Body is either a bare SNS
// notification or an event-source record wrapping one. Undecodable bodies
// and disallowed topics return an error wrapping ErrPoison.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) (outbound.Decision, error) {
	source, msg, err := decode(body)
	if err != nil {
		d.metrics.DecodeError()
		d.logger.Error("decode event failed", slog.Any("error", err))
		return "", fmt.Errorf("%w: %w", ErrPoison, err)
	}
	return d.DispatchMessage(ctx, source, msg)
}

// DispatchMessage routes an already decoded notification.
func (d *Dispatcher) DispatchMessage(ctx context.Context, source string, msg sns.Message) (outbound.Decision, error) {
	if !d.topics.Allowed(msg.TopicARN) {
		d.logger.Warn("event from unexpected topic rejected", slog.String("topic_arn", msg.TopicARN))
		return "", fmt.Errorf("%w: %w: %s", ErrPoison, sns.ErrTopicNotAllowed, msg.TopicARN)
	}
	if msg.Type != sns.TypeNotification {
		d.logger.Warn("non-notification event ignored", slog.String("type", msg.Type))
		return "", fmt.Errorf("%w: unexpected sns type %q", ErrPoison, msg.Type)
	}
	env := Envelope(source, msg)
	decision, err := d.router.Route(ctx, env)
	d.logger.Debug("event routed",
		slog.String("message_id", msg.MessageID),
		slog.String("contact_id", env.Attributes.InitialContactID),
		slog.String("decision", string(decision)),
	)
	return decision, err
}

// signedFields are routing fields the backend repeats inside the message
// body. SNS signs the body but not MessageAttributes, so these win.
type signedFields struct {
	InitialContactID string `json:"InitialContactId"`
	ContentType      string `json:"ContentType"`
	ParticipantRole  string `json:"ParticipantRole"`
}

// Envelope converts an SNS notification into a router envelope.
func Envelope(source string, msg sns.Message) outbound.Envelope {
	attrs := outbound.Attributes{
		InitialContactID:  msg.Attribute(AttrInitialContactID),
		ContentType:       msg.Attribute(AttrContentType),
		ParticipantRole:   msg.Attribute(AttrParticipantRole),
		MessageVisibility: msg.Attribute(AttrMessageVisibility),
	}
	var body signedFields
	if err := json.Unmarshal([]byte(msg.Message), &body); err == nil {
		if body.InitialContactID != "" {
			attrs.InitialContactID = body.InitialContactID
		}
		if body.ContentType != "" {
			attrs.ContentType = body.ContentType
		}
		if body.ParticipantRole != "" {
			attrs.ParticipantRole = body.ParticipantRole
		}
	}
	return outbound.Envelope{
		Source:     source,
		Attributes: attrs,
		Payload:    []byte(msg.Message),
	}
}

func decode(body []byte) (string, sns.Message, error) {
	var rec snsRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return "", sns.Message{}, fmt.Errorf("decode event: %w", err)
	}
	if rec.EventSource != "" {
		if rec.Sns.Type == "" {
			return "", sns.Message{}, errors.New("decode event: record without Sns.Type")
		}
		return rec.EventSource, rec.Sns, nil
	}
	msg, err := sns.Decode(body)
	if err != nil {
		return "", sns.Message{}, err
	}
	return sns.EventSource, msg, nil
}
