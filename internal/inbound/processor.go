// Package inbound carries validated customer messages from channel webhooks
// into the chat backend.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/memohai/chatbridge/internal/backend"
	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/channel/adapters/common"
	"github.com/memohai/chatbridge/internal/metrics"
	"github.com/memohai/chatbridge/internal/redact"
	"github.com/memohai/chatbridge/internal/session"
)

// ErrMalformedPayload is returned when an authenticated body cannot be parsed.
var ErrMalformedPayload = errors.New("malformed inbound payload")

// Per-message outcomes, also used as metric labels.
const (
	ResultDelivered = "delivered"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
)

// SessionResolver maps a channel identity to a session with a usable credential.
// Close is used to retire a session whose backend contact has ended.
type SessionResolver interface {
	ResolveOrCreate(ctx context.Context, identity channel.Identity) (session.Session, error)
	Close(ctx context.Context, id string) (session.Session, error)
}

// Summary counts the outcomes of one inbound request.
type Summary struct {
	Received  int `json:"received"`
	Delivered int `json:"delivered"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (s *Summary) add(result string) {
	switch result {
	case ResultDelivered:
		s.Delivered++
	case ResultSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

// Processor forwards authenticated inbound channel requests to the backend.
type Processor struct {
	logger   *slog.Logger
	registry *channel.Registry
	sessions SessionResolver
	backend  backend.Client
	redactor redact.Redactor
	metrics  *metrics.Metrics
}

// NewProcessor creates a Processor. A nil redactor forwards text unchanged.
func NewProcessor(log *slog.Logger, registry *channel.Registry, sessions SessionResolver, client backend.Client, redactor redact.Redactor, m *metrics.Metrics) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if redactor == nil {
		redactor = redact.Nop{}
	}
	return &Processor{
		logger:   log.With(slog.String("component", "inbound")),
		registry: registry,
		sessions: sessions,
		backend:  client,
		redactor: redactor,
		metrics:  m,
	}
}

// HandleWebhook authenticates one request for channelType and forwards every
// message it carries. Authentication failure returns channel.ErrInvalidSignature
// before any session is touched. Per-message failures are counted in the
// summary and never returned as an error.
func (p *Processor) HandleWebhook(ctx context.Context, channelType channel.ChannelType, headers http.Header, body []byte) (Summary, error) {
	adapter, ok := p.registry.Get(channelType)
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", channel.ErrUnknownChannel, channelType)
	}
	if !adapter.ValidateInbound(ctx, headers, body) {
		p.logger.Warn("inbound request rejected", slog.String("channel", channelType.String()))
		return Summary{}, channel.ErrInvalidSignature
	}
	p.logger.Debug("inbound payload", slog.String("channel", channelType.String()), slog.String("body", common.SummarizeText(string(body))))
	msgs, err := adapter.NormalizeInbound(body)
	if err != nil {
		p.logger.Error("normalize inbound failed", slog.String("channel", channelType.String()), slog.Any("error", err))
		return Summary{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return p.Process(ctx, msgs), nil
}

// Process forwards already normalized messages in order.
func (p *Processor) Process(ctx context.Context, msgs []channel.Message) Summary {
	summary := Summary{Received: len(msgs)}
	for _, msg := range msgs {
		result := p.processOne(ctx, msg)
		summary.add(result)
		p.metrics.InboundMessage(msg.Identity.Channel.String(), result)
	}
	return summary
}

func (p *Processor) processOne(ctx context.Context, msg channel.Message) string {
	log := p.logger.With(
		slog.String("identity", msg.Identity.String()),
		slog.String("event_type", string(msg.EventType)),
	)
	var contentType string
	switch msg.EventType {
	case "", channel.EventContent:
		if msg.Kind == channel.KindUnsupported || strings.TrimSpace(msg.Text) == "" {
			log.Warn("unsupported content skipped", slog.String("kind", string(msg.Kind)))
			return ResultSkipped
		}
	case channel.EventConnectionAck:
		contentType = backend.ContentTypeAcknowledged
	case channel.EventTyping:
		contentType = backend.ContentTypeTyping
	default:
		log.Warn("inbound event type not forwarded")
		return ResultSkipped
	}

	text := msg.Text
	if contentType == "" {
		redacted, err := p.redactor.Redact(ctx, msg.Text)
		if err != nil {
			log.Error("redaction failed, message dropped", slog.Any("error", err))
			return ResultFailed
		}
		text = redacted
	}

	send := func(token string) error {
		if contentType != "" {
			return p.backend.SendEvent(ctx, token, contentType)
		}
		return p.backend.SendMessage(ctx, token, text)
	}

	sess, err := p.sessions.ResolveOrCreate(ctx, msg.Identity)
	if err != nil {
		log.Error("resolve session failed, message dropped", slog.Any("error", err))
		return ResultFailed
	}
	err = send(sess.Credential.Token)
	if errors.Is(err, backend.ErrContactEnded) {
		// The agent side ended the chat without an event reaching us.
		log.Info("backend contact ended, starting a new session", slog.String("session_id", sess.ID))
		if _, cerr := p.sessions.Close(ctx, sess.ID); cerr != nil {
			log.Error("close ended session failed", slog.String("session_id", sess.ID), slog.Any("error", cerr))
			return ResultFailed
		}
		if sess, err = p.sessions.ResolveOrCreate(ctx, msg.Identity); err != nil {
			log.Error("resolve session failed, message dropped", slog.Any("error", err))
			return ResultFailed
		}
		err = send(sess.Credential.Token)
	}
	log = log.With(slog.String("session_id", sess.ID))
	if err != nil {
		log.Error("send to backend failed", slog.Any("error", err))
		return ResultFailed
	}
	if contentType == "" {
		log.Debug("message forwarded", slog.String("kind", string(msg.Kind)), slog.String("text", common.SummarizeText(text)))
	}
	return ResultDelivered
}
