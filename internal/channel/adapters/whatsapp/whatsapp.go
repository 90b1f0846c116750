// Package whatsapp bridges the WhatsApp Cloud API.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/channel/adapters/common"
	"github.com/memohai/chatbridge/internal/secrets"
)

// Type is the WhatsApp channel type.
const Type = channel.WhatsApp

// Secret blob keys.
const (
	KeyAppSecret     = "WA_APP_SECRET"
	KeyAccessToken   = "WA_ACCESS_TOKEN"
	KeyPhoneNumberID = "WA_PHONE_NUMBER_ID"
	KeyVerifyToken   = "WA_VERIFY_TOKEN"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Hub-Signature-256"

const whatsappMaxMessageLength = 4096

// WhatsAppAdapter implements channel.ChannelAdapter for the WhatsApp Cloud API.
type WhatsAppAdapter struct {
	logger  *slog.Logger
	secrets *secrets.Cache
	graph   *common.GraphClient
}

// NewWhatsAppAdapter creates a WhatsAppAdapter reading its secrets through cache.
func NewWhatsAppAdapter(log *slog.Logger, cache *secrets.Cache, graph *common.GraphClient) *WhatsAppAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &WhatsAppAdapter{
		logger:  log.With(slog.String("adapter", "whatsapp")),
		secrets: cache,
		graph:   graph,
	}
}

func (a *WhatsAppAdapter) Type() channel.ChannelType {
	return Type
}

func (a *WhatsAppAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:          Type,
		DisplayName:   "WhatsApp",
		Signed:        true,
		MaxTextLength: whatsappMaxMessageLength,
	}
}

// ValidateInbound checks X-Hub-Signature-256 against WA_APP_SECRET. Missing secrets fail closed.
func (a *WhatsAppAdapter) ValidateInbound(ctx context.Context, headers http.Header, body []byte) bool {
	secret, err := a.secrets.Value(ctx, KeyAppSecret)
	if err != nil {
		a.logger.Error("app secret unavailable, rejecting request", slog.Any("error", err))
		return false
	}
	header := headers.Get(SignatureHeader)
	if header == "" {
		a.logger.Warn("missing signature header")
		return false
	}
	ok := common.VerifySignatureHeader(common.SHA256, secret, body, header, "sha256")
	if !ok {
		a.logger.Warn("signature mismatch")
	}
	return ok
}

// VerifySubscription answers the Graph webhook subscription challenge.
func (a *WhatsAppAdapter) VerifySubscription(ctx context.Context, mode, token string) bool {
	expected, err := a.secrets.Value(ctx, KeyVerifyToken)
	if err != nil {
		a.logger.Error("verify token unavailable", slog.Any("error", err))
		return false
	}
	return common.VerifySubscription(mode, token, expected)
}

// CheckConfig reports whether every WhatsApp secret is present.
func (a *WhatsAppAdapter) CheckConfig(ctx context.Context) error {
	for _, key := range []string{KeyAppSecret, KeyAccessToken, KeyPhoneNumberID, KeyVerifyToken} {
		if _, err := a.secrets.Value(ctx, key); err != nil {
			return common.ConfigError(err)
		}
	}
	return nil
}

type webhookPayload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Messages         []inboundMessage  `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type inboundMessage struct {
	From        string       `json:"from"`
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Text        *textBody    `json:"text"`
	Image       *media       `json:"image"`
	Video       *media       `json:"video"`
	Audio       *media       `json:"audio"`
	Document    *media       `json:"document"`
	Location    *location    `json:"location"`
	Reaction    *reaction    `json:"reaction"`
	Button      *button      `json:"button"`
	Interactive *interactive `json:"interactive"`
}

type textBody struct {
	Body string `json:"body"`
}

type media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
}

type reaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type button struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

type interactive struct {
	Type        string       `json:"type"`
	ButtonReply *replyOption `json:"button_reply"`
	ListReply   *replyOption `json:"list_reply"`
}

type replyOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// NormalizeInbound converts a Cloud API webhook body into canonical messages.
func (a *WhatsAppAdapter) NormalizeInbound(body []byte) ([]channel.Message, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode whatsapp webhook: %w", err)
	}
	a.logger.Debug("webhook payload", slog.String("object", payload.Object), slog.Int("entries", len(payload.Entry)))

	var out []channel.Message
	for _, e := range payload.Entry {
		for _, c := range e.Changes {
			if c.Value.Messages == nil {
				a.logger.Info("ignoring webhook change without messages", slog.String("field", c.Field), slog.Int("statuses", len(c.Value.Statuses)))
				continue
			}
			for _, m := range c.Value.Messages {
				if msg, ok := a.normalizeMessage(m); ok {
					out = append(out, msg)
				}
			}
		}
	}
	return out, nil
}

func (a *WhatsAppAdapter) normalizeMessage(m inboundMessage) (channel.Message, bool) {
	identity := channel.Identity{Channel: Type, VendorID: strings.TrimSpace(m.From)}
	if identity.VendorID == "" {
		a.logger.Warn("message without sender skipped", slog.String("id", m.ID))
		return channel.Message{}, false
	}
	msg := channel.Message{
		Identity:  identity,
		Role:      channel.RoleCustomer,
		EventType: channel.EventContent,
	}
	switch m.Type {
	case "text":
		if m.Text == nil || m.Text.Body == "" {
			return channel.Message{}, false
		}
		msg.Kind, msg.Text = channel.KindText, m.Text.Body
	case "image", "video", "audio", "document":
		md := pickMedia(m)
		if md == nil {
			return channel.Message{}, false
		}
		msg.Kind = channel.KindMedia
		msg.MediaURL = md.ID
		msg.Text = common.MediaTextWithCaption(m.Type, md.ID, md.Caption)
	case "location":
		if m.Location == nil {
			return channel.Message{}, false
		}
		msg.Kind, msg.Text = channel.KindLocation, common.LocationText(m.Location.Latitude, m.Location.Longitude)
	case "reaction":
		// An empty emoji removes a reaction.
		if m.Reaction == nil || m.Reaction.Emoji == "" {
			return channel.Message{}, false
		}
		msg.Kind, msg.Text = channel.KindReaction, common.ReactionText(m.Reaction.Emoji)
	case "button":
		if m.Button == nil || m.Button.Text == "" {
			return channel.Message{}, false
		}
		msg.Kind, msg.Text = channel.KindText, m.Button.Text
	case "interactive":
		title := interactiveTitle(m.Interactive)
		if title == "" {
			a.logger.Warn("interactive reply without title skipped", slog.String("id", m.ID))
			return channel.Message{}, false
		}
		msg.Kind, msg.Text = channel.KindText, title
	default:
		a.logger.Warn("message type not supported", slog.String("type", m.Type), slog.String("id", m.ID))
		return channel.Message{}, false
	}
	return msg, true
}

func pickMedia(m inboundMessage) *media {
	switch m.Type {
	case "image":
		return m.Image
	case "video":
		return m.Video
	case "audio":
		return m.Audio
	case "document":
		return m.Document
	}
	return nil
}

func interactiveTitle(i *interactive) string {
	if i == nil {
		return ""
	}
	switch {
	case i.ButtonReply != nil:
		return i.ButtonReply.Title
	case i.ListReply != nil:
		return i.ListReply.Title
	}
	return ""
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             sendText `json:"text"`
}

type sendText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

// DeliverOutbound sends a text message from the configured phone number.
func (a *WhatsAppAdapter) DeliverOutbound(ctx context.Context, vendorID, text string) bool {
	token, err := a.secrets.Value(ctx, KeyAccessToken)
	if err != nil {
		a.logger.Error("access token unavailable", slog.Any("error", err))
		return false
	}
	phoneID, err := a.secrets.Value(ctx, KeyPhoneNumberID)
	if err != nil {
		a.logger.Error("phone number id unavailable", slog.Any("error", err))
		return false
	}
	req := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               vendorID,
		Type:             "text",
		Text:             sendText{Body: common.TruncateText(text, whatsappMaxMessageLength)},
	}
	headers := http.Header{"Authorization": {"Bearer " + token}}
	if err := a.graph.Post(ctx, a.graph.Endpoint(phoneID+"/messages", nil), headers, req); err != nil {
		a.logger.Error("send message failed", slog.String("to", vendorID), slog.Any("error", err))
		return false
	}
	a.logger.Debug("message sent", slog.String("to", vendorID), slog.String("text", common.SummarizeText(text)))
	return true
}
