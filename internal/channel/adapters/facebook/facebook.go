// Package facebook bridges Facebook Messenger pages through Graph API webhooks.
package facebook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/channel/adapters/common"
	"github.com/memohai/chatbridge/internal/secrets"
)

// Type is the Messenger channel type.
const Type = channel.Facebook

// Secret blob keys.
const (
	KeyAppSecret   = "APP_SECRET"
	KeyPageToken   = "PAGE_TOKEN"
	KeyVerifyToken = "VERIFY_TOKEN"
)

// SignatureHeader carries the HMAC-SHA1 of the request body.
const SignatureHeader = "X-Hub-Signature"

const facebookMaxMessageLength = 2000

// FacebookAdapter implements channel.ChannelAdapter for Messenger.
type FacebookAdapter struct {
	logger  *slog.Logger
	secrets *secrets.Cache
	graph   *common.GraphClient
}

// NewFacebookAdapter creates a FacebookAdapter reading its secrets through cache.
func NewFacebookAdapter(log *slog.Logger, cache *secrets.Cache, graph *common.GraphClient) *FacebookAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &FacebookAdapter{
		logger:  log.With(slog.String("adapter", "facebook")),
		secrets: cache,
		graph:   graph,
	}
}

func (a *FacebookAdapter) Type() channel.ChannelType {
	return Type
}

func (a *FacebookAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:          Type,
		DisplayName:   "Facebook Messenger",
		Signed:        true,
		MaxTextLength: facebookMaxMessageLength,
	}
}

// ValidateInbound checks X-Hub-Signature against APP_SECRET. Missing secrets fail closed.
func (a *FacebookAdapter) ValidateInbound(ctx context.Context, headers http.Header, body []byte) bool {
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
	ok := common.VerifySignatureHeader(common.SHA1, secret, body, header, "sha1")
	if !ok {
		a.logger.Warn("signature mismatch")
	}
	return ok
}

// VerifySubscription answers the Graph webhook subscription challenge.
func (a *FacebookAdapter) VerifySubscription(ctx context.Context, mode, token string) bool {
	expected, err := a.secrets.Value(ctx, KeyVerifyToken)
	if err != nil {
		a.logger.Error("verify token unavailable", slog.Any("error", err))
		return false
	}
	return common.VerifySubscription(mode, token, expected)
}

// CheckConfig reports whether every Messenger secret is present.
func (a *FacebookAdapter) CheckConfig(ctx context.Context) error {
	for _, key := range []string{KeyAppSecret, KeyPageToken, KeyVerifyToken} {
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
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Messaging []messaging `json:"messaging"`
}

type messaging struct {
	Sender    participant `json:"sender"`
	Recipient participant `json:"recipient"`
	Timestamp int64       `json:"timestamp"`
	Message   *message    `json:"message"`
	Reaction  *reaction   `json:"reaction"`
}

type participant struct {
	ID string `json:"id"`
}

type message struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo"`
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	Type    string            `json:"type"`
	Payload attachmentPayload `json:"payload"`
}

type attachmentPayload struct {
	URL         string       `json:"url"`
	StickerID   int64        `json:"sticker_id"`
	Coordinates *coordinates `json:"coordinates"`
}

type coordinates struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

type reaction struct {
	Reaction string `json:"reaction"`
	Emoji    string `json:"emoji"`
	Action   string `json:"action"`
}

// NormalizeInbound converts a Messenger webhook body into canonical messages.
func (a *FacebookAdapter) NormalizeInbound(body []byte) ([]channel.Message, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode facebook webhook: %w", err)
	}
	a.logger.Debug("webhook payload", slog.String("object", payload.Object), slog.Int("entries", len(payload.Entry)))

	var out []channel.Message
	for _, e := range payload.Entry {
		if e.Messaging == nil {
			a.logger.Warn("standby webhook event not supported, unsubscribe to reduce traffic", slog.String("page_id", e.ID))
			continue
		}
		for _, m := range e.Messaging {
			out = append(out, a.normalizeMessaging(m)...)
		}
	}
	return out, nil
}

func (a *FacebookAdapter) normalizeMessaging(m messaging) []channel.Message {
	identity := channel.Identity{Channel: Type, VendorID: m.Sender.ID}
	if identity.VendorID == "" {
		a.logger.Warn("messaging event without sender skipped")
		return nil
	}
	if m.Reaction != nil {
		if m.Reaction.Action != "" && m.Reaction.Action != "react" {
			return nil
		}
		emoji := m.Reaction.Emoji
		if emoji == "" {
			emoji = m.Reaction.Reaction
		}
		return []channel.Message{textMessage(identity, channel.KindReaction, common.ReactionText(emoji), "")}
	}
	if m.Message == nil {
		a.logger.Warn("read/delivery webhook event not supported, unsubscribe to reduce traffic")
		return nil
	}
	msg := m.Message
	if msg.IsEcho {
		a.logger.Warn("message echo webhook event not supported, unsubscribe to reduce traffic")
		return nil
	}
	if msg.Text != "" {
		return []channel.Message{textMessage(identity, channel.KindText, msg.Text, "")}
	}
	if len(msg.Attachments) == 0 {
		a.logger.Warn("unsupported message skipped", slog.String("mid", msg.MID))
		return nil
	}

	var out []channel.Message
	for _, att := range msg.Attachments {
		switch {
		case att.Payload.StickerID != 0:
			a.logger.Warn("sticker attachment not supported", slog.Int64("sticker_id", att.Payload.StickerID))
		case att.Type == "image" || att.Type == "video" || att.Type == "audio" || att.Type == "file":
			out = append(out, textMessage(identity, channel.KindMedia, common.MediaText(att.Type, att.Payload.URL), att.Payload.URL))
		case att.Type == "location" && att.Payload.Coordinates != nil:
			c := att.Payload.Coordinates
			out = append(out, textMessage(identity, channel.KindLocation, common.LocationText(c.Lat, c.Long), ""))
		default:
			a.logger.Warn("attachment type not supported", slog.String("type", att.Type))
		}
	}
	return out
}

func textMessage(identity channel.Identity, kind channel.Kind, text, mediaURL string) channel.Message {
	return channel.Message{
		Identity:  identity,
		Role:      channel.RoleCustomer,
		Kind:      kind,
		Text:      text,
		MediaURL:  mediaURL,
		EventType: channel.EventContent,
	}
}

type sendRequest struct {
	MessagingType string      `json:"messaging_type"`
	Recipient     participant `json:"recipient"`
	Message       sendMessage `json:"message"`
}

type sendMessage struct {
	Text string `json:"text"`
}

// DeliverOutbound sends text through the Send API with an appsecret_proof.
func (a *FacebookAdapter) DeliverOutbound(ctx context.Context, vendorID, text string) bool {
	pageToken, err := a.secrets.Value(ctx, KeyPageToken)
	if err != nil {
		a.logger.Error("page token unavailable", slog.Any("error", err))
		return false
	}
	appSecret, err := a.secrets.Value(ctx, KeyAppSecret)
	if err != nil {
		a.logger.Error("app secret unavailable", slog.Any("error", err))
		return false
	}
	endpoint := a.graph.Endpoint("me/messages", url.Values{
		"access_token":    {pageToken},
		"appsecret_proof": {common.AppSecretProof(pageToken, appSecret)},
	})
	req := sendRequest{
		MessagingType: "RESPONSE",
		Recipient:     participant{ID: vendorID},
		Message:       sendMessage{Text: common.TruncateText(text, facebookMaxMessageLength)},
	}
	if err := a.graph.Post(ctx, endpoint, nil, req); err != nil {
		a.logger.Error("send message failed", slog.String("recipient", vendorID), slog.Any("error", err))
		return false
	}
	a.logger.Debug("message sent", slog.String("recipient", vendorID), slog.String("text", common.SummarizeText(text)))
	return true
}
