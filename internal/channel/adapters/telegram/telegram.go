package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/channel/adapters/common"
	"github.com/memohai/chatbridge/internal/secrets"
)

// Type is the Telegram channel type.
const Type = channel.Telegram

// Secret blob keys.
const (
	KeyBotToken      = "TG_BOT_TOKEN"
	KeyWebhookSecret = "TG_WEBHOOK_SECRET"
)

// SecretTokenHeader carries the secret_token registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

const telegramMaxMessageLength = 4096

// TelegramAdapter implements channel.ChannelAdapter for Telegram bot webhooks.
type TelegramAdapter struct {
	logger   *slog.Logger
	secrets  *secrets.Cache
	endpoint string
	mu       sync.RWMutex
	bots     map[string]*tgbotapi.BotAPI // keyed by bot token
	newBot   func(token, endpoint string) (*tgbotapi.BotAPI, error)
}

// NewTelegramAdapter creates a TelegramAdapter. An empty apiBaseURL targets api.telegram.org.
func NewTelegramAdapter(log *slog.Logger, cache *secrets.Cache, apiBaseURL string) *TelegramAdapter {
	if log == nil {
		log = slog.Default()
	}
	endpoint := tgbotapi.APIEndpoint
	if base := strings.TrimRight(strings.TrimSpace(apiBaseURL), "/"); base != "" {
		endpoint = base + "/bot%s/%s"
	}
	adapter := &TelegramAdapter{
		logger:   log.With(slog.String("adapter", "telegram")),
		secrets:  cache,
		endpoint: endpoint,
		bots:     make(map[string]*tgbotapi.BotAPI),
		newBot:   tgbotapi.NewBotAPIWithAPIEndpoint,
	}
	_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	return adapter
}

// slogBotLogger routes tgbotapi's internal logging through slog.
type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

func (a *TelegramAdapter) getOrCreateBot(token string) (*tgbotapi.BotAPI, error) {
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := a.newBot(token, a.endpoint)
	if err != nil {
		a.logger.Error("create bot failed", slog.Any("error", err))
		return nil, err
	}
	a.bots[token] = bot
	return bot, nil
}

// Type returns the Telegram channel type.
func (a *TelegramAdapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the Telegram channel metadata.
func (a *TelegramAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:          Type,
		DisplayName:   "Telegram",
		Signed:        true,
		MaxTextLength: telegramMaxMessageLength,
	}
}

// ValidateInbound compares the webhook secret token header in constant time.
func (a *TelegramAdapter) ValidateInbound(ctx context.Context, headers http.Header, _ []byte) bool {
	secret, err := a.secrets.Value(ctx, KeyWebhookSecret)
	if err != nil {
		a.logger.Error("webhook secret unavailable, rejecting request", slog.Any("error", err))
		return false
	}
	got := headers.Get(SecretTokenHeader)
	if got == "" {
		a.logger.Warn("missing secret token header")
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// CheckConfig reports whether the bot token and webhook secret are present.
func (a *TelegramAdapter) CheckConfig(ctx context.Context) error {
	for _, key := range []string{KeyBotToken, KeyWebhookSecret} {
		if _, err := a.secrets.Value(ctx, key); err != nil {
			return common.ConfigError(err)
		}
	}
	return nil
}

// NormalizeInbound converts one webhook Update into canonical messages. Only
// new private or group messages are bridged.
func (a *TelegramAdapter) NormalizeInbound(body []byte) ([]channel.Message, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}
	msg := update.Message
	if msg == nil {
		a.logger.Debug("non-message update skipped", slog.Int("update_id", update.UpdateID))
		return nil, nil
	}
	if msg.Chat == nil {
		a.logger.Warn("message without chat skipped", slog.Int("message_id", msg.MessageID))
		return nil, nil
	}
	identity := channel.Identity{Channel: Type, VendorID: strconv.FormatInt(msg.Chat.ID, 10)}
	out := channel.Message{
		Identity:  identity,
		Role:      channel.RoleCustomer,
		EventType: channel.EventContent,
	}
	switch {
	case strings.TrimSpace(msg.Text) != "":
		out.Kind, out.Text = channel.KindText, msg.Text
	case len(msg.Photo) > 0:
		photo := pickTelegramPhoto(msg.Photo)
		out.Kind, out.MediaURL = channel.KindMedia, photo.FileID
		out.Text = common.MediaTextWithCaption("image", photo.FileID, msg.Caption)
	case msg.Video != nil:
		out.Kind, out.MediaURL = channel.KindMedia, msg.Video.FileID
		out.Text = common.MediaTextWithCaption("video", msg.Video.FileID, msg.Caption)
	case msg.Voice != nil:
		out.Kind, out.MediaURL = channel.KindMedia, msg.Voice.FileID
		out.Text = common.MediaTextWithCaption("voice", msg.Voice.FileID, msg.Caption)
	case msg.Audio != nil:
		out.Kind, out.MediaURL = channel.KindMedia, msg.Audio.FileID
		out.Text = common.MediaTextWithCaption("audio", msg.Audio.FileID, msg.Caption)
	case msg.Document != nil:
		out.Kind, out.MediaURL = channel.KindMedia, msg.Document.FileID
		out.Text = common.MediaTextWithCaption("document", msg.Document.FileID, msg.Caption)
	case msg.Location != nil:
		out.Kind, out.Text = channel.KindLocation, common.LocationText(msg.Location.Latitude, msg.Location.Longitude)
	default:
		a.logger.Warn("unsupported message skipped",
			slog.Int("message_id", msg.MessageID),
			slog.Bool("sticker", msg.Sticker != nil),
		)
		return nil, nil
	}
	return []channel.Message{out}, nil
}

// DeliverOutbound sends text to the chat identified by vendorID.
func (a *TelegramAdapter) DeliverOutbound(ctx context.Context, vendorID, text string) bool {
	chatID, err := strconv.ParseInt(strings.TrimSpace(vendorID), 10, 64)
	if err != nil {
		a.logger.Error("invalid chat id", slog.String("chat_id", vendorID), slog.Any("error", err))
		return false
	}
	token, err := a.secrets.Value(ctx, KeyBotToken)
	if err != nil {
		a.logger.Error("bot token unavailable", slog.Any("error", err))
		return false
	}
	bot, err := a.getOrCreateBot(token)
	if err != nil {
		return false
	}
	msg := tgbotapi.NewMessage(chatID, truncateTelegramText(sanitizeTelegramText(text)))
	if _, err := bot.Send(msg); err != nil {
		a.logger.Error("send message failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
		return false
	}
	a.logger.Debug("message sent", slog.Int64("chat_id", chatID), slog.String("text", common.SummarizeText(text)))
	return true
}

func pickTelegramPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	if len(items) == 0 {
		return tgbotapi.PhotoSize{}
	}
	best := items[0]
	for _, item := range items[1:] {
		if item.FileSize > best.FileSize {
			best = item
			continue
		}
		if item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}

// sanitizeTelegramText ensures text is valid UTF-8 for the Telegram API.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateTelegramText truncates text to telegramMaxMessageLength bytes on a
// rune boundary, appending "..." when truncation occurs.
func truncateTelegramText(text string) string {
	if len(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	limit := telegramMaxMessageLength - len(suffix)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}
