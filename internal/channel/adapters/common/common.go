// Package common holds helpers shared by the channel adapters.
package common

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // Messenger still signs webhooks with HMAC-SHA1.
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
	"unicode/utf8"

	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/secrets"
)

const summaryMaxRunes = 80

// SummarizeText shortens text for log attributes.
func SummarizeText(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= summaryMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:summaryMaxRunes]) + "..."
}

// Signature algorithms used by webhook providers.
var (
	SHA1   = sha1.New
	SHA256 = sha256.New
)

// HexHMAC returns the lowercase hex HMAC of msg keyed by key.
func HexHMAC(h func() hash.Hash, key, msg []byte) string {
	mac := hmac.New(h, key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignatureHeader checks a "<prefix>=<hex>" signature header against
// the HMAC of body. A blank secret never verifies.
func VerifySignatureHeader(h func() hash.Hash, secret string, body []byte, header, prefix string) bool {
	if secret == "" {
		return false
	}
	algo, sig, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || algo != prefix || sig == "" {
		return false
	}
	want := HexHMAC(h, []byte(secret), body)
	return hmac.Equal([]byte(sig), []byte(want))
}

// AppSecretProof computes the Graph API appsecret_proof for an access token.
func AppSecretProof(accessToken, appSecret string) string {
	return HexHMAC(SHA256, []byte(appSecret), []byte(accessToken))
}

// VerifySubscription answers a hub.mode=subscribe challenge request.
func VerifySubscription(mode, token, expected string) bool {
	if mode != "subscribe" || expected == "" || token == "" {
		return false
	}
	return hmac.Equal([]byte(token), []byte(expected))
}

// ConfigError maps secret store absence onto channel.ErrNotConfigured.
func ConfigError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, secrets.ErrNotConfigured) {
		return fmt.Errorf("%w: %w", channel.ErrNotConfigured, err)
	}
	return err
}

// MediaText formats a placeholder for media the backend can only receive as text.
func MediaText(kind, ref string) string {
	switch kind {
	case "image":
		return "User sent an image: " + ref
	case "video":
		return "User sent a video: " + ref
	case "audio", "voice":
		return "User sent an audio message: " + ref
	case "document":
		return "User sent a document: " + ref
	default:
		return "User sent a file: " + ref
	}
}

// MediaTextWithCaption appends a caption to a media placeholder when present.
func MediaTextWithCaption(kind, ref, caption string) string {
	text := MediaText(kind, ref)
	if caption = strings.TrimSpace(caption); caption != "" {
		text += " (" + caption + ")"
	}
	return text
}

// LocationText formats shared coordinates.
func LocationText(lat, long float64) string {
	return fmt.Sprintf("User sent their location: %g,%g", lat, long)
}

// ReactionText formats an emoji reaction.
func ReactionText(emoji string) string {
	return "User reacted with emoji: " + emoji
}

// TruncateText cuts text to at most limit runes. A non-positive limit disables truncation.
func TruncateText(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit])
}
