package channel

import (
	"errors"
	"fmt"
	"strings"
)

// ChannelType identifies a customer messaging channel. The set is closed;
// see Valid.
type ChannelType string

const (
	// SMS is two-way text messaging through a managed SMS gateway.
	SMS ChannelType = "sms"
	// Facebook is Messenger delivered through the Meta Graph API.
	Facebook ChannelType = "facebook"
	// WhatsApp is the WhatsApp Cloud API.
	WhatsApp ChannelType = "whatsapp"
	// Telegram is the Telegram Bot API in webhook mode.
	Telegram ChannelType = "telegram"
)

var (
	// ErrUnknownChannel is returned for channel names outside the supported set.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNotConfigured is returned by adapters whose secrets are absent.
	ErrNotConfigured = errors.New("channel not configured")
	// ErrUnsupportedContent marks inbound content kinds a channel cannot forward.
	ErrUnsupportedContent = errors.New("unsupported content")
	// ErrInvalidSignature is returned when a webhook fails authentication.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// Valid reports whether c is one of the supported channels.
func (c ChannelType) Valid() bool {
	switch c {
	case SMS, Facebook, WhatsApp, Telegram:
		return true
	default:
		return false
	}
}

// AllTypes lists every supported channel in a stable order.
func AllTypes() []ChannelType {
	return []ChannelType{SMS, Facebook, WhatsApp, Telegram}
}

// ParseChannelType normalizes raw and rejects channels outside the supported set.
func ParseChannelType(raw string) (ChannelType, error) {
	ct := normalizeChannelType(raw)
	if !ct.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, raw)
	}
	return ct, nil
}

// Identity addresses one customer on one channel.
type Identity struct {
	Channel  ChannelType `json:"channel"`
	VendorID string      `json:"vendor_id"`
}

// String renders the identity as "channel:vendorId" for logs.
func (i Identity) String() string {
	return i.Channel.String() + ":" + i.VendorID
}

// Validate checks that the identity names a supported channel and a vendor id.
func (i Identity) Validate() error {
	if !i.Channel.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, i.Channel)
	}
	if strings.TrimSpace(i.VendorID) == "" {
		return fmt.Errorf("vendor id is required")
	}
	return nil
}

// Role is the author of a message.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// Kind classifies message content.
type Kind string

const (
	KindText        Kind = "text"
	KindMedia       Kind = "media"
	KindLocation    Kind = "location"
	KindReaction    Kind = "reaction"
	KindUnsupported Kind = "unsupported"
)

// EventType distinguishes content from control events.
type EventType string

const (
	EventContent         EventType = "content"
	EventConnectionAck   EventType = "connectionAck"
	EventTyping          EventType = "typing"
	EventParticipantLeft EventType = "participantLeft"
	EventChatEnded       EventType = "chatEnded"
)

// Message is the canonical form of one message crossing the bridge.
type Message struct {
	Identity  Identity  `json:"identity"`
	Role      Role      `json:"role"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text,omitempty"`
	MediaURL  string    `json:"media_url,omitempty"`
	EventType EventType `json:"event_type"`
}

// IsContent reports whether the message carries text for the backend.
func (m Message) IsContent() bool {
	return m.EventType == "" || m.EventType == EventContent
}

func normalizeChannelType(raw string) ChannelType {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return ChannelType(normalized)
}
