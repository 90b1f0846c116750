package channel

import (
	"context"
	"net/http"
)

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type        ChannelType
	DisplayName string
	// Signed reports whether inbound webhooks carry a keyed-hash signature.
	Signed bool
	// MaxTextLength is the longest outbound text the channel accepts; 0 means unlimited.
	MaxTextLength int
}

// Normalizer converts a raw inbound request body into canonical messages.
// Unsupported content is logged and skipped; an error means the body itself
// could not be parsed.
type Normalizer interface {
	NormalizeInbound(body []byte) ([]Message, error)
}

// Validator authenticates an inbound webhook request.
type Validator interface {
	ValidateInbound(ctx context.Context, headers http.Header, body []byte) bool
}

// Deliverer sends text to a customer. It reports false on any failure and
// never retries.
type Deliverer interface {
	DeliverOutbound(ctx context.Context, vendorID, text string) bool
}

// ChannelAdapter is the full capability set a channel provides to the bridge.
type ChannelAdapter interface {
	Adapter
	Normalizer
	Validator
	Deliverer
}

// SubscriptionVerifier answers webhook subscription challenges.
type SubscriptionVerifier interface {
	VerifySubscription(ctx context.Context, mode, token string) bool
}

// ConfigChecker reports whether an adapter has the secrets it needs.
type ConfigChecker interface {
	CheckConfig(ctx context.Context) error
}
