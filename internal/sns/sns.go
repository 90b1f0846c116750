// Package sns decodes Amazon SNS HTTP(S) deliveries.
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Delivery types.
const (
	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// EventSource is the source reported for records delivered by SNS.
const EventSource = "aws:sns"

// ErrTopicNotAllowed is returned for deliveries from topics outside the allow-list.
var ErrTopicNotAllowed = errors.New("sns topic not allowed")

// Attribute is one SNS message attribute.
type Attribute struct {
	Type  string `json:"Type"`
	Value string `json:"Value"`
}

// Message is an SNS HTTP delivery body.
type Message struct {
	Type              string               `json:"Type"`
	MessageID         string               `json:"MessageId"`
	TopicARN          string               `json:"TopicArn"`
	Subject           string               `json:"Subject,omitempty"`
	Message           string               `json:"Message"`
	Timestamp         string               `json:"Timestamp,omitempty"`
	Token             string               `json:"Token,omitempty"`
	SubscribeURL      string               `json:"SubscribeURL,omitempty"`
	UnsubscribeURL    string               `json:"UnsubscribeURL,omitempty"`
	SignatureVersion  string               `json:"SignatureVersion,omitempty"`
	Signature         string               `json:"Signature,omitempty"`
	SigningCertURL    string               `json:"SigningCertURL,omitempty"`
	MessageAttributes map[string]Attribute `json:"MessageAttributes,omitempty"`
}

// Attribute returns the value of a message attribute, or "" when absent.
func (m Message) Attribute(name string) string {
	if m.MessageAttributes == nil {
		return ""
	}
	return m.MessageAttributes[name].Value
}

// Decode parses an SNS delivery body.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("decode sns message: %w", err)
	}
	if m.Type == "" {
		return Message{}, errors.New("decode sns message: missing Type")
	}
	return m, nil
}

// IsDelivery reports whether body looks like an SNS delivery rather than a bare payload.
func IsDelivery(body []byte) bool {
	var head struct {
		Type     string `json:"Type"`
		TopicARN string `json:"TopicArn"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return false
	}
	return head.Type != "" && head.TopicARN != ""
}

// TopicFilter restricts deliveries to a set of topic ARNs. An empty filter allows every topic.
type TopicFilter map[string]struct{}

// NewTopicFilter builds a filter from ARNs, ignoring blanks.
func NewTopicFilter(arns []string) TopicFilter {
	f := TopicFilter{}
	for _, arn := range arns {
		if arn = strings.TrimSpace(arn); arn != "" {
			f[arn] = struct{}{}
		}
	}
	return f
}

// Allowed reports whether arn may deliver.
func (f TopicFilter) Allowed(arn string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[arn]
	return ok
}

// Confirmer completes subscription handshakes by fetching SubscribeURL.
type Confirmer struct {
	logger *slog.Logger
	client *http.Client
	// AllowHost reports whether SubscribeURL may be fetched.
	AllowHost func(host string) bool
	// RequireTLS rejects non-https subscribe URLs.
	RequireTLS bool
}

// NewConfirmer creates a Confirmer that only contacts SNS endpoints.
func NewConfirmer(log *slog.Logger) *Confirmer {
	if log == nil {
		log = slog.Default()
	}
	return &Confirmer{
		logger:     log.With(slog.String("component", "sns_confirm")),
		client:     &http.Client{Timeout: 10 * time.Second},
		AllowHost:  IsSNSHost,
		RequireTLS: true,
	}
}

// IsSNSHost matches sns.<region>.amazonaws.com and its China partition variant.
func IsSNSHost(host string) bool {
	host = strings.ToLower(host)
	if !strings.HasPrefix(host, "sns.") {
		return false
	}
	return strings.HasSuffix(host, ".amazonaws.com") || strings.HasSuffix(host, ".amazonaws.com.cn")
}

// Confirm fetches the subscription URL of a SubscriptionConfirmation message.
func (c *Confirmer) Confirm(ctx context.Context, m Message) error {
	if m.Type != TypeSubscriptionConfirmation {
		return fmt.Errorf("not a subscription confirmation: %s", m.Type)
	}
	u, err := url.Parse(m.SubscribeURL)
	if err != nil || u.Host == "" || (c.RequireTLS && u.Scheme != "https") {
		return fmt.Errorf("invalid subscribe url %q", m.SubscribeURL)
	}
	if c.AllowHost != nil && !c.AllowHost(u.Hostname()) {
		return fmt.Errorf("subscribe url host %q not allowed", u.Hostname())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("confirm subscription: status %d", resp.StatusCode)
	}
	c.logger.Info("sns subscription confirmed", slog.String("topic_arn", m.TopicARN))
	return nil
}
