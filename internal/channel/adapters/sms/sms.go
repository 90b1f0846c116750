// Package sms bridges two-way SMS through Amazon Pinpoint.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"

	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/channel/adapters/common"
	"github.com/memohai/chatbridge/internal/sns"
)

// Type is the SMS channel type.
const Type = channel.SMS

const smsMaxMessageLength = 1600

type pinpointAPI interface {
	SendMessages(ctx context.Context, params *pinpoint.SendMessagesInput, optFns ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error)
}

// Config addresses the Pinpoint project used for outbound SMS.
type Config struct {
	ApplicationID     string
	OriginationNumber string
	Timeout           time.Duration
}

// inboundRecord is a Pinpoint two-way SMS record.
type inboundRecord struct {
	OriginationNumber string `json:"originationNumber"`
	DestinationNumber string `json:"destinationNumber"`
	MessageKeyword    string `json:"messageKeyword"`
	MessageBody       string `json:"messageBody"`
	InboundMessageID  string `json:"inboundMessageId"`
}

// SMSAdapter implements channel.ChannelAdapter for SMS.
type SMSAdapter struct {
	logger *slog.Logger
	api    pinpointAPI
	cfg    Config
}

// NewSMSAdapter creates an SMSAdapter backed by Pinpoint.
func NewSMSAdapter(log *slog.Logger, awsCfg aws.Config, cfg Config) *SMSAdapter {
	return newSMSAdapter(log, pinpoint.NewFromConfig(awsCfg), cfg)
}

func newSMSAdapter(log *slog.Logger, api pinpointAPI, cfg Config) *SMSAdapter {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMSAdapter{
		logger: log.With(slog.String("adapter", "sms")),
		api:    api,
		cfg:    cfg,
	}
}

func (a *SMSAdapter) Type() channel.ChannelType {
	return Type
}

func (a *SMSAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:          Type,
		DisplayName:   "SMS",
		MaxTextLength: smsMaxMessageLength,
	}
}

// ValidateInbound accepts every request. SMS records arrive over SNS, which
// is restricted by the topic allow-list before the adapter is consulted.
func (a *SMSAdapter) ValidateInbound(context.Context, http.Header, []byte) bool {
	return true
}

// NormalizeInbound accepts a bare Pinpoint record or an SNS notification wrapping one.
func (a *SMSAdapter) NormalizeInbound(body []byte) ([]channel.Message, error) {
	raw := body
	if sns.IsDelivery(body) {
		m, err := sns.Decode(body)
		if err != nil {
			return nil, err
		}
		if m.Type != sns.TypeNotification {
			return nil, nil
		}
		raw = []byte(m.Message)
	}
	var rec inboundRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode sms record: %w", err)
	}
	from := strings.TrimSpace(rec.OriginationNumber)
	if from == "" {
		return nil, errors.New("sms record missing originationNumber")
	}
	if strings.TrimSpace(rec.MessageBody) == "" {
		a.logger.Warn("empty sms body skipped", slog.String("inbound_message_id", rec.InboundMessageID))
		return nil, nil
	}
	return []channel.Message{{
		Identity:  channel.Identity{Channel: Type, VendorID: from},
		Role:      channel.RoleCustomer,
		Kind:      channel.KindText,
		Text:      rec.MessageBody,
		EventType: channel.EventContent,
	}}, nil
}

// DeliverOutbound sends a transactional SMS. Success requires a 200 status for the address.
func (a *SMSAdapter) DeliverOutbound(ctx context.Context, vendorID, text string) bool {
	if a.api == nil || strings.TrimSpace(a.cfg.ApplicationID) == "" {
		a.logger.Error("sms not configured")
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	msg := &types.SMSMessage{
		Body:        aws.String(common.TruncateText(text, smsMaxMessageLength)),
		MessageType: types.MessageTypeTransactional,
	}
	if a.cfg.OriginationNumber != "" {
		msg.OriginationNumber = aws.String(a.cfg.OriginationNumber)
	}
	out, err := a.api.SendMessages(ctx, &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(a.cfg.ApplicationID),
		MessageRequest: &types.MessageRequest{
			Addresses: map[string]types.AddressConfiguration{
				vendorID: {ChannelType: types.ChannelTypeSms},
			},
			MessageConfiguration: &types.DirectMessageConfiguration{SMSMessage: msg},
		},
	})
	if err != nil {
		a.logger.Error("send sms failed", slog.String("to", vendorID), slog.Any("error", err))
		return false
	}
	if out == nil || out.MessageResponse == nil {
		a.logger.Error("send sms returned no response", slog.String("to", vendorID))
		return false
	}
	result, ok := out.MessageResponse.Result[vendorID]
	if !ok || aws.ToInt32(result.StatusCode) != 200 {
		a.logger.Error("sms delivery rejected",
			slog.String("to", vendorID),
			slog.Int("status_code", int(aws.ToInt32(result.StatusCode))),
			slog.String("delivery_status", string(result.DeliveryStatus)),
			slog.String("status_message", aws.ToString(result.StatusMessage)),
		)
		return false
	}
	a.logger.Debug("sms delivered", slog.String("to", vendorID), slog.String("message_id", aws.ToString(result.MessageId)))
	return true
}

// CheckConfig reports whether outbound SMS can be attempted.
func (a *SMSAdapter) CheckConfig(context.Context) error {
	if strings.TrimSpace(a.cfg.ApplicationID) == "" {
		return fmt.Errorf("%w: pinpoint application id is empty", channel.ErrNotConfigured)
	}
	return nil
}
