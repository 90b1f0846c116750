package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconnect "github.com/aws/aws-sdk-go-v2/service/connect"
	connecttypes "github.com/aws/aws-sdk-go-v2/service/connect/types"
	"github.com/aws/aws-sdk-go-v2/service/connectparticipant"
	participanttypes "github.com/aws/aws-sdk-go-v2/service/connectparticipant/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/memohai/chatbridge/internal/backend"
)

type contactAPI interface {
	StartChatContact(ctx context.Context, params *awsconnect.StartChatContactInput, optFns ...func(*awsconnect.Options)) (*awsconnect.StartChatContactOutput, error)
	StartContactStreaming(ctx context.Context, params *awsconnect.StartContactStreamingInput, optFns ...func(*awsconnect.Options)) (*awsconnect.StartContactStreamingOutput, error)
}

type participantAPI interface {
	CreateParticipantConnection(ctx context.Context, params *connectparticipant.CreateParticipantConnectionInput, optFns ...func(*connectparticipant.Options)) (*connectparticipant.CreateParticipantConnectionOutput, error)
	SendMessage(ctx context.Context, params *connectparticipant.SendMessageInput, optFns ...func(*connectparticipant.Options)) (*connectparticipant.SendMessageOutput, error)
	SendEvent(ctx context.Context, params *connectparticipant.SendEventInput, optFns ...func(*connectparticipant.Options)) (*connectparticipant.SendEventOutput, error)
}

// Config identifies the contact center instance and flow.
type Config struct {
	InstanceID    string
	ContactFlowID string
	Timeout       time.Duration
}

// Client implements backend.Client on Amazon Connect.
type Client struct {
	logger      *slog.Logger
	cfg         Config
	contacts    contactAPI
	participant participantAPI
}

var _ backend.Client = (*Client)(nil)

// New creates a Client from an AWS configuration.
func New(log *slog.Logger, awsCfg aws.Config, cfg Config) (*Client, error) {
	return newClient(log, cfg, awsconnect.NewFromConfig(awsCfg), connectparticipant.NewFromConfig(awsCfg))
}

func newClient(log *slog.Logger, cfg Config, contacts contactAPI, participant participantAPI) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg.InstanceID = strings.TrimSpace(cfg.InstanceID)
	cfg.ContactFlowID = strings.TrimSpace(cfg.ContactFlowID)
	if cfg.InstanceID == "" {
		return nil, errors.New("connect instance id is required")
	}
	if cfg.ContactFlowID == "" {
		return nil, errors.New("connect contact flow id is required")
	}
	return &Client{
		logger:      log.With(slog.String("component", "connect")),
		cfg:         cfg,
		contacts:    contacts,
		participant: participant,
	}, nil
}

// InstanceIDFromARN extracts the instance id from an instance ARN of the form
// arn:aws:connect:<region>:<account>:instance/<id>. A bare id is returned unchanged.
func InstanceIDFromARN(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.LastIndex(raw, "instance/"); idx >= 0 {
		rest := raw[idx+len("instance/"):]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			rest = rest[:slash]
		}
		return rest
	}
	return raw
}

// classify wraps participant API errors, marking rejected connection tokens
// with backend.ErrContactEnded.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDeniedException" {
		return fmt.Errorf("%s: %w: %w", op, backend.ErrContactEnded, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// StartContact starts a chat contact carrying the given attributes.
func (c *Client) StartContact(ctx context.Context, attributes map[string]string, displayName string) (backend.Contact, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	out, err := c.contacts.StartChatContact(ctx, &awsconnect.StartChatContactInput{
		InstanceId:         aws.String(c.cfg.InstanceID),
		ContactFlowId:      aws.String(c.cfg.ContactFlowID),
		ParticipantDetails: &connecttypes.ParticipantDetails{DisplayName: aws.String(displayName)},
		Attributes:         attributes,
	})
	if err != nil {
		return backend.Contact{}, fmt.Errorf("start chat contact: %w", err)
	}
	contact := backend.Contact{
		ContactID:        aws.ToString(out.ContactId),
		ParticipantID:    aws.ToString(out.ParticipantId),
		ParticipantToken: aws.ToString(out.ParticipantToken),
	}
	if contact.ContactID == "" || contact.ParticipantToken == "" {
		return backend.Contact{}, errors.New("start chat contact: incomplete response")
	}
	c.logger.Debug("chat contact started", slog.String("contact_id", contact.ContactID))
	return contact, nil
}

// CreateConnection exchanges a participant token for a connection credential.
func (c *Client) CreateConnection(ctx context.Context, participantToken string) (backend.Credential, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	out, err := c.participant.CreateParticipantConnection(ctx, &connectparticipant.CreateParticipantConnectionInput{
		ParticipantToken:   aws.String(participantToken),
		Type:               []participanttypes.ConnectionType{participanttypes.ConnectionTypeConnectionCredentials},
		ConnectParticipant: aws.Bool(true),
	})
	if err != nil {
		return backend.Credential{}, classify("create participant connection", err)
	}
	if out.ConnectionCredentials == nil || aws.ToString(out.ConnectionCredentials.ConnectionToken) == "" {
		return backend.Credential{}, errors.New("create participant connection: no connection credentials")
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, aws.ToString(out.ConnectionCredentials.Expiry))
	if err != nil {
		return backend.Credential{}, fmt.Errorf("parse connection expiry: %w", err)
	}
	return backend.Credential{
		Token:     aws.ToString(out.ConnectionCredentials.ConnectionToken),
		ExpiresAt: expiresAt.UTC(),
	}, nil
}

// SendMessage posts plain text as the customer participant.
func (c *Client) SendMessage(ctx context.Context, connectionToken, text string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.participant.SendMessage(ctx, &connectparticipant.SendMessageInput{
		ConnectionToken: aws.String(connectionToken),
		Content:         aws.String(text),
		ContentType:     aws.String(backend.ContentTypePlainText),
		ClientToken:     aws.String(uuid.NewString()),
	})
	if err != nil {
		return classify("send message", err)
	}
	return nil
}

// SendEvent posts a control event such as typing.
func (c *Client) SendEvent(ctx context.Context, connectionToken, contentType string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.participant.SendEvent(ctx, &connectparticipant.SendEventInput{
		ConnectionToken: aws.String(connectionToken),
		ContentType:     aws.String(contentType),
		ClientToken:     aws.String(uuid.NewString()),
	})
	if err != nil {
		return classify("send event", err)
	}
	return nil
}

// StartStreaming subscribes the contact's transcript events to sinkDestination.
func (c *Client) StartStreaming(ctx context.Context, contactID, participantID, sinkDestination string) error {
	if strings.TrimSpace(sinkDestination) == "" {
		return errors.New("start contact streaming: sink destination is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.contacts.StartContactStreaming(ctx, &awsconnect.StartContactStreamingInput{
		InstanceId: aws.String(c.cfg.InstanceID),
		ContactId:  aws.String(contactID),
		ChatStreamingConfiguration: &connecttypes.ChatStreamingConfiguration{
			StreamingEndpointArn: aws.String(sinkDestination),
		},
		ClientToken: aws.String(uuid.NewString()),
	})
	if err != nil {
		return fmt.Errorf("start contact streaming: %w", err)
	}
	c.logger.Debug("contact streaming started",
		slog.String("contact_id", contactID),
		slog.String("participant_id", participantID),
	)
	return nil
}
