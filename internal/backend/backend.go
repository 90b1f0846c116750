package backend

import (
	"context"
	"errors"
	"time"
)

// ErrContactEnded is returned when the backend rejects a connection token
// because the contact is over.
var ErrContactEnded = errors.New("backend contact has ended")

// Content types exchanged with the chat backend.
const (
	ContentTypePlainText       = "text/plain"
	ContentTypeAcknowledged    = "application/vnd.amazonaws.connect.event.connection.acknowledged"
	ContentTypeTyping          = "application/vnd.amazonaws.connect.event.typing"
	ContentTypeParticipantLeft = "application/vnd.amazonaws.connect.event.participant.left"
	ContentTypeChatEnded       = "application/vnd.amazonaws.connect.event.chat.ended"
)

// Contact attributes carrying the customer identity into the contact flow.
const (
	AttributeChannel  = "chatframework_Channel"
	AttributeVendorID = "chatframework_VendorId"
)

// Contact is a newly started chat contact.
type Contact struct {
	ContactID        string
	ParticipantID    string
	ParticipantToken string
}

// Credential is an ephemeral connection token for one participant.
type Credential struct {
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the credential is present and not expiring within skew of now.
func (c Credential) Valid(now time.Time, skew time.Duration) bool {
	if c.Token == "" || c.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(skew).Before(c.ExpiresAt)
}

// Client is the managed chat-contact backend.
type Client interface {
	StartContact(ctx context.Context, attributes map[string]string, displayName string) (Contact, error)
	CreateConnection(ctx context.Context, participantToken string) (Credential, error)
	SendMessage(ctx context.Context, connectionToken, text string) error
	SendEvent(ctx context.Context, connectionToken, contentType string) error
	StartStreaming(ctx context.Context, contactID, participantID, sinkDestination string) error
}
