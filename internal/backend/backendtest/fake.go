// Package backendtest provides an in-memory backend.Client for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/memohai/chatbridge/internal/backend"
)

// StartedContact records one StartContact call.
type StartedContact struct {
	Attributes  map[string]string
	DisplayName string
	Contact     backend.Contact
}

// Streaming records one StartStreaming call.
type Streaming struct {
	ContactID, ParticipantID, Sink string
}

// SentMessage records one SendMessage call.
type SentMessage struct {
	Token, Text string
}

// SentEvent records one SendEvent call.
type SentEvent struct {
	Token, ContentType string
}

// Client is a fake backend that issues sequential contact ids (C1, C2, ...)
// and connection tokens (T1, T2, ...). Err* fields force failures.
type Client struct {
	mu sync.Mutex

	Now func() time.Time
	TTL time.Duration

	ErrStartContact     error
	ErrCreateConnection error
	ErrSendMessage      error
	ErrSendEvent        error
	ErrStartStreaming   error

	Contacts    []StartedContact
	Streams     []Streaming
	Connections []string
	Messages    []SentMessage
	Events      []SentEvent

	contactSeq int
	tokenSeq   int
	ended      map[string]struct{}
}

// New returns a fake whose credentials live for an hour.
func New() *Client {
	return &Client{Now: time.Now, TTL: time.Hour}
}

func (c *Client) StartContact(_ context.Context, attributes map[string]string, displayName string) (backend.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ErrStartContact != nil {
		return backend.Contact{}, c.ErrStartContact
	}
	c.contactSeq++
	contact := backend.Contact{
		ContactID:        fmt.Sprintf("C%d", c.contactSeq),
		ParticipantID:    fmt.Sprintf("P%d", c.contactSeq),
		ParticipantToken: fmt.Sprintf("PT%d", c.contactSeq),
	}
	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	c.Contacts = append(c.Contacts, StartedContact{Attributes: attrs, DisplayName: displayName, Contact: contact})
	return contact, nil
}

func (c *Client) CreateConnection(_ context.Context, participantToken string) (backend.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connections = append(c.Connections, participantToken)
	if c.ErrCreateConnection != nil {
		return backend.Credential{}, c.ErrCreateConnection
	}
	if _, ok := c.ended[participantToken]; ok {
		return backend.Credential{}, backend.ErrContactEnded
	}
	c.tokenSeq++
	return backend.Credential{
		Token:     fmt.Sprintf("T%d", c.tokenSeq),
		ExpiresAt: c.Now().Add(c.TTL),
	}, nil
}

// End makes later calls using token fail with backend.ErrContactEnded. Pass
// a connection token to fail sends, or a participant token to fail
// CreateConnection.
func (c *Client) End(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended == nil {
		c.ended = make(map[string]struct{})
	}
	c.ended[token] = struct{}{}
}

func (c *Client) SendMessage(_ context.Context, connectionToken, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ErrSendMessage != nil {
		return c.ErrSendMessage
	}
	if _, ok := c.ended[connectionToken]; ok {
		return backend.ErrContactEnded
	}
	c.Messages = append(c.Messages, SentMessage{Token: connectionToken, Text: text})
	return nil
}

func (c *Client) SendEvent(_ context.Context, connectionToken, contentType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ErrSendEvent != nil {
		return c.ErrSendEvent
	}
	if _, ok := c.ended[connectionToken]; ok {
		return backend.ErrContactEnded
	}
	c.Events = append(c.Events, SentEvent{Token: connectionToken, ContentType: contentType})
	return nil
}

func (c *Client) StartStreaming(_ context.Context, contactID, participantID, sinkDestination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ErrStartStreaming != nil {
		return c.ErrStartStreaming
	}
	c.Streams = append(c.Streams, Streaming{ContactID: contactID, ParticipantID: participantID, Sink: sinkDestination})
	return nil
}

// ContactCount returns the number of successful StartContact calls.
func (c *Client) ContactCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Contacts)
}

// SentMessages returns a copy of the recorded messages.
func (c *Client) SentMessages() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.Messages...)
}

// SentEvents returns a copy of the recorded events.
func (c *Client) SentEvents() []SentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentEvent(nil), c.Events...)
}

// ConnectionCount returns the number of CreateConnection calls.
func (c *Client) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Connections)
}
