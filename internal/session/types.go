package session

import (
	"context"
	"errors"
	"time"

	"github.com/memohai/chatbridge/internal/backend"
	"github.com/memohai/chatbridge/internal/channel"
)

// Chain sentinels.
const (
	// InitialID is the PreviousID of the first session for an identity.
	InitialID = "INITIAL_CHAT"
	// CurrentID is the NextID of the newest session for an identity.
	CurrentID = "CURRENT_CHAT"
	// NoTranscript marks a chain without an archived transcript.
	NoTranscript = "NONE"
)

var (
	// ErrNotFound is returned when no session matches the lookup.
	ErrNotFound = errors.New("session not found")
	// ErrClosed is returned when an operation requires an open session.
	ErrClosed = errors.New("session closed")
)

// Session is one backend contact bound to a channel identity.
type Session struct {
	ID               string              `json:"id" yaml:"id"`
	VendorID         string              `json:"vendor_id" yaml:"vendor_id"`
	Channel          channel.ChannelType `json:"channel" yaml:"channel"`
	PreviousID       string              `json:"previous_id" yaml:"previous_id"`
	NextID           string              `json:"next_id" yaml:"next_id"`
	ParticipantID    string              `json:"participant_id,omitempty" yaml:"participant_id,omitempty"`
	ParticipantToken string              `json:"-" yaml:"-"`
	Credential       backend.Credential  `json:"-" yaml:"-"`
	TranscriptRef    string              `json:"transcript_ref" yaml:"transcript_ref"`
	CreatedAt        time.Time           `json:"created_at" yaml:"created_at"`
	ClosedAt         *time.Time          `json:"closed_at,omitempty" yaml:"closed_at,omitempty"`
}

// Identity returns the channel identity the session belongs to.
func (s Session) Identity() channel.Identity {
	return channel.Identity{Channel: s.Channel, VendorID: s.VendorID}
}

// Open reports whether the session has not been closed.
func (s Session) Open() bool {
	return s.ClosedAt == nil
}

// Update carries the mutable fields of a session. Nil fields are left untouched.
type Update struct {
	NextID     *string
	Credential *backend.Credential
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.NextID == nil && u.Credential == nil
}

// Store persists sessions.
//
// Create is a conditional write: it inserts s only when no open session
// exists for s.Identity() and otherwise returns the existing open session
// with created=false.
type Store interface {
	Get(ctx context.Context, id string) (Session, error)
	Query(ctx context.Context, identity channel.Identity) (Session, error)
	Create(ctx context.Context, s Session) (stored Session, created bool, err error)
	Update(ctx context.Context, id string, u Update) error
	Close(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	PurgeClosed(ctx context.Context, before time.Time) (int64, error)
}
