package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/memohai/chatbridge/internal/backend"
	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/metrics"
)

// maxChainLength bounds chain walks against corrupted pointers.
const maxChainLength = 1000

// SinkFunc returns the event sink destination for a channel's contacts.
type SinkFunc func(channel.ChannelType) string

// Manager maps channel identities to backend contacts. It is the only writer
// of session rows apart from the retention sweep.
type Manager struct {
	logger  *slog.Logger
	store   Store
	client  backend.Client
	creds   *CredentialCache
	sinks   SinkFunc
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewManager creates a session Manager.
func NewManager(log *slog.Logger, store Store, client backend.Client, creds *CredentialCache, sinks SinkFunc, m *metrics.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if sinks == nil {
		sinks = func(channel.ChannelType) string { return "" }
	}
	return &Manager{
		logger:  log.With(slog.String("component", "session")),
		store:   store,
		client:  client,
		creds:   creds,
		sinks:   sinks,
		metrics: m,
		now:     time.Now,
	}
}

// ResolveOrCreate returns the open session for identity with a usable
// connection credential, starting a new backend contact when none is open.
// A new session is chained after the identity's previous session, if any.
func (m *Manager) ResolveOrCreate(ctx context.Context, identity channel.Identity) (Session, error) {
	if err := identity.Validate(); err != nil {
		return Session{}, err
	}
	latest, err := m.store.Query(ctx, identity)
	switch {
	case err == nil && latest.Open():
		_, err := m.creds.Get(ctx, &latest)
		switch {
		case err == nil:
			return latest, nil
		case errors.Is(err, backend.ErrContactEnded):
			// The chat ended without the terminal event reaching us.
			m.logger.Info("backend contact ended, rotating session",
				slog.String("session_id", latest.ID),
				slog.String("identity", identity.String()),
			)
			closed, cerr := m.Close(ctx, latest.ID)
			if cerr != nil {
				return Session{}, cerr
			}
			return m.create(ctx, identity, &closed)
		default:
			return Session{}, err
		}
	case err == nil:
		return m.create(ctx, identity, &latest)
	case errors.Is(err, ErrNotFound):
		return m.create(ctx, identity, nil)
	default:
		return Session{}, fmt.Errorf("query session: %w", err)
	}
}

func (m *Manager) create(ctx context.Context, identity channel.Identity, prev *Session) (Session, error) {
	log := m.logger.With(slog.String("identity", identity.String()))
	contact, err := m.client.StartContact(ctx, map[string]string{
		backend.AttributeChannel:  identity.Channel.String(),
		backend.AttributeVendorID: identity.VendorID,
	}, identity.VendorID)
	if err != nil {
		log.Error("start contact failed", slog.Any("error", err))
		return Session{}, err
	}
	log = log.With(slog.String("contact_id", contact.ContactID))
	if err := m.client.StartStreaming(ctx, contact.ContactID, contact.ParticipantID, m.sinks(identity.Channel)); err != nil {
		log.Error("start streaming failed", slog.Any("error", err))
		return Session{}, err
	}
	cred, err := m.client.CreateConnection(ctx, contact.ParticipantToken)
	if err != nil {
		log.Error("create connection failed", slog.Any("error", err))
		return Session{}, err
	}

	s := Session{
		ID:               contact.ContactID,
		VendorID:         identity.VendorID,
		Channel:          identity.Channel,
		PreviousID:       InitialID,
		NextID:           CurrentID,
		ParticipantID:    contact.ParticipantID,
		ParticipantToken: contact.ParticipantToken,
		Credential:       cred,
		TranscriptRef:    NoTranscript,
		CreatedAt:        m.now().UTC(),
	}
	if prev != nil {
		s.PreviousID = prev.ID
		if prev.TranscriptRef != "" {
			s.TranscriptRef = prev.TranscriptRef
		}
	}

	stored, created, err := m.store.Create(ctx, s)
	if err != nil {
		log.Error("persist session failed", slog.Any("error", err))
		return Session{}, fmt.Errorf("persist session: %w", err)
	}
	if !created {
		// Another request created the session first; our contact is left unused.
		log.Warn("session created concurrently, backend contact orphaned", slog.String("session_id", stored.ID))
		if _, err := m.creds.Get(ctx, &stored); err != nil {
			return Session{}, err
		}
		return stored, nil
	}
	m.metrics.SessionCreated(identity.Channel.String())
	log.Info("session created", slog.String("previous_id", s.PreviousID))

	if prev != nil {
		next := s.ID
		if err := m.store.Update(ctx, prev.ID, Update{NextID: &next}); err != nil {
			log.Error("link previous session failed", slog.String("previous_id", prev.ID), slog.Any("error", err))
		}
	}
	return stored, nil
}

// Lookup returns the open session with the given id. Closed sessions yield ErrClosed.
func (m *Manager) Lookup(ctx context.Context, id string) (Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !s.Open() {
		return s, ErrClosed
	}
	return s, nil
}

// Get returns a session by id regardless of state.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	return m.store.Get(ctx, id)
}

// Close ends a session. Closing an already closed session is a no-op.
func (m *Manager) Close(ctx context.Context, id string) (Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !s.Open() {
		return s, nil
	}
	at := m.now().UTC()
	if err := m.store.Close(ctx, id, at); err != nil {
		return Session{}, fmt.Errorf("close session: %w", err)
	}
	s.ClosedAt = &at
	m.metrics.SessionClosed()
	m.logger.Info("session closed", slog.String("session_id", id), slog.String("identity", s.Identity().String()))
	return s, nil
}

// Chain returns every reachable session linked to id, oldest first. Links to
// purged sessions end the walk in that direction.
func (m *Manager) Chain(ctx context.Context, id string) ([]Session, error) {
	start, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{start.ID: {}}

	var before []Session
	for cur := start; cur.PreviousID != InitialID && len(seen) < maxChainLength; {
		prev, err := m.step(ctx, cur.PreviousID, seen)
		if err != nil {
			return nil, err
		}
		if prev == nil {
			break
		}
		before = append(before, *prev)
		cur = *prev
	}

	chain := make([]Session, 0, len(before)+1)
	for i := len(before) - 1; i >= 0; i-- {
		chain = append(chain, before[i])
	}
	chain = append(chain, start)

	for cur := start; cur.NextID != CurrentID && len(seen) < maxChainLength; {
		next, err := m.step(ctx, cur.NextID, seen)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		chain = append(chain, *next)
		cur = *next
	}
	return chain, nil
}

func (m *Manager) step(ctx context.Context, id string, seen map[string]struct{}) (*Session, error) {
	if id == "" {
		return nil, nil
	}
	if _, ok := seen[id]; ok {
		return nil, fmt.Errorf("session chain cycle at %s", id)
	}
	s, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	seen[id] = struct{}{}
	return &s, nil
}
