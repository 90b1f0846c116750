package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/memohai/chatbridge/internal/backend"
	"github.com/memohai/chatbridge/internal/metrics"
)

// CredentialCache hands out connection credentials for sessions, creating a
// new connection only when the stored one is missing or expired. There is no
// background refresh. Concurrent refreshes of one session share a single
// backend call.
type CredentialCache struct {
	logger  *slog.Logger
	store   Store
	client  backend.Client
	skew    time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
	group   singleflight.Group
}

// NewCredentialCache creates a CredentialCache. Credentials expiring within skew are treated as expired.
func NewCredentialCache(log *slog.Logger, store Store, client backend.Client, skew time.Duration, m *metrics.Metrics) *CredentialCache {
	if log == nil {
		log = slog.Default()
	}
	return &CredentialCache{
		logger:  log.With(slog.String("component", "credentials")),
		store:   store,
		client:  client,
		skew:    skew,
		metrics: m,
		now:     time.Now,
	}
}

// Get returns a usable credential for s, refreshing and persisting it when
// needed. s.Credential is updated in place.
func (c *CredentialCache) Get(ctx context.Context, s *Session) (backend.Credential, error) {
	if s.Credential.Valid(c.now(), c.skew) {
		return s.Credential, nil
	}
	if s.ParticipantToken == "" {
		return backend.Credential{}, fmt.Errorf("session %s has no participant token", s.ID)
	}
	v, err, _ := c.group.Do(s.ID, func() (any, error) {
		cred, err := c.client.CreateConnection(ctx, s.ParticipantToken)
		if err != nil {
			c.metrics.CredentialRefreshed("error")
			return backend.Credential{}, err
		}
		if err := c.store.Update(ctx, s.ID, Update{Credential: &cred}); err != nil {
			c.metrics.CredentialRefreshed("error")
			return backend.Credential{}, fmt.Errorf("persist credential: %w", err)
		}
		c.metrics.CredentialRefreshed("ok")
		return cred, nil
	})
	if err != nil {
		c.logger.Error("refresh connection credential failed", slog.String("session_id", s.ID), slog.Any("error", err))
		return backend.Credential{}, err
	}
	cred := v.(backend.Credential)
	s.Credential = cred
	c.logger.Debug("connection credential refreshed", slog.String("session_id", s.ID), slog.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}
