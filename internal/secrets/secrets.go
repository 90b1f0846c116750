package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned by providers when the named secret does not exist.
	ErrNotFound = errors.New("secret not found")
	// ErrNotConfigured is returned by Cache once it has determined the secret is absent.
	ErrNotConfigured = errors.New("secret not configured")
)

// Provider fetches a named secret blob of string values.
type Provider interface {
	GetSecret(ctx context.Context, name string) (map[string]string, error)
}

// Cache loads one secret blob at most once per instance.
//
// The first successful fetch is kept for the lifetime of the Cache. A blank
// name, a nil provider, ErrNotFound, or an empty blob is remembered as
// "checked, not configured" and every later call fails with ErrNotConfigured
// without touching the provider. Other provider errors are returned and the
// next call tries again.
type Cache struct {
	logger   *slog.Logger
	provider Provider
	name     string

	mu     sync.Mutex
	loaded bool
	values map[string]string
}

// NewCache creates a Cache for the named secret.
func NewCache(log *slog.Logger, provider Provider, name string) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		logger:   log.With(slog.String("secret", name)),
		provider: provider,
		name:     strings.TrimSpace(name),
	}
}

// Get returns the cached secret values, loading them on first use.
func (c *Cache) Get(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		if c.values == nil {
			return nil, ErrNotConfigured
		}
		return c.values, nil
	}
	if c.name == "" || c.provider == nil {
		c.loaded = true
		c.logger.Warn("secret name not configured")
		return nil, ErrNotConfigured
	}
	values, err := c.provider.GetSecret(ctx, c.name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.loaded = true
			c.logger.Error("secret does not exist", slog.Any("error", err))
			return nil, ErrNotConfigured
		}
		c.logger.Error("fetch secret failed", slog.Any("error", err))
		return nil, fmt.Errorf("fetch secret %s: %w", c.name, err)
	}
	c.loaded = true
	if len(values) == 0 {
		c.logger.Error("secret is empty")
		return nil, ErrNotConfigured
	}
	c.values = values
	return values, nil
}

// Value returns one key of the secret. A missing or blank key is reported as ErrNotConfigured.
func (c *Cache) Value(ctx context.Context, key string) (string, error) {
	values, err := c.Get(ctx)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(values[key])
	if value == "" {
		return "", fmt.Errorf("%w: %s missing %s", ErrNotConfigured, c.name, key)
	}
	return value, nil
}

// Static is an in-process Provider keyed by secret name.
type Static map[string]map[string]string

// GetSecret returns a copy of the named blob.
func (s Static) GetSecret(_ context.Context, name string) (map[string]string, error) {
	blob, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	out := make(map[string]string, len(blob))
	for k, v := range blob {
		out[k] = v
	}
	return out, nil
}
