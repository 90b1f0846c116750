package storechecker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/memohai/chatbridge/internal/healthcheck"
	"github.com/memohai/chatbridge/internal/session"
)

const (
	checkTypeSessionStore = "session.store"
	sentinelID            = "healthcheck-sentinel"
	defaultTimeout        = 3 * time.Second
)

// SessionGetter is the read side of the session store.
type SessionGetter interface {
	Get(ctx context.Context, id string) (session.Session, error)
}

// Checker checks the session store with a point read of a nonexistent id.
type Checker struct {
	logger  *slog.Logger
	store   SessionGetter
	driver  string
	timeout time.Duration
}

// NewChecker creates a session store health checker.
func NewChecker(log *slog.Logger, store SessionGetter, driver string) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_store")),
		store:   store,
		driver:  driver,
		timeout: defaultTimeout,
	}
}

// ListChecks returns a single store reachability check.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:       checkTypeSessionStore + "." + c.driver,
		Type:     checkTypeSessionStore,
		Subtitle: c.driver,
		Metadata: map[string]any{"driver": c.driver},
	}
	if c.store == nil {
		item.Status = healthcheck.StatusWarn
		item.Summary = "Session store is not available."
		return []healthcheck.CheckResult{item}
	}

	readCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	started := time.Now()
	_, err := c.store.Get(readCtx, sentinelID)
	item.Metadata["latency_ms"] = time.Since(started).Milliseconds()
	if err == nil || errors.Is(err, session.ErrNotFound) {
		item.Status = healthcheck.StatusOK
		item.Summary = "Session store is reachable."
		return []healthcheck.CheckResult{item}
	}
	c.logger.Error("session store check failed", slog.Any("error", err))
	item.Status = healthcheck.StatusError
	item.Summary = "Session store is unreachable."
	item.Detail = err.Error()
	return []healthcheck.CheckResult{item}
}
