package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memohai/chatbridge/internal/metrics"
)

// Sweeper periodically purges sessions closed longer than a retention period.
type Sweeper struct {
	logger   *slog.Logger
	store    Store
	ttl      time.Duration
	schedule string
	metrics  *metrics.Metrics
	cron     *cron.Cron
	now      func() time.Time
}

// NewSweeper validates schedule (standard cron syntax or descriptors such as
// "@hourly") and returns a stopped Sweeper. An empty schedule yields a Sweeper
// whose Start is a no-op.
func NewSweeper(log *slog.Logger, store Store, schedule string, ttl time.Duration, m *metrics.Metrics) (*Sweeper, error) {
	if log == nil {
		log = slog.Default()
	}
	schedule = strings.TrimSpace(schedule)
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
		}
		if ttl <= 0 {
			return nil, fmt.Errorf("retention ttl must be positive")
		}
	}
	return &Sweeper{
		logger:   log.With(slog.String("component", "session_sweeper")),
		store:    store,
		ttl:      ttl,
		schedule: schedule,
		metrics:  m,
		now:      time.Now,
	}, nil
}

// Enabled reports whether a schedule is configured.
func (s *Sweeper) Enabled() bool {
	return s.schedule != ""
}

// Start schedules the sweep.
func (s *Sweeper) Start() error {
	if !s.Enabled() {
		s.logger.Info("retention sweep disabled")
		return nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("retention sweep failed", slog.Any("error", err))
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("retention sweep scheduled", slog.String("schedule", s.schedule), slog.Duration("ttl", s.ttl))
	return nil
}

// Stop halts scheduling and waits for a running sweep or ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep purges sessions closed before now minus the retention period.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl)
	n, err := s.store.PurgeClosed(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.metrics.Purged(n)
	if n > 0 {
		s.logger.Info("purged closed sessions", slog.Int64("count", n), slog.Time("cutoff", cutoff))
	}
	return n, nil
}
