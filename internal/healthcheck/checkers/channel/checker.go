package channelchecker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/healthcheck"
)

const checkTypeChannelConfig = "channel.config"

// Registry lists the enabled channel adapters.
type Registry interface {
	List() []channel.ChannelAdapter
}

// Checker reports whether every enabled channel can load its credentials.
type Checker struct {
	logger   *slog.Logger
	registry Registry
}

// NewChecker creates a channel health checker.
func NewChecker(log *slog.Logger, registry Registry) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_channel")),
		registry: registry,
	}
}

// ListChecks evaluates one check per registered channel.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	if c.registry == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeChannelConfig + ".service",
				Type:    checkTypeChannelConfig,
				Status:  healthcheck.StatusWarn,
				Summary: "Channel registry is not available.",
				Detail:  "registry is nil",
			},
		}
	}

	adapters := c.registry.List()
	checks := make([]healthcheck.CheckResult, 0, len(adapters))
	for _, adapter := range adapters {
		desc := adapter.Descriptor()
		name := desc.DisplayName
		if name == "" {
			name = adapter.Type().String()
		}
		item := healthcheck.CheckResult{
			ID:       checkTypeChannelConfig + "." + adapter.Type().String(),
			Type:     checkTypeChannelConfig,
			Subtitle: name,
			Status:   healthcheck.StatusUnknown,
			Summary:  fmt.Sprintf("Channel %s does not report its configuration.", name),
			Metadata: map[string]any{
				"channel_type": adapter.Type().String(),
				"signed":       desc.Signed,
			},
		}
		if checker, ok := adapter.(channel.ConfigChecker); ok {
			err := checker.CheckConfig(ctx)
			switch {
			case err == nil:
				item.Status = healthcheck.StatusOK
				item.Summary = fmt.Sprintf("Channel %s is configured.", name)
			case errors.Is(err, channel.ErrNotConfigured):
				item.Status = healthcheck.StatusError
				item.Summary = fmt.Sprintf("Channel %s is missing credentials.", name)
				item.Detail = err.Error()
			default:
				item.Status = healthcheck.StatusWarn
				item.Summary = fmt.Sprintf("Channel %s credentials could not be loaded.", name)
				item.Detail = err.Error()
			}
			if err != nil {
				c.logger.Warn("channel configuration check failed", slog.String("channel", adapter.Type().String()), slog.Any("error", err))
			}
		}
		checks = append(checks, item)
	}
	return checks
}
