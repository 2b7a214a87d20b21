package channelchecker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/memohai/concierge/internal/channel"
	"github.com/memohai/concierge/internal/healthcheck"
)

const checkTypeChannelAdapter = "channel.adapter"

// AdapterRegistry exposes the registered channel adapters.
type AdapterRegistry interface {
	Types() []channel.ChannelType
	GetSender(channelType channel.ChannelType) (channel.Sender, bool)
	GetMediaResolver(channelType channel.ChannelType) (channel.MediaResolver, bool)
	GetOutboundPolicy(channelType channel.ChannelType) (channel.OutboundPolicy, bool)
}

// Checker reports whether the active channel can send and fetch media.
type Checker struct {
	logger   *slog.Logger
	registry AdapterRegistry
	active   channel.ChannelType
}

// NewChecker creates a channel health checker for the active channel type.
func NewChecker(log *slog.Logger, registry AdapterRegistry, active channel.ChannelType) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_channel")),
		registry: registry,
		active:   active,
	}
}

// ListChecks evaluates every registered adapter.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	if c.registry == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{{
			ID:      checkTypeChannelAdapter + ".registry",
			Type:    checkTypeChannelAdapter,
			Status:  healthcheck.StatusWarn,
			Summary: "Channel registry is not available.",
		}}
	}

	types := c.registry.Types()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	checks := make([]healthcheck.CheckResult, 0, len(types)+1)
	seenActive := false
	for _, channelType := range types {
		name := strings.TrimSpace(channelType.String())
		if channelType == c.active {
			seenActive = true
		}
		_, canSend := c.registry.GetSender(channelType)
		_, canFetch := c.registry.GetMediaResolver(channelType)
		item := healthcheck.CheckResult{
			ID:       checkTypeChannelAdapter + "." + name,
			Type:     checkTypeChannelAdapter,
			Subtitle: name,
			Status:   healthcheck.StatusOK,
			Summary:  fmt.Sprintf("Channel %s is ready.", name),
			Metadata: map[string]any{
				"active":       channelType == c.active,
				"can_send":     canSend,
				"can_fetch":    canFetch,
				"channel_type": name,
			},
		}
		if policy, ok := c.registry.GetOutboundPolicy(channelType); ok {
			item.Metadata["max_attempts"] = policy.MaxAttempts
		}
		if !canSend {
			item.Status = healthcheck.StatusWarn
			item.Summary = fmt.Sprintf("Channel %s cannot send messages.", name)
			if channelType == c.active {
				item.Status = healthcheck.StatusError
			}
		}
		checks = append(checks, item)
	}
	if !seenActive && c.active != "" {
		checks = append(checks, healthcheck.CheckResult{
			ID:      checkTypeChannelAdapter + "." + c.active.String(),
			Type:    checkTypeChannelAdapter,
			Status:  healthcheck.StatusError,
			Summary: fmt.Sprintf("Channel %s is not registered.", c.active),
		})
	}
	return checks
}
