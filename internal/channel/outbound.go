package channel

import (
	"time"

	"github.com/memohai/concierge/internal/config"
)

const (
	DefaultMaxAttempts     = config.DefaultOutboundMaxAttempts
	DefaultBackoffBaseMs   = config.DefaultOutboundBackoffBaseMs
	DefaultMaxBackoffMs    = config.DefaultOutboundMaxBackoffMs
	DefaultSendTimeoutMs   = config.DefaultOutboundSendTimeoutMs
	DefaultTargetTimeoutMs = config.DefaultOutboundTargetTimeoutMs
)

// OutboundPolicy configures how sends to one target are retried and paced.
type OutboundPolicy struct {
	MaxAttempts     int     `json:"max_attempts,omitempty"`
	BackoffBaseMs   int     `json:"backoff_base_ms,omitempty"`
	MaxBackoffMs    int     `json:"max_backoff_ms,omitempty"`
	SendTimeoutMs   int     `json:"send_timeout_ms,omitempty"`
	TargetTimeoutMs int     `json:"target_timeout_ms,omitempty"`
	RatePerSecond   float64 `json:"rate_per_second,omitempty"`
}

// PolicyFromConfig converts the configured outbound section into a policy.
func PolicyFromConfig(cfg config.OutboundConfig) OutboundPolicy {
	return NormalizeOutboundPolicy(OutboundPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		BackoffBaseMs:   cfg.BackoffBaseMs,
		MaxBackoffMs:    cfg.MaxBackoffMs,
		SendTimeoutMs:   cfg.SendTimeoutMs,
		TargetTimeoutMs: cfg.TargetTimeoutMs,
		RatePerSecond:   cfg.RatePerSecond,
	})
}

// NormalizeOutboundPolicy fills zero-value fields with sensible defaults.
// RatePerSecond stays zero (unlimited) unless set.
func NormalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.BackoffBaseMs <= 0 {
		policy.BackoffBaseMs = DefaultBackoffBaseMs
	}
	if policy.MaxBackoffMs <= 0 {
		policy.MaxBackoffMs = DefaultMaxBackoffMs
	}
	if policy.MaxBackoffMs < policy.BackoffBaseMs {
		policy.MaxBackoffMs = policy.BackoffBaseMs
	}
	if policy.SendTimeoutMs <= 0 {
		policy.SendTimeoutMs = DefaultSendTimeoutMs
	}
	if policy.TargetTimeoutMs <= 0 {
		policy.TargetTimeoutMs = DefaultTargetTimeoutMs
	}
	if policy.RatePerSecond < 0 {
		policy.RatePerSecond = 0
	}
	return policy
}

// Backoff returns the wait before attempt n+1 after attempt n failed:
// BackoffBase * 2^(n-1), capped at MaxBackoff.
func (p OutboundPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	limit := time.Duration(p.MaxBackoffMs) * time.Millisecond
	wait := time.Duration(p.BackoffBaseMs) * time.Millisecond
	for i := 1; i < n; i++ {
		wait *= 2
		if wait >= limit {
			return limit
		}
	}
	if wait > limit {
		return limit
	}
	return wait
}

// SendTimeout bounds a single send call.
func (p OutboundPolicy) SendTimeout() time.Duration {
	return time.Duration(p.SendTimeoutMs) * time.Millisecond
}

// TargetTimeout bounds all attempts for one target.
func (p OutboundPolicy) TargetTimeout() time.Duration {
	return time.Duration(p.TargetTimeoutMs) * time.Millisecond
}
