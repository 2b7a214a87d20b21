package healthcheck

import (
	"context"
	"time"
)

const defaultPingTimeout = 3 * time.Second

// PingFunc probes one dependency.
type PingFunc func(ctx context.Context) error

// PingAdapter turns a PingFunc into a Checker with a single result.
type PingAdapter struct {
	id       string
	checkTyp string
	subtitle string
	ping     PingFunc
	timeout  time.Duration
}

// NewPingAdapter creates a checker named id of the given check type.
func NewPingAdapter(id, checkType, subtitle string, ping PingFunc) *PingAdapter {
	return &PingAdapter{id: id, checkTyp: checkType, subtitle: subtitle, ping: ping, timeout: defaultPingTimeout}
}

// ListChecks runs the probe under a short timeout.
func (a *PingAdapter) ListChecks(ctx context.Context) []CheckResult {
	item := CheckResult{
		ID:       a.id,
		Type:     a.checkTyp,
		Subtitle: a.subtitle,
	}
	if a.ping == nil {
		item.Status = StatusWarn
		item.Summary = a.id + " is not configured."
		return []CheckResult{item}
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()
	err := a.ping(ctx)
	item.Metadata = map[string]any{"latency_ms": time.Since(start).Milliseconds()}
	if err != nil {
		item.Status = StatusError
		item.Summary = a.id + " is unreachable."
		item.Detail = err.Error()
		return []CheckResult{item}
	}
	item.Status = StatusOK
	item.Summary = a.id + " is reachable."
	return []CheckResult{item}
}
