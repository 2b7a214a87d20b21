package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/memohai/concierge/internal/channel"
	"github.com/memohai/concierge/internal/errs"
	"github.com/memohai/concierge/internal/group"
	"github.com/memohai/concierge/internal/message"
	"github.com/memohai/concierge/internal/prune"
)

// Dispatcher fans a committed message out to the external members of its
// group. Each target is delivered independently; one target's failures never
// affect another's.
type Dispatcher struct {
	store        Store
	participants ParticipantLister
	sender       channel.Sender
	attachments  AttachmentOpener
	policy       channel.OutboundPolicy
	limiter      *rate.Limiter
	logger       *slog.Logger

	mu       sync.RWMutex
	reporter FailureReporter
}

// NewDispatcher creates a dispatcher sending through sender under policy.
func NewDispatcher(log *slog.Logger, store Store, participants ParticipantLister, sender channel.Sender, attachments AttachmentOpener, policy channel.OutboundPolicy) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	policy = channel.NormalizeOutboundPolicy(policy)
	d := &Dispatcher{
		store:        store,
		participants: participants,
		sender:       sender,
		attachments:  attachments,
		policy:       policy,
		logger:       log.With(slog.String("service", "delivery")),
	}
	if policy.RatePerSecond > 0 {
		burst := int(policy.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(policy.RatePerSecond), burst)
	}
	return d
}

// SetFailureReporter installs the callback for exhausted targets.
func (d *Dispatcher) SetFailureReporter(r FailureReporter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reporter = r
}

// Policy returns the normalized outbound policy.
func (d *Dispatcher) Policy() channel.OutboundPolicy {
	return d.policy
}

// Dispatch delivers msg to every external member except its sender and
// returns the final attempt of each target it handled. Delivery errors are
// recorded and reported, never returned. System messages are not sent out.
func (d *Dispatcher) Dispatch(ctx context.Context, msg message.Message) []Attempt {
	if msg.Provenance == message.ProvenanceSystemGenerated {
		return nil
	}
	targets, err := d.targets(ctx, msg)
	if err != nil {
		d.logger.Error("resolve delivery targets failed", slog.String("message_id", msg.ID), slog.Any("error", err))
		return nil
	}
	plans := lo.Map(targets, func(p group.Participant, _ int) plan {
		return plan{target: p, start: 1}
	})
	return d.run(ctx, msg, plans)
}

// Resume continues delivery of msg for targets whose last attempt was
// interrupted or that were never attempted, using the remaining budget.
func (d *Dispatcher) Resume(ctx context.Context, msg message.Message) []Attempt {
	if msg.Provenance == message.ProvenanceSystemGenerated {
		return nil
	}
	targets, err := d.targets(ctx, msg)
	if err != nil {
		d.logger.Error("resolve delivery targets failed", slog.String("message_id", msg.ID), slog.Any("error", err))
		return nil
	}
	existing, err := d.store.ListByMessage(ctx, msg.ID)
	if err != nil {
		d.logger.Error("load attempts failed", slog.String("message_id", msg.ID), slog.Any("error", err))
		return nil
	}
	latest := Latest(existing)

	var plans []plan
	for _, target := range targets {
		last, seen := latest[target.ExternalID]
		if !seen {
			plans = append(plans, plan{target: target, start: 1})
			continue
		}
		// Only attempts cut short by a crash are resumed. Other failures were
		// already final when recorded.
		if last.Outcome != OutcomeFailed || last.FailureReason != ReasonInterrupted {
			continue
		}
		if last.AttemptNo >= d.policy.MaxAttempts {
			d.reportFailure(ctx, msg, last)
			continue
		}
		plans = append(plans, plan{target: target, start: last.AttemptNo + 1})
	}
	return d.run(ctx, msg, plans)
}

type plan struct {
	target group.Participant
	start  int
}

func (d *Dispatcher) run(ctx context.Context, msg message.Message, plans []plan) []Attempt {
	if len(plans) == 0 {
		return nil
	}
	results := make([]Attempt, len(plans))
	handled := make([]bool, len(plans))
	var wg sync.WaitGroup
	for i, p := range plans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], handled[i] = d.deliverTarget(ctx, msg, p.target, p.start)
		}()
	}
	wg.Wait()

	out := make([]Attempt, 0, len(plans))
	for i := range results {
		if handled[i] {
			out = append(out, results[i])
		}
	}
	return out
}

// targets lists external members minus the sender, one per phone number.
func (d *Dispatcher) targets(ctx context.Context, msg message.Message) ([]group.Participant, error) {
	participants, err := d.participants.ListExternalParticipants(ctx, msg.GroupID)
	if err != nil {
		return nil, err
	}
	targets := lo.Filter(participants, func(p group.Participant, _ int) bool {
		return p.UserID != msg.SenderID && p.ExternalID != ""
	})
	return lo.UniqBy(targets, func(p group.Participant) string { return p.ExternalID }), nil
}

// deliverTarget runs attempts start..MaxAttempts against one target under the
// target deadline. It reports false when another dispatcher already owns the
// attempt. An attempt whose pending row cannot be written is not sent and
// counts as failed.
func (d *Dispatcher) deliverTarget(parent context.Context, msg message.Message, target group.Participant, start int) (Attempt, bool) {
	ctx, cancel := context.WithTimeout(parent, d.policy.TargetTimeout())
	defer cancel()
	// Log rows are written even after the target deadline expired.
	storeCtx := context.WithoutCancel(parent)
	logger := d.logger.With(slog.String("message_id", msg.ID), slog.String("target", target.ExternalID))

	out := d.outbound(msg, target.ExternalID)
	row := Attempt{MessageID: msg.ID, MemberID: target.UserID, Target: target.ExternalID}

	open := func(n int) error {
		row.AttemptNo = n
		row.Outcome = OutcomePending
		row.FailureReason, row.ProviderMessageID = "", ""
		_, err := d.store.Append(storeCtx, row)
		switch {
		case err == nil:
		case errors.Is(err, errs.ErrConflict):
			logger.Info("attempt already owned by another dispatcher", slog.Int("attempt", n))
		default:
			logger.Error("record pending attempt failed", slog.Int("attempt", n), slog.Any("error", err))
		}
		return err
	}
	resolve := func(outcome Outcome, reason, providerID string) Attempt {
		row.Outcome = outcome
		row.FailureReason = reason
		row.ProviderMessageID = providerID
		saved, err := d.store.Append(storeCtx, row)
		if err != nil {
			logger.Error("record attempt outcome failed", slog.Int("attempt", row.AttemptNo), slog.String("outcome", string(outcome)), slog.Any("error", err))
			saved = row
			saved.AttemptedAt = time.Now().UTC()
		}
		return saved
	}

	openErr := open(start)
	if errors.Is(openErr, errs.ErrConflict) {
		return Attempt{}, false
	}
	var final Attempt
	for n := start; ; n++ {
		if n > start {
			if err := wait(ctx, d.policy.Backoff(n-1)); err != nil {
				final = resolve(OutcomeFailed, "target deadline exceeded", "")
				break
			}
		}

		var err error
		if openErr != nil {
			err = fmt.Errorf("record pending attempt: %w", openErr)
		} else {
			var result channel.SendResult
			result, err = d.send(ctx, out)
			if err == nil {
				final = resolve(OutcomeSuccess, "", result.ProviderMessageID)
				logger.Info("message delivered", slog.Int("attempt", n), slog.String("provider_message_id", result.ProviderMessageID))
				return final, true
			}
		}
		failure := errs.Delivery(target.ExternalID, err)
		logger.Warn("delivery attempt failed", slog.Int("attempt", n), slog.Any("error", failure))
		final = resolve(OutcomeFailed, prune.Reason(err.Error(), 0), "")

		if errors.Is(err, channel.ErrPermanent) || n >= d.policy.MaxAttempts || ctx.Err() != nil {
			break
		}
		openErr = open(n + 1)
		if errors.Is(openErr, errs.ErrConflict) {
			return final, true
		}
	}
	d.reportFailure(storeCtx, msg, final)
	return final, true
}

func (d *Dispatcher) send(ctx context.Context, out channel.OutboundMessage) (channel.SendResult, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return channel.SendResult{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.policy.SendTimeout())
	defer cancel()
	return d.sender.Send(sendCtx, out)
}

func (d *Dispatcher) outbound(msg message.Message, target string) channel.OutboundMessage {
	out := channel.OutboundMessage{Target: target, Body: msg.Body}
	for _, att := range msg.Attachments {
		id := att.ID
		ob := channel.OutboundAttachment{
			ID:          att.ID,
			ContentType: att.ContentType,
			Name:        att.OriginalName,
			SizeBytes:   att.SizeBytes,
		}
		if d.attachments != nil {
			ob.URL = d.attachments.AccessPath(att)
			ob.Open = func(ctx context.Context) (io.ReadCloser, error) {
				rc, _, err := d.attachments.Open(ctx, id)
				return rc, err
			}
		}
		out.Attachments = append(out.Attachments, ob)
	}
	return out
}

func (d *Dispatcher) reportFailure(ctx context.Context, msg message.Message, final Attempt) {
	d.mu.RLock()
	reporter := d.reporter
	d.mu.RUnlock()
	d.logger.Error("delivery failed",
		slog.String("message_id", msg.ID),
		slog.String("target", final.Target),
		slog.Int("attempts", final.AttemptNo),
		slog.String("reason", final.FailureReason),
	)
	if reporter != nil {
		reporter.ReportDeliveryFailure(ctx, msg, final)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
