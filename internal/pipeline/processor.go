// Package pipeline runs a message from arrival to fan-out: resolve the
// sender, persist attachments, commit, then deliver and broadcast.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/memohai/concierge/internal/channel"
	"github.com/memohai/concierge/internal/delivery"
	"github.com/memohai/concierge/internal/errs"
	"github.com/memohai/concierge/internal/media"
	"github.com/memohai/concierge/internal/message"
)

// maxParallelUploads bounds concurrent attachment persistence per message.
const maxParallelUploads = 4

// Deps groups the collaborators of a Processor.
type Deps struct {
	Users       UserResolver
	Groups      GroupResolver
	Attachments AttachmentPersister
	Messages    MessageCommitter
	Dispatcher  Dispatcher
	Publisher   Publisher
	// Deduper is optional; without it provider redeliveries are committed again.
	Deduper Deduper
}

// Processor handles inbound and operator messages.
type Processor struct {
	deps   Deps
	logger *slog.Logger
	groups *groupLocks
	wg     sync.WaitGroup
}

// NewProcessor creates a message pipeline.
func NewProcessor(log *slog.Logger, deps Deps) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		deps:   deps,
		logger: log.With(slog.String("service", "pipeline")),
		groups: newGroupLocks(),
	}
}

// HandleInbound commits a message received from the external channel and
// starts its fan-out. A provider redelivery of an already claimed message
// returns the zero Message and no error.
func (p *Processor) HandleInbound(ctx context.Context, in channel.InboundMessage) (message.Message, error) {
	if in.Empty() {
		return message.Message{}, errs.Validation("inbound message has no body or media")
	}
	channelType := in.Channel.String()
	if p.deps.Deduper != nil && in.ProviderMessageID != "" {
		first, err := p.deps.Deduper.Claim(ctx, channelType, in.ProviderMessageID)
		switch {
		case err != nil:
			p.logger.Warn("inbound dedup unavailable", slog.Any("error", err))
		case !first:
			p.logger.Info("duplicate inbound suppressed", slog.String("provider_message_id", in.ProviderMessageID))
			return message.Message{}, nil
		default:
			msg, err := p.handleInbound(ctx, in)
			if err != nil {
				if relErr := p.deps.Deduper.Release(context.WithoutCancel(ctx), channelType, in.ProviderMessageID); relErr != nil {
					p.logger.Warn("release inbound claim failed", slog.Any("error", relErr))
				}
			}
			return msg, err
		}
	}
	return p.handleInbound(ctx, in)
}

func (p *Processor) handleInbound(ctx context.Context, in channel.InboundMessage) (message.Message, error) {
	user, err := p.deps.Users.ResolveUser(ctx, in.ExternalID, in.DisplayName)
	if err != nil {
		return message.Message{}, fmt.Errorf("resolve user: %w", err)
	}
	g, err := p.deps.Groups.ResolveGroupForUser(ctx, user)
	if err != nil {
		return message.Message{}, fmt.Errorf("resolve group: %w", err)
	}

	inputs := make([]media.PersistInput, 0, len(in.Media))
	for _, ref := range in.Media {
		inputs = append(inputs, media.PersistInput{Ref: ref.Ref, ContentType: ref.ContentType, OriginalName: ref.Name})
	}
	atts, err := p.persistAll(ctx, inputs)
	if err != nil {
		return message.Message{}, err
	}

	msg, err := p.commit(ctx, message.CommitInput{
		GroupID:           g.ID,
		Provenance:        message.ProvenanceExternalUser,
		SenderID:          user.ID,
		Body:              in.Body,
		ExternalMessageID: in.ProviderMessageID,
	}, atts)
	if err != nil {
		return message.Message{}, err
	}
	p.fanOut(ctx, msg)
	return msg, nil
}

// HandleOperatorMessage commits an operator reply. The operator must be an
// active member of the group; otherwise nothing is persisted.
func (p *Processor) HandleOperatorMessage(ctx context.Context, in OperatorMessage) (message.Message, error) {
	if strings.TrimSpace(in.GroupID) == "" || strings.TrimSpace(in.OperatorID) == "" {
		return message.Message{}, errs.Validation("group id and operator id are required")
	}
	if strings.TrimSpace(in.Body) == "" && len(in.Uploads) == 0 {
		return message.Message{}, errs.Validation("message needs a body or an attachment")
	}
	member, err := p.deps.Groups.IsActiveOperatorMember(ctx, in.GroupID, in.OperatorID)
	if err != nil {
		return message.Message{}, err
	}
	if !member {
		return message.Message{}, errs.Forbidden("operator %s is not an active member of group %s", in.OperatorID, in.GroupID)
	}

	inputs := make([]media.PersistInput, 0, len(in.Uploads))
	for _, u := range in.Uploads {
		inputs = append(inputs, media.PersistInput{Reader: u.Reader, ContentType: u.ContentType, OriginalName: u.Name})
	}
	atts, err := p.persistAll(ctx, inputs)
	if err != nil {
		return message.Message{}, err
	}

	msg, err := p.commit(ctx, message.CommitInput{
		GroupID:    in.GroupID,
		Provenance: message.ProvenanceInternalOperator,
		SenderID:   in.OperatorID,
		Body:       in.Body,
	}, atts)
	if err != nil {
		return message.Message{}, err
	}
	p.fanOut(ctx, msg)
	return msg, nil
}

// ReportDeliveryFailure records an exhausted delivery as a system message in
// the group and shows it to operators.
func (p *Processor) ReportDeliveryFailure(ctx context.Context, msg message.Message, final delivery.Attempt) {
	if _, err := p.commitAndPublish(ctx, message.CommitInput{
		GroupID:    msg.GroupID,
		Provenance: message.ProvenanceSystemGenerated,
		Body:       FailureNotice(final),
	}); err != nil {
		p.logger.Error("record delivery failure failed",
			slog.String("message_id", msg.ID),
			slog.String("target", final.Target),
			slog.Any("error", err),
		)
	}
}

// FailureNotice renders the operator-facing text for an exhausted target.
func FailureNotice(final delivery.Attempt) string {
	unit := "attempts"
	if final.AttemptNo == 1 {
		unit = "attempt"
	}
	reason := strings.TrimSpace(final.FailureReason)
	if reason == "" {
		reason = "unknown error"
	}
	return fmt.Sprintf("Delivery to %s failed after %d %s: %s", final.Target, final.AttemptNo, unit, reason)
}

// Wait blocks until background fan-out finished or ctx is done.
func (p *Processor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persistAll stores every input concurrently. When any fails the ones that
// succeeded are discarded and an errs.ErrStorage is returned.
func (p *Processor) persistAll(ctx context.Context, inputs []media.PersistInput) ([]media.Attachment, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	atts := make([]media.Attachment, len(inputs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxParallelUploads)
	for i, input := range inputs {
		eg.Go(func() error {
			att, err := p.deps.Attachments.PersistAttachment(egCtx, input)
			if err != nil {
				return err
			}
			atts[i] = att
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		p.discard(ctx, atts)
		if !errors.Is(err, errs.ErrStorage) {
			err = errs.Storage("persist attachments", err)
		}
		return nil, err
	}
	return atts, nil
}

func (p *Processor) commit(ctx context.Context, input message.CommitInput, atts []media.Attachment) (message.Message, error) {
	for _, att := range atts {
		input.AttachmentIDs = append(input.AttachmentIDs, att.ID)
	}
	msg, err := p.commitAndPublish(ctx, input)
	if err != nil {
		p.discard(ctx, atts)
		return message.Message{}, err
	}
	return msg, nil
}

// commitAndPublish commits input and hands the result to live sessions
// while holding the group's lock, so publishes follow seq order. Publish
// never blocks, which keeps the critical section short.
func (p *Processor) commitAndPublish(ctx context.Context, input message.CommitInput) (message.Message, error) {
	unlock := p.groups.lock(input.GroupID)
	defer unlock()
	msg, err := p.deps.Messages.Commit(ctx, input)
	if err != nil {
		return message.Message{}, err
	}
	p.deps.Publisher.Publish(msg)
	return msg, nil
}

func (p *Processor) discard(ctx context.Context, atts []media.Attachment) {
	persisted := make([]media.Attachment, 0, len(atts))
	for _, att := range atts {
		if att.ID != "" {
			persisted = append(persisted, att)
		}
	}
	if len(persisted) > 0 {
		p.deps.Attachments.Discard(context.WithoutCancel(ctx), persisted)
	}
}

// fanOut delivers msg in the background, detached from the request
// context. The broadcast already happened in commitAndPublish.
func (p *Processor) fanOut(ctx context.Context, msg message.Message) {
	bg := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.deps.Dispatcher.Dispatch(bg, msg)
	}()
}
