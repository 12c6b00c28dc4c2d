package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
	"github.com/ignite/comm-dispatch/internal/service/dispatch"
)

// Processor applies normalized provider events to recipients and records.
type Processor struct {
	recipients dispatch.RecipientStore
	records    RecordStore
	observer   dispatch.Observer
}

// NewProcessor creates an event processor. records and observer may be nil.
func NewProcessor(recipients dispatch.RecipientStore, records RecordStore, observer dispatch.Observer) *Processor {
	return &Processor{recipients: recipients, records: records, observer: observer}
}

// Apply matches ev to a recipient or record by correlation id. Events with
// no correlation id, or one nobody recognizes, are ignored. Status only
// moves forward: open and click promote delivered to opened, bounce and
// dropped fail the recipient.
func (p *Processor) Apply(ctx context.Context, ev domain.ProviderEvent) error {
	if ev.RecipientGUID == "" {
		return nil
	}

	matched := false
	r, err := p.recipients.FindByGUID(ctx, ev.RecipientGUID)
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
	case err != nil:
		return fmt.Errorf("find recipient: %w", err)
	default:
		matched = true
		if err := p.applyToRecipient(ctx, r, ev); err != nil {
			return err
		}
	}

	if p.records != nil {
		err := p.records.MarkEvent(ctx, ev.RecipientGUID, ev.Event, ev.Timestamp)
		switch {
		case errors.Is(err, ErrRecordNotFound):
		case err != nil:
			return fmt.Errorf("mark record event: %w", err)
		default:
			matched = true
		}
	}

	if !matched {
		logger.Debug("ignoring event for unknown recipient", "guid", ev.RecipientGUID, "event", string(ev.Event))
	}
	return nil
}

func (p *Processor) applyToRecipient(ctx context.Context, r *domain.Recipient, ev domain.ProviderEvent) error {
	switch ev.Event {
	case domain.EventOpen, domain.EventClick:
		if r.Status != domain.RecipientDelivered {
			return nil
		}
		at := ev.Timestamp
		r.Status = domain.RecipientOpened
		r.OpenedAt = &at
	case domain.EventBounce, domain.EventDropped:
		if !r.Status.CanTransition(domain.RecipientFailed) {
			return nil
		}
		r.Status = domain.RecipientFailed
		r.StatusNote = failureNote(ev)
	default:
		return nil
	}

	err := p.recipients.UpdateStatus(ctx, r)
	if errors.Is(err, dispatch.ErrInvalidTransition) {
		// A concurrent event already moved the recipient on.
		return nil
	}
	if err != nil {
		return fmt.Errorf("update recipient %s: %w", r.ID, err)
	}
	if p.observer != nil {
		p.observer.ObserveRecipient(string(ev.Provider), r.Status)
	}
	return nil
}

func failureNote(ev domain.ProviderEvent) string {
	label := "Bounced"
	if ev.Event == domain.EventDropped {
		label = "Dropped"
	}
	if ev.Reason == "" {
		return label
	}
	return label + ": " + ev.Reason
}
