package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
	"github.com/ignite/comm-dispatch/internal/service/sending"
)

// Deps groups the collaborators of an Orchestrator. Codes may be nil, in
// which case recipients keep whatever response code they already carry.
type Deps struct {
	Communications CommunicationStore
	Claims         ClaimQueue
	Recipients     RecipientStore
	Transports     sending.TransportResolver
	Builder        *Builder
	Recorder       *Recorder
	Codes          ResponseCodeAllocator
}

// Orchestrator drives bulk and ad-hoc sends. Several orchestrators may run
// against the same communication at once; the claim queue is the only
// point where they coordinate.
type Orchestrator struct {
	comms      CommunicationStore
	claims     ClaimQueue
	recipients RecipientStore
	transports sending.TransportResolver
	builder    *Builder
	recorder   *Recorder
	codes      ResponseCodeAllocator
}

// NewOrchestrator creates an orchestrator from d.
func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		comms:      d.Communications,
		claims:     d.Claims,
		recipients: d.Recipients,
		transports: d.Transports,
		builder:    d.Builder,
		recorder:   d.Recorder,
		codes:      d.Codes,
	}
}

// SendBulk claims and sends every pending recipient of the communication
// for mediumID. It returns nil without sending when the communication is
// not approved, not yet due, or has nothing pending. Per-recipient failures
// are recorded on the recipient and never returned; the returned error is
// reserved for store and configuration failures that stop the whole run.
func (o *Orchestrator) SendBulk(ctx context.Context, communicationID, mediumID string) error {
	comm, err := o.comms.Get(ctx, communicationID)
	if err != nil {
		return fmt.Errorf("load communication %s: %w", communicationID, err)
	}
	if !comm.IsApproved() {
		logger.Debug("communication not approved, skipping", "communication_id", comm.ID, "status", string(comm.Status))
		return nil
	}
	if !comm.IsDue(now()) {
		logger.Debug("communication not due, skipping", "communication_id", comm.ID)
		return nil
	}
	pending, err := o.recipients.HasPending(ctx, comm.ID, mediumID)
	if err != nil {
		return fmt.Errorf("check pending recipients: %w", err)
	}
	if !pending {
		return nil
	}

	transport, err := o.transports.Transport(comm.TransportName)
	if err != nil {
		return fmt.Errorf("resolve transport for communication %s: %w", comm.ID, err)
	}

	var sent, failed, cancelled int
	for {
		if err := ctx.Err(); err != nil {
			logger.Info("bulk send interrupted", "communication_id", comm.ID, "sent", sent, "failed", failed, "cancelled", cancelled)
			return nil
		}
		r, err := o.claims.ClaimNext(ctx, comm.ID, mediumID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim recipient: %w", err)
		}
		if r == nil {
			break
		}
		switch o.processRecipient(ctx, comm, transport, r) {
		case domain.RecipientDelivered:
			sent++
		case domain.RecipientCancelled:
			cancelled++
		default:
			failed++
		}
	}

	logger.Info("bulk send complete",
		"communication_id", comm.ID,
		"medium_id", mediumID,
		"transport", transport.Name(),
		"sent", sent,
		"failed", failed,
		"cancelled", cancelled,
	)
	return nil
}

// processRecipient runs validate, build, dispatch and record for one claimed
// recipient and returns the status it ended in. Nothing it does escapes as
// an error or panic.
func (o *Orchestrator) processRecipient(ctx context.Context, comm *domain.Communication, t sending.Transport, r *domain.Recipient) (status domain.RecipientStatus) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("recipient processing panicked", "recipient_id", r.ID, "panic", fmt.Sprint(p))
			// An outcome already stored stands; only an unfinished claim fails.
			if r.Status.IsTerminal() {
				status = r.Status
				return
			}
			status = domain.RecipientFailed
			o.fail(ctx, r, ExceptionNote(fmt.Errorf("panic: %v", p)))
		}
	}()

	if err := Eligible(comm, r); err != nil {
		if cerr := o.recorder.Cancel(ctx, r, err.Error()); cerr != nil {
			logger.Error("cancel recipient failed", "recipient_id", r.ID, "error", cerr)
		}
		return domain.RecipientCancelled
	}

	if r.ResponseCode == "" && o.codes != nil {
		code, err := o.codes.Allocate(ctx)
		if err != nil {
			o.fail(ctx, r, ExceptionNote(fmt.Errorf("allocate response code: %w", err)))
			return domain.RecipientFailed
		}
		r.ResponseCode = code
	}

	msg, err := o.builder.Build(comm, TargetFor(r), true)
	if err != nil {
		o.fail(ctx, r, noteFor(err))
		return domain.RecipientFailed
	}

	out := Dispatch(ctx, t, msg)
	if err := o.recorder.Record(ctx, r, out); err != nil {
		logger.Error("record outcome failed", "recipient_id", r.ID, "status", string(out.Status), "error", err)
	}
	if out.Delivered() {
		o.recorder.RecordHistory(ctx, comm, r.Person.ID, msg)
		o.recorder.EnqueueCommunicationRecord(ctx, comm, r.Person.ID, msg, out.TransportName)
	}
	return r.Status
}

func (o *Orchestrator) fail(ctx context.Context, r *domain.Recipient, note string) {
	if err := o.recorder.Fail(ctx, r, note); err != nil {
		logger.Error("fail recipient failed", "recipient_id", r.ID, "error", err)
	}
}

// SendDirect sends comm to an explicit list of targets without claiming or
// eligibility filtering. Errors are accumulated and returned; an empty
// result means every target was accepted. A message-level problem, such as
// no usable from-address, stops the call at the first target. With
// createRecord set each message carries a correlation id and a delivered
// message enqueues a communication record.
func (o *Orchestrator) SendDirect(ctx context.Context, comm *domain.Communication, targets []Target, createRecord bool) []error {
	transport, err := o.transports.Transport(comm.TransportName)
	if err != nil {
		return []error{fmt.Errorf("resolve transport: %w", err)}
	}

	var errs []error
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return append(errs, err)
		}
		msg, err := o.builder.Build(comm, t, createRecord)
		if err != nil {
			if isMessageLevel(err) {
				return append(errs, err)
			}
			errs = append(errs, err)
			continue
		}

		out := Dispatch(ctx, transport, msg)
		o.recorder.Observe(out.TransportName, out.RecipientStatus())
		if !out.Delivered() {
			errs = append(errs, &TransportError{Transport: out.TransportName, Note: out.Note})
			continue
		}
		o.recorder.RecordHistory(ctx, comm, t.Person.ID, msg)
		if createRecord {
			o.recorder.EnqueueCommunicationRecord(ctx, comm, t.Person.ID, msg, out.TransportName)
		}
	}
	return errs
}

// noteFor renders a build error as a recipient status note.
func noteFor(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	var ae *AddressFormatError
	if errors.As(err, &ae) {
		return ae.Error()
	}
	return ExceptionNote(err)
}
