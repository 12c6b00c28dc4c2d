package dispatch

import (
	"context"
	"fmt"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
)

// Recorder persists the outcome of each recipient. History and the
// communication-record job are best-effort; only the status write can fail
// a recipient.
type Recorder struct {
	recipients RecipientStore
	history    HistorySink
	publisher  RecordPublisher
	observer   Observer
}

// NewRecorder creates a recorder. history, publisher and observer may be nil.
func NewRecorder(recipients RecipientStore, history HistorySink, publisher RecordPublisher, observer Observer) *Recorder {
	return &Recorder{recipients: recipients, history: history, publisher: publisher, observer: observer}
}

// Record writes a dispatch outcome to r.
func (rc *Recorder) Record(ctx context.Context, r *domain.Recipient, out domain.Outcome) error {
	t := now()
	r.Status = out.RecipientStatus()
	r.StatusNote = out.Note
	r.TransportName = out.TransportName
	r.SentAt = &t
	return rc.update(ctx, r)
}

// Cancel marks r cancelled with reason as its note.
func (rc *Recorder) Cancel(ctx context.Context, r *domain.Recipient, reason string) error {
	r.Status = domain.RecipientCancelled
	r.StatusNote = reason
	return rc.update(ctx, r)
}

// Fail marks r failed with note.
func (rc *Recorder) Fail(ctx context.Context, r *domain.Recipient, note string) error {
	r.Status = domain.RecipientFailed
	r.StatusNote = note
	return rc.update(ctx, r)
}

func (rc *Recorder) update(ctx context.Context, r *domain.Recipient) error {
	if err := rc.recipients.UpdateStatus(ctx, r); err != nil {
		return fmt.Errorf("update recipient %s: %w", r.ID, err)
	}
	if rc.observer != nil {
		rc.observer.ObserveRecipient(r.TransportName, r.Status)
	}
	return nil
}

// RecordHistory appends a "sent communication" entry for personID. Failures,
// panics included, are logged and swallowed.
func (rc *Recorder) RecordHistory(ctx context.Context, comm *domain.Communication, personID string, msg *domain.ResolvedMessage) {
	if rc.history == nil || personID == "" {
		return
	}
	defer swallowPanic("history append", "person_id", personID, "communication_id", comm.ID)
	entry := domain.HistoryEntry{
		PersonID:      personID,
		Category:      domain.HistoryCategoryCommunications,
		Verb:          "SENT",
		ChangeType:    "Communication",
		Caption:       msg.Subject,
		RelatedEntity: "Communication",
		RelatedID:     comm.ID,
		RelatedName:   msg.FromName,
		ActorPersonID: comm.SenderPersonID,
		CreatedAt:     now().UTC(),
	}
	if err := rc.history.Append(ctx, personID, domain.HistoryCategoryCommunications, entry); err != nil {
		logger.Warn("history append failed", "person_id", personID, "communication_id", comm.ID, "error", err)
	}
}

// EnqueueCommunicationRecord publishes the record job for a delivered
// message carrying a correlation id.
func (rc *Recorder) EnqueueCommunicationRecord(ctx context.Context, comm *domain.Communication, personID string, msg *domain.ResolvedMessage, transport string) {
	if rc.publisher == nil || msg.RecipientGUID == "" {
		return
	}
	defer swallowPanic("record enqueue", "guid", msg.RecipientGUID, "communication_id", comm.ID)
	rc.publisher.Publish(ctx, domain.CommunicationRecord{
		RecipientGUID:   msg.RecipientGUID,
		CommunicationID: comm.ID,
		PersonID:        personID,
		Email:           msg.To,
		Subject:         msg.Subject,
		TransportName:   transport,
		SentAt:          now().UTC(),
		Metadata:        msg.Metadata,
	})
}

// Observe reports an outcome that has no durable recipient row.
func (rc *Recorder) Observe(transport string, status domain.RecipientStatus) {
	if rc.observer != nil {
		rc.observer.ObserveRecipient(transport, status)
	}
}

// swallowPanic logs a panic from a best-effort step instead of letting it
// reach the per-recipient handler. Must be called directly by defer.
func swallowPanic(step string, fields ...interface{}) {
	if p := recover(); p != nil {
		logger.Error(step+" panicked", append(fields, "panic", fmt.Sprint(p))...)
	}
}
