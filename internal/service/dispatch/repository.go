package dispatch

import (
	"context"
	"time"

	"github.com/ignite/comm-dispatch/internal/domain"
)

// CommunicationStore reads communications. Implementations must be safe for
// concurrent use.
type CommunicationStore interface {
	// Get returns one communication. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Communication, error)

	// ListDue returns ids of approved communications whose future send time
	// has passed and that still have pending recipients for the medium.
	ListDue(ctx context.Context, mediumID string, now time.Time, limit int) ([]string, error)
}

// ClaimQueue hands out pending recipients. ClaimNext must atomically pick
// one pending recipient and mark it sending, so no two callers ever receive
// the same recipient. It returns nil, nil once nothing is pending.
type ClaimQueue interface {
	ClaimNext(ctx context.Context, communicationID, mediumID string) (*domain.Recipient, error)
}

// RecipientStore persists recipient state outside the claim step.
type RecipientStore interface {
	// HasPending is a cheap existence check used before claiming.
	HasPending(ctx context.Context, communicationID, mediumID string) (bool, error)

	// UpdateStatus writes Status, StatusNote, TransportName, ResponseCode and
	// SentAt. Returns ErrInvalidTransition if the stored status cannot move
	// to the new one.
	UpdateStatus(ctx context.Context, r *domain.Recipient) error

	// FindByGUID looks a recipient up by its correlation id. Returns
	// ErrNotFound if no recipient carries it.
	FindByGUID(ctx context.Context, guid string) (*domain.Recipient, error)
}

// MergeResolver renders merge fields. mailing.TemplateService satisfies it.
type MergeResolver interface {
	Resolve(text string, fields map[string]interface{}, enabledCommands []string) (string, error)
}

// HistorySink appends audit entries keyed by person and category.
type HistorySink interface {
	Append(ctx context.Context, personID, category string, entry domain.HistoryEntry) error
}

// RecordPublisher enqueues the asynchronous communication-record job.
// Publish must not block on the broker.
type RecordPublisher interface {
	Publish(ctx context.Context, rec domain.CommunicationRecord)
}

// ResponseCodeAllocator issues reply-correlation codes.
type ResponseCodeAllocator interface {
	Allocate(ctx context.Context) (string, error)
}

// Observer receives one call per finished recipient. The metrics package
// implements it with Prometheus counters.
type Observer interface {
	ObserveRecipient(transport string, status domain.RecipientStatus)
}
