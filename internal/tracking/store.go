// Package tracking carries delivery state after a message leaves the
// dispatch pipeline: it queues communication records for asynchronous
// storage and applies provider webhook events back onto recipients.
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/comm-dispatch/internal/domain"
)

// ErrRecordNotFound is returned when no communication record carries a
// correlation id.
var ErrRecordNotFound = errors.New("communication record not found")

// RecordStore persists communication records. Save must be idempotent on
// RecipientGUID because queues deliver at least once.
type RecordStore interface {
	Save(ctx context.Context, rec domain.CommunicationRecord) error
	Find(ctx context.Context, guid string) (*domain.CommunicationRecord, error)
	MarkEvent(ctx context.Context, guid string, ev domain.ProviderEventType, at time.Time) error
}
