package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/tracking"
)

// RecordRepo implements tracking.RecordStore against PostgreSQL.
type RecordRepo struct{ db *sql.DB }

// NewRecordRepo creates a Postgres-backed communication record store.
func NewRecordRepo(db *sql.DB) *RecordRepo { return &RecordRepo{db: db} }

// Save is idempotent on the correlation id so a redelivered queue message
// does not duplicate the record.
func (r *RecordRepo) Save(ctx context.Context, rec domain.CommunicationRecord) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode record metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO communication_records
			(recipient_guid, communication_id, person_id, email, subject, transport_name, sent_at, metadata)
		VALUES ($1, NULLIF($2,''), NULLIF($3,''), $4, $5, $6, $7, $8)
		ON CONFLICT (recipient_guid) DO NOTHING
	`, rec.RecipientGUID, rec.CommunicationID, rec.PersonID, rec.Email, rec.Subject,
		rec.TransportName, rec.SentAt, metadata)
	if err != nil {
		return fmt.Errorf("save communication record: %w", err)
	}
	return nil
}

func (r *RecordRepo) Find(ctx context.Context, guid string) (*domain.CommunicationRecord, error) {
	rec := &domain.CommunicationRecord{}
	var (
		metadata    []byte
		lastEvent   sql.NullString
		lastEventAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT recipient_guid, COALESCE(communication_id,''), COALESCE(person_id,''), email, subject,
		       transport_name, sent_at, metadata, last_event, last_event_at
		FROM communication_records
		WHERE recipient_guid = $1
	`, guid).Scan(&rec.RecipientGUID, &rec.CommunicationID, &rec.PersonID, &rec.Email, &rec.Subject,
		&rec.TransportName, &rec.SentAt, &metadata, &lastEvent, &lastEventAt)
	if err == sql.ErrNoRows {
		return nil, tracking.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find communication record: %w", err)
	}
	if err := unmarshalJSON(metadata, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode record metadata: %w", err)
	}
	rec.LastEvent = domain.ProviderEventType(lastEvent.String)
	rec.LastEventAt = nullTime(lastEventAt)
	return rec, nil
}

func (r *RecordRepo) MarkEvent(ctx context.Context, guid string, ev domain.ProviderEventType, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE communication_records
		SET last_event = $2, last_event_at = $3
		WHERE recipient_guid = $1
	`, guid, ev, at)
	if err != nil {
		return fmt.Errorf("mark record event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tracking.ErrRecordNotFound
	}
	return nil
}
