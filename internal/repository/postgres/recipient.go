package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/service/dispatch"
)

// RecipientRepo implements dispatch.ClaimQueue and dispatch.RecipientStore
// against PostgreSQL.
type RecipientRepo struct{ db *sql.DB }

// NewRecipientRepo creates a Postgres-backed recipient repository.
func NewRecipientRepo(db *sql.DB) *RecipientRepo { return &RecipientRepo{db: db} }

// recipientColumns is selected from the "cr" recipient row joined to "p".
const recipientColumns = `
	cr.id, cr.guid, cr.communication_id, cr.medium_id, cr.status,
	COALESCE(cr.status_note,''), COALESCE(cr.transport_name,''), COALESCE(cr.response_code,''),
	cr.merge_values, cr.claimed_at, cr.sent_at, cr.opened_at,
	p.id, COALESCE(p.email,''), COALESCE(p.first_name,''), COALESCE(p.last_name,''),
	p.is_deceased, p.email_preference, p.attributes,
	EXISTS (
		SELECT 1 FROM person_bounces b
		WHERE b.person_id = p.id AND b.medium_id = cr.medium_id AND b.resolved_at IS NULL
	)`

// ClaimNext locks one pending row with SKIP LOCKED and flips it to sending
// in the same statement. The row lock is released when the statement
// commits, before the caller sends anything.
func (r *RecipientRepo) ClaimNext(ctx context.Context, communicationID, mediumID string) (*domain.Recipient, error) {
	row := r.db.QueryRowContext(ctx, `
		WITH claimed AS (
			UPDATE communication_recipients
			SET status = $3, claimed_at = NOW()
			WHERE id = (
				SELECT id FROM communication_recipients
				WHERE communication_id = $1 AND medium_id = $2 AND status = $4
				ORDER BY created_at
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING *
		)
		SELECT `+recipientColumns+`
		FROM claimed cr
		JOIN people p ON p.id = cr.person_id
	`, communicationID, mediumID, domain.RecipientSending, domain.RecipientPending)

	rec, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim recipient: %w", err)
	}
	return rec, nil
}

func (r *RecipientRepo) HasPending(ctx context.Context, communicationID, mediumID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM communication_recipients
			WHERE communication_id = $1 AND medium_id = $2 AND status = $3
		)
	`, communicationID, mediumID, domain.RecipientPending).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending recipients: %w", err)
	}
	return exists, nil
}

// UpdateStatus only matches rows whose current status may move to the new
// one, so a late or duplicate write can never regress a recipient. A set
// ClaimedAt is stored so claims made outside ClaimNext stay recoverable by
// RequeueStale; a nil one leaves the column alone.
func (r *RecipientRepo) UpdateStatus(ctx context.Context, rec *domain.Recipient) error {
	sources := make([]string, 0, 4)
	for _, s := range rec.Status.TransitionSources() {
		sources = append(sources, string(s))
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE communication_recipients
		SET status = $2, status_note = $3, transport_name = NULLIF($4,''),
		    response_code = NULLIF($5,''), sent_at = $6, opened_at = $7,
		    claimed_at = COALESCE($9, claimed_at), updated_at = NOW()
		WHERE id = $1 AND status = ANY($8)
	`, rec.ID, rec.Status, rec.StatusNote, rec.TransportName, rec.ResponseCode,
		rec.SentAt, rec.OpenedAt, pq.Array(sources), rec.ClaimedAt)
	if err != nil {
		return fmt.Errorf("update recipient status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM communication_recipients WHERE id = $1)`, rec.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check recipient: %w", err)
	}
	if !exists {
		return dispatch.ErrNotFound
	}
	return dispatch.ErrInvalidTransition
}

func (r *RecipientRepo) FindByGUID(ctx context.Context, guid string) (*domain.Recipient, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recipientColumns+`
		FROM communication_recipients cr
		JOIN people p ON p.id = cr.person_id
		WHERE cr.guid = $1
	`, guid)
	rec, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, dispatch.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find recipient by guid: %w", err)
	}
	return rec, nil
}

// ListPending returns up to limit pending recipients without claiming
// them. It feeds external claim queues such as the Redis backend.
func (r *RecipientRepo) ListPending(ctx context.Context, communicationID, mediumID string, limit int) ([]*domain.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recipientColumns+`
		FROM communication_recipients cr
		JOIN people p ON p.id = cr.person_id
		WHERE cr.communication_id = $1 AND cr.medium_id = $2 AND cr.status = $3
		ORDER BY cr.created_at
		LIMIT $4
	`, communicationID, mediumID, domain.RecipientPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending recipients: %w", err)
	}
	defer rows.Close()

	var out []*domain.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RequeueStale returns recipients stuck in sending since before olderThan
// to pending, so a worker that died mid-send does not strand them.
func (r *RecipientRepo) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE communication_recipients
		SET status = $1, claimed_at = NULL, updated_at = NOW()
		WHERE status = $2 AND claimed_at < $3
	`, domain.RecipientPending, domain.RecipientSending, olderThan)
	if err != nil {
		return 0, fmt.Errorf("requeue stale claims: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecipient(row rowScanner) (*domain.Recipient, error) {
	rec := &domain.Recipient{}
	var (
		mergeValues, attributes     []byte
		claimedAt, sentAt, openedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.GUID, &rec.CommunicationID, &rec.MediumID, &rec.Status,
		&rec.StatusNote, &rec.TransportName, &rec.ResponseCode,
		&mergeValues, &claimedAt, &sentAt, &openedAt,
		&rec.Person.ID, &rec.Person.Email, &rec.Person.FirstName, &rec.Person.LastName,
		&rec.Person.IsDeceased, &rec.Person.EmailPreference, &attributes,
		&rec.HasUnresolvedBounce,
	)
	if err != nil {
		return nil, err
	}
	rec.ClaimedAt = nullTime(claimedAt)
	rec.SentAt = nullTime(sentAt)
	rec.OpenedAt = nullTime(openedAt)
	if err := unmarshalJSON(mergeValues, &rec.MergeValues); err != nil {
		return nil, fmt.Errorf("decode merge values: %w", err)
	}
	if err := unmarshalJSON(attributes, &rec.Person.Attributes); err != nil {
		return nil, fmt.Errorf("decode person attributes: %w", err)
	}
	return rec, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
