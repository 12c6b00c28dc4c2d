package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/service/dispatch"
)

// CommunicationRepo implements dispatch.CommunicationStore against PostgreSQL.
type CommunicationRepo struct{ db *sql.DB }

// NewCommunicationRepo creates a Postgres-backed communication store.
func NewCommunicationRepo(db *sql.DB) *CommunicationRepo { return &CommunicationRepo{db: db} }

func (r *CommunicationRepo) Get(ctx context.Context, id string) (*domain.Communication, error) {
	c := &domain.Communication{}
	var (
		attachments, commands, metadata []byte
		futureSendAt                    sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(sender_person_id,''), subject, COALESCE(from_name,''), COALESCE(from_email,''),
		       COALESCE(reply_to_email,''), COALESCE(cc_emails,''), COALESCE(bcc_emails,''),
		       COALESCE(html_message,''), COALESCE(plain_text,''), COALESCE(unsubscribe_html,''),
		       attachments, is_bulk, COALESCE(transport_name,''), status, future_send_at,
		       enabled_commands, metadata, created_at
		FROM communications
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.SenderPersonID, &c.Subject, &c.FromName, &c.FromEmail,
		&c.ReplyToEmail, &c.CCEmails, &c.BCCEmails,
		&c.HTMLMessage, &c.PlainText, &c.UnsubscribeHTML,
		&attachments, &c.IsBulk, &c.TransportName, &c.Status, &futureSendAt,
		&commands, &metadata, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, dispatch.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get communication: %w", err)
	}
	if futureSendAt.Valid {
		c.FutureSendAt = &futureSendAt.Time
	}
	if err := unmarshalJSON(attachments, &c.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if err := unmarshalJSON(commands, &c.EnabledCommands); err != nil {
		return nil, fmt.Errorf("decode enabled commands: %w", err)
	}
	if err := unmarshalJSON(metadata, &c.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return c, nil
}

func (r *CommunicationRepo) ListDue(ctx context.Context, mediumID string, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id
		FROM communications c
		WHERE c.status = $1
		  AND (c.future_send_at IS NULL OR c.future_send_at <= $2)
		  AND EXISTS (
		      SELECT 1 FROM communication_recipients cr
		      WHERE cr.communication_id = c.id AND cr.medium_id = $3 AND cr.status = $4
		  )
		ORDER BY c.created_at
		LIMIT $5
	`, domain.ApprovalGranted, now, mediumID, domain.RecipientPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list due communications: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan communication id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// unmarshalJSON decodes a nullable jsonb column.
func unmarshalJSON(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
