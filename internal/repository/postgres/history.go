package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/comm-dispatch/internal/domain"
)

// HistoryRepo implements dispatch.HistorySink against PostgreSQL.
type HistoryRepo struct{ db *sql.DB }

// NewHistoryRepo creates a Postgres-backed history sink.
func NewHistoryRepo(db *sql.DB) *HistoryRepo { return &HistoryRepo{db: db} }

func (r *HistoryRepo) Append(ctx context.Context, personID, category string, e domain.HistoryEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO person_history
			(person_id, category, verb, change_type, caption, related_entity,
			 related_id, related_name, actor_person_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9,''), $10)
	`, personID, category, e.Verb, e.ChangeType, e.Caption, e.RelatedEntity,
		e.RelatedID, e.RelatedName, e.ActorPersonID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}
