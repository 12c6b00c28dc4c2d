package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/comm-dispatch/internal/domain"
)

// insertBatchSize bounds the array parameter of one pool insert.
const insertBatchSize = 5000

// ResponseCodeRepo implements responsecode.Repository against PostgreSQL.
type ResponseCodeRepo struct{ db *sql.DB }

// NewResponseCodeRepo creates a Postgres-backed response code pool.
func NewResponseCodeRepo(db *sql.DB) *ResponseCodeRepo { return &ResponseCodeRepo{db: db} }

func (r *ResponseCodeRepo) ExistingCodes(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT response_code FROM response_codes`)
	if err != nil {
		return nil, fmt.Errorf("list response codes: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan response code: %w", err)
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

func (r *ResponseCodeRepo) InsertCodes(ctx context.Context, codes []string) error {
	for start := 0; start < len(codes); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(codes) {
			end = len(codes)
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO response_codes (response_code)
			SELECT unnest($1::text[])
			ON CONFLICT (response_code) DO NOTHING
		`, pq.Array(codes[start:end]))
		if err != nil {
			return fmt.Errorf("insert response codes: %w", err)
		}
	}
	return nil
}

// Claim samples up to sampleSize reusable rows under FOR UPDATE SKIP LOCKED,
// picks one at random and stamps it, all in one statement. Sampling keeps
// the random sort off the full pool.
func (r *ResponseCodeRepo) Claim(ctx context.Context, usedAt, reuseBefore time.Time, sampleSize int) (*domain.ResponseCode, error) {
	rc := &domain.ResponseCode{}
	var lastUsed time.Time
	err := r.db.QueryRowContext(ctx, `
		UPDATE response_codes
		SET last_used_at = $1
		WHERE id = (
			SELECT id FROM (
				SELECT id FROM response_codes
				WHERE last_used_at IS NULL OR last_used_at < $2
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			) sample
			ORDER BY random()
			LIMIT 1
		)
		RETURNING id, response_code, last_used_at
	`, usedAt, reuseBefore, sampleSize).Scan(&rc.ID, &rc.Code, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim response code: %w", err)
	}
	rc.LastUsedAt = &lastUsed
	return rc, nil
}
