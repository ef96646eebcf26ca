package job

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wb-go/wbf/dbpg"

	"imagemill/internal/model"
)

// Repository persists job records. The scheduler's in-memory registry is the
// source of truth for status queries; these rows provide an audit trail and
// survive restarts.
type Repository struct {
	db *dbpg.DB
}

func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveJob(ctx context.Context, rec model.JobRecord) error {
	query := `
		INSERT INTO jobs (id, fingerprint, requester, state, error, enqueued_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(
		ctx, query,
		rec.ID, rec.Fingerprint, rec.Requester, rec.State, rec.Error,
		rec.EnqueuedAt, nullableTime(rec),
	)
	if err != nil {
		return fmt.Errorf("save: failed to save job: %w", err)
	}

	return nil
}

func (r *Repository) UpdateJob(ctx context.Context, rec model.JobRecord) error {
	query := `
		UPDATE jobs
		SET state = $2, error = $3, finished_at = $4
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query, rec.ID, rec.State, rec.Error, nullableTime(rec))
	if err != nil {
		return fmt.Errorf("update: failed to update job: %w", err)
	}

	return nil
}

func nullableTime(rec model.JobRecord) sql.NullTime {
	return sql.NullTime{Time: rec.FinishedAt, Valid: !rec.FinishedAt.IsZero()}
}
