package image

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"imagemill/internal/model"
)

var ErrImageNotFound = errors.New("image not found")

// Repository persists image records.
type Repository struct {
	db *dbpg.DB
}

func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveImage(ctx context.Context, img model.Image) error {
	query := `
		INSERT INTO images (id, owner_id, filename, storage_ref, content_hash, width, height, mime_type, size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(
		ctx, query,
		img.ID, img.OwnerID, img.Filename, img.StorageRef, img.ContentHash,
		img.Width, img.Height, img.MimeType, img.Size, img.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save: failed to save image: %w", err)
	}

	return nil
}

func (r *Repository) GetImage(ctx context.Context, id uuid.UUID) (model.Image, error) {
	query := `
		SELECT owner_id, filename, storage_ref, content_hash, width, height, mime_type, size, created_at
		FROM images
		WHERE id = $1
	`

	var img model.Image
	img.ID = id
	err := r.db.Master.QueryRowContext(ctx, query, id).Scan(
		&img.OwnerID, &img.Filename, &img.StorageRef, &img.ContentHash,
		&img.Width, &img.Height, &img.MimeType, &img.Size, &img.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Image{}, ErrImageNotFound
		}

		return model.Image{}, fmt.Errorf("get: failed to get image: %w", err)
	}

	return img, nil
}

func (r *Repository) DeleteImage(ctx context.Context, id uuid.UUID) error {
	query := `
		DELETE FROM images WHERE id = $1
	`

	rows, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete: failed to delete image: %w", err)
	}

	n, err := rows.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete: failed to get number of rows affected: %w", err)
	}

	if n == 0 {
		return ErrImageNotFound
	}

	return nil
}
