package repos

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"social-media-microservices/media/internal/models"
)

const mediaColumns = `media_id, user_id, public_id, url, mime_type, original_name, created_at`

type MediaRepo struct {
	pool *pgxpool.Pool
}

func NewMediaRepo(pool *pgxpool.Pool) *MediaRepo {
	return &MediaRepo{pool: pool}
}

func scanMedia(row interface{ Scan(...any) error }) (models.Media, error) {
	var m models.Media
	err := row.Scan(&m.ID, &m.UserID, &m.PublicID, &m.URL, &m.MimeType, &m.OriginalName, &m.CreatedAt)
	return m, err
}

func (r *MediaRepo) Insert(ctx context.Context, m models.Media) (models.Media, error) {
	return scanMedia(r.pool.QueryRow(ctx, `
		INSERT INTO media (`+mediaColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+mediaColumns,
		m.ID, m.UserID, m.PublicID, m.URL, m.MimeType, m.OriginalName, m.CreatedAt))
}

// Get returns pgx.ErrNoRows when the media row does not exist.
func (r *MediaRepo) Get(ctx context.Context, id uuid.UUID) (models.Media, error) {
	return scanMedia(r.pool.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media WHERE media_id = $1`, id))
}

func (r *MediaRepo) ListByUser(ctx context.Context, userID string, limit int) ([]models.Media, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+mediaColumns+`
		FROM media
		WHERE user_id = $1
		ORDER BY created_at DESC, media_id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Media, 0)
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete reports whether a row was removed. Deleting an absent row is not an
// error.
func (r *MediaRepo) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM media WHERE media_id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
