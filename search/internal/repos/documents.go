package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"social-media-microservices/search/internal/models"
	"social-media-microservices/shared/dbx"
)

type DocumentsRepo struct {
	pool *pgxpool.Pool
}

func NewDocumentsRepo(pool *pgxpool.Pool) *DocumentsRepo {
	return &DocumentsRepo{pool: pool}
}

// Upsert writes doc unless the post has been deleted or the stored version is
// at least as new. It reports whether a row changed.
func (r *DocumentsRepo) Upsert(ctx context.Context, doc models.Document) (bool, error) {
	var changed bool
	err := dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockPost(ctx, tx, doc.PostID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO search_documents (post_id, user_id, content, created_at, updated_at)
			SELECT $1, $2, $3, $4, $5
			WHERE NOT EXISTS (SELECT 1 FROM search_tombstones WHERE post_id = $1)
			ON CONFLICT (post_id) DO UPDATE
			SET user_id = EXCLUDED.user_id,
				content = EXCLUDED.content,
				updated_at = EXCLUDED.updated_at
			WHERE search_documents.updated_at < EXCLUDED.updated_at
		`, doc.PostID, doc.UserID, doc.Content, doc.CreatedAt, doc.UpdatedAt)
		if err != nil {
			return err
		}
		changed = tag.RowsAffected() > 0
		return nil
	})
	return changed, err
}

// Delete tombstones the post and drops its document in one transaction, so a
// create that arrives afterwards is ignored.
func (r *DocumentsRepo) Delete(ctx context.Context, postID string, deletedAt time.Time) (bool, error) {
	var removed bool
	err := dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockPost(ctx, tx, postID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO search_tombstones (post_id, deleted_at)
			VALUES ($1, $2)
			ON CONFLICT (post_id) DO NOTHING
		`, postID, deletedAt); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM search_documents WHERE post_id = $1`, postID)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected() > 0
		return nil
	})
	return removed, err
}

// lockPost serializes writers of one post until the transaction ends. Without
// it an upsert under READ COMMITTED can miss a tombstone that a concurrent
// delete has not committed yet, and insert after the delete ran.
func lockPost(ctx context.Context, tx pgx.Tx, postID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, postID)
	return err
}

func (r *DocumentsRepo) Search(ctx context.Context, query string, limit int) ([]models.Hit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT post_id, user_id, content, created_at, updated_at, ts_rank(tsv, q) AS rank
		FROM search_documents, plainto_tsquery('english', $1) AS q
		WHERE tsv @@ q
		ORDER BY rank DESC, created_at DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := make([]models.Hit, 0)
	for rows.Next() {
		var h models.Hit
		if err := rows.Scan(&h.PostID, &h.UserID, &h.Content, &h.CreatedAt, &h.UpdatedAt, &h.Rank); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
