package repos

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"social-media-microservices/post/internal/models"
)

const postColumns = `post_id, user_id, content, media_ids, created_at, updated_at`

type PostsRepo struct {
	pool *pgxpool.Pool
}

func NewPostsRepo(pool *pgxpool.Pool) *PostsRepo {
	return &PostsRepo{pool: pool}
}

func scanPost(row interface{ Scan(...any) error }) (models.Post, error) {
	var p models.Post
	err := row.Scan(&p.ID, &p.UserID, &p.Content, &p.MediaIDs, &p.CreatedAt, &p.UpdatedAt)
	if p.MediaIDs == nil {
		p.MediaIDs = []string{}
	}
	return p, err
}

func (r *PostsRepo) Insert(ctx context.Context, db DBTX, p models.Post) (models.Post, error) {
	return scanPost(db.QueryRow(ctx, `
		INSERT INTO posts (`+postColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+postColumns,
		p.ID, p.UserID, p.Content, p.MediaIDs, p.CreatedAt, p.UpdatedAt))
}

func (r *PostsRepo) Get(ctx context.Context, id uuid.UUID) (models.Post, error) {
	return scanPost(r.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE post_id = $1`, id))
}

// Update changes content and media of a post owned by userID. pgx.ErrNoRows
// means the post is gone or belongs to someone else.
func (r *PostsRepo) Update(ctx context.Context, db DBTX, p models.Post) (models.Post, error) {
	return scanPost(db.QueryRow(ctx, `
		UPDATE posts
		SET content = $3, media_ids = $4, updated_at = $5
		WHERE post_id = $1 AND user_id = $2
		RETURNING `+postColumns,
		p.ID, p.UserID, p.Content, p.MediaIDs, p.UpdatedAt))
}

func (r *PostsRepo) Delete(ctx context.Context, db DBTX, id uuid.UUID, userID string) (models.Post, error) {
	return scanPost(db.QueryRow(ctx, `
		DELETE FROM posts
		WHERE post_id = $1 AND user_id = $2
		RETURNING `+postColumns, id, userID))
}

func (r *PostsRepo) List(ctx context.Context, limit int, offset int) ([]models.Post, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+postColumns+`
		FROM posts
		ORDER BY created_at DESC, post_id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := make([]models.Post, 0, limit)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (r *PostsRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM posts`).Scan(&n)
	return n, err
}
