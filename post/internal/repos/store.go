package repos

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"social-media-microservices/post/internal/models"
	"social-media-microservices/shared/dbx"
)

// OutboxFunc builds the outbox row for a post as it was committed.
type OutboxFunc func(models.Post) (models.OutboxEvent, error)

// Store writes a post and its outbox row in one transaction.
type Store struct {
	pool   *pgxpool.Pool
	posts  *PostsRepo
	outbox *OutboxRepo
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, posts: NewPostsRepo(pool), outbox: NewOutboxRepo(pool)}
}

func (s *Store) Outbox() *OutboxRepo { return s.outbox }

func (s *Store) CreatePost(ctx context.Context, p models.Post, build OutboxFunc) (models.Post, error) {
	return s.mutate(ctx, build, func(tx pgx.Tx) (models.Post, error) {
		return s.posts.Insert(ctx, tx, p)
	})
}

func (s *Store) UpdatePost(ctx context.Context, p models.Post, build OutboxFunc) (models.Post, error) {
	return s.mutate(ctx, build, func(tx pgx.Tx) (models.Post, error) {
		return s.posts.Update(ctx, tx, p)
	})
}

func (s *Store) DeletePost(ctx context.Context, id uuid.UUID, userID string, build OutboxFunc) (models.Post, error) {
	return s.mutate(ctx, build, func(tx pgx.Tx) (models.Post, error) {
		return s.posts.Delete(ctx, tx, id, userID)
	})
}

func (s *Store) mutate(ctx context.Context, build OutboxFunc, write func(pgx.Tx) (models.Post, error)) (models.Post, error) {
	var out models.Post
	err := dbx.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		post, err := write(tx)
		if err != nil {
			return err
		}
		event, err := build(post)
		if err != nil {
			return err
		}
		if _, err := s.outbox.Insert(ctx, tx, event); err != nil {
			return err
		}
		out = post
		return nil
	})
	return out, err
}

func (s *Store) GetPost(ctx context.Context, id uuid.UUID) (models.Post, error) {
	return s.posts.Get(ctx, id)
}

func (s *Store) ListPosts(ctx context.Context, limit int, offset int) ([]models.Post, int, error) {
	posts, err := s.posts.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.posts.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return posts, total, nil
}

func (s *Store) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	return s.outbox.MarkDelivered(ctx, eventID)
}
