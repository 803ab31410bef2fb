// Package service holds the post use cases. Every mutation commits the post
// row together with an outbox row, then invalidates the cache and publishes
// the event; the outbox relay retries whatever the inline publish missed.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"social-media-microservices/post/internal/models"
	"social-media-microservices/post/internal/repos"
	"social-media-microservices/shared/apperr"
	"social-media-microservices/shared/cachex"
	"social-media-microservices/shared/events"
	"social-media-microservices/shared/logx"
)

const (
	MinContentLength = 3
	MaxContentLength = 5000
	MaxMediaIDs      = 20
	DefaultPage      = 1
	DefaultPageSize  = 10
	MaxPageSize      = 100

	// relayGrace keeps the relay off rows the request path is still
	// publishing.
	relayGrace = 30 * time.Second
)

type Store interface {
	CreatePost(ctx context.Context, p models.Post, build repos.OutboxFunc) (models.Post, error)
	UpdatePost(ctx context.Context, p models.Post, build repos.OutboxFunc) (models.Post, error)
	DeletePost(ctx context.Context, id uuid.UUID, userID string, build repos.OutboxFunc) (models.Post, error)
	GetPost(ctx context.Context, id uuid.UUID) (models.Post, error)
	ListPosts(ctx context.Context, limit int, offset int) ([]models.Post, int, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
}

// Publisher is satisfied by *events.Publisher.
type Publisher interface {
	PublishEnvelope(ctx context.Context, key string, env events.Envelope) error
}

type PostInput struct {
	Content  string   `json:"content"`
	MediaIDs []string `json:"media_ids"`
}

type Service struct {
	store     Store
	cache     *cachex.EntityCache
	publisher Publisher
	producer  string
	logger    logx.Logger
	now       func() time.Time
}

func New(store Store, cache *cachex.EntityCache, publisher Publisher, producer string, logger logx.Logger) *Service {
	return &Service{
		store:     store,
		cache:     cache,
		publisher: publisher,
		producer:  producer,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (in PostInput) normalize() (PostInput, error) {
	content := strings.TrimSpace(in.Content)
	n := utf8.RuneCountInString(content)
	if n < MinContentLength || n > MaxContentLength {
		return PostInput{}, apperr.Validation(fmt.Sprintf("content must be between %d and %d characters", MinContentLength, MaxContentLength))
	}
	if len(in.MediaIDs) > MaxMediaIDs {
		return PostInput{}, apperr.Validation(fmt.Sprintf("at most %d media ids are allowed", MaxMediaIDs))
	}
	ids := make([]string, 0, len(in.MediaIDs))
	for _, id := range in.MediaIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return PostInput{}, apperr.Validation("media ids must be non-empty strings")
		}
		ids = append(ids, id)
	}
	return PostInput{Content: content, MediaIDs: ids}, nil
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid post id")
	}
	return id, nil
}

func (s *Service) CreatePost(ctx context.Context, userID string, in PostInput) (models.Post, error) {
	in, err := in.normalize()
	if err != nil {
		return models.Post{}, err
	}
	now := s.now()
	post := models.Post{
		ID:        uuid.New(),
		UserID:    userID,
		Content:   in.Content,
		MediaIDs:  in.MediaIDs,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var env events.Envelope
	post, err = s.store.CreatePost(ctx, post, s.outboxFor(&env, func(p models.Post) events.Payload {
		return events.PostCreated{PostID: p.ID.String(), UserID: p.UserID, Content: p.Content, MediaIDs: p.MediaIDs, CreatedAt: p.CreatedAt}
	}))
	if err != nil {
		return models.Post{}, apperr.Internal(fmt.Errorf("create post: %w", err))
	}
	return post, s.afterCommit(ctx, post, env)
}

func (s *Service) UpdatePost(ctx context.Context, userID string, rawID string, in PostInput) (models.Post, error) {
	id, err := parseID(rawID)
	if err != nil {
		return models.Post{}, err
	}
	in, err = in.normalize()
	if err != nil {
		return models.Post{}, err
	}
	if err := s.checkOwner(ctx, id, userID); err != nil {
		return models.Post{}, err
	}

	var env events.Envelope
	post, err := s.store.UpdatePost(ctx, models.Post{ID: id, UserID: userID, Content: in.Content, MediaIDs: in.MediaIDs, UpdatedAt: s.now()},
		s.outboxFor(&env, func(p models.Post) events.Payload {
			return events.PostUpdated{PostID: p.ID.String(), UserID: p.UserID, Content: p.Content, MediaIDs: p.MediaIDs, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt}
		}))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Post{}, apperr.NotFound("post not found")
		}
		return models.Post{}, apperr.Internal(fmt.Errorf("update post: %w", err))
	}
	return post, s.afterCommit(ctx, post, env)
}

func (s *Service) DeletePost(ctx context.Context, userID string, rawID string) (models.Post, error) {
	id, err := parseID(rawID)
	if err != nil {
		return models.Post{}, err
	}
	if err := s.checkOwner(ctx, id, userID); err != nil {
		return models.Post{}, err
	}

	deletedAt := s.now()
	var env events.Envelope
	post, err := s.store.DeletePost(ctx, id, userID, s.outboxFor(&env, func(p models.Post) events.Payload {
		return events.PostDeleted{PostID: p.ID.String(), UserID: p.UserID, MediaIDs: p.MediaIDs, DeletedAt: deletedAt}
	}))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Post{}, apperr.NotFound("post not found")
		}
		return models.Post{}, apperr.Internal(fmt.Errorf("delete post: %w", err))
	}
	return post, s.afterCommit(ctx, post, env)
}

func (s *Service) checkOwner(ctx context.Context, id uuid.UUID, userID string) error {
	current, err := s.store.GetPost(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("post not found")
		}
		return apperr.Internal(fmt.Errorf("get post: %w", err))
	}
	if current.UserID != userID {
		return apperr.Forbidden("post belongs to another user")
	}
	return nil
}

func (s *Service) outboxFor(env *events.Envelope, payload func(models.Post) events.Payload) repos.OutboxFunc {
	return func(p models.Post) (models.OutboxEvent, error) {
		e, err := events.NewEnvelope(s.producer, payload(p), s.now())
		if err != nil {
			return models.OutboxEvent{}, err
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return models.OutboxEvent{}, err
		}
		due := s.now().Add(relayGrace)
		*env = e
		return models.OutboxEvent{
			EventID:     e.EventID,
			EventType:   string(e.EventType),
			AggregateID: p.ID.String(),
			Topic:       e.EventType.Topic(),
			Payload:     raw,
			NextRetryAt: &due,
		}, nil
	}
}

// afterCommit runs once the mutation is durable. Cache failures are logged
// only; a failed publish is reported to the caller while the outbox row keeps
// the event for the relay.
func (s *Service) afterCommit(ctx context.Context, post models.Post, env events.Envelope) error {
	postID := post.ID.String()
	if err := s.cache.Invalidate(ctx, postID); err != nil {
		s.logger.Warn(ctx, "cache_invalidate_failed", "cache invalidation failed",
			append([]slog.Attr{slog.String("post_id", postID)}, logx.Err("CACHE_ERROR", err)...)...)
	}
	if err := s.publisher.PublishEnvelope(ctx, postID, env); err != nil {
		return apperr.Unavailable("post saved but event publish failed", err)
	}
	if err := s.store.MarkDelivered(ctx, env.EventID); err != nil {
		s.logger.Warn(ctx, "outbox_mark_failed", "failed to mark outbox event delivered",
			append([]slog.Attr{slog.String("event_id", env.EventID.String())}, logx.Err("INTERNAL_ERROR", err)...)...)
	}
	return nil
}

func (s *Service) GetPost(ctx context.Context, rawID string) (models.Post, error) {
	id, err := parseID(rawID)
	if err != nil {
		return models.Post{}, err
	}
	post, _, err := cachex.ReadThrough(ctx, s.logger, s.cache.ItemSlot(id.String()), func(ctx context.Context) (models.Post, error) {
		p, err := s.store.GetPost(ctx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Post{}, apperr.NotFound("post not found")
		}
		if err != nil {
			return models.Post{}, apperr.Internal(fmt.Errorf("get post: %w", err))
		}
		return p, nil
	})
	return post, err
}

func (s *Service) ListPosts(ctx context.Context, page int, pageSize int) (models.PostPage, error) {
	if page < 1 {
		return models.PostPage{}, apperr.Validation("page must be at least 1")
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return models.PostPage{}, apperr.Validation(fmt.Sprintf("limit must be between 1 and %d", MaxPageSize))
	}
	result, _, err := cachex.ReadThrough(ctx, s.logger, s.cache.ListSlot(page, pageSize), func(ctx context.Context) (models.PostPage, error) {
		posts, total, err := s.store.ListPosts(ctx, pageSize, (page-1)*pageSize)
		if err != nil {
			return models.PostPage{}, apperr.Internal(fmt.Errorf("list posts: %w", err))
		}
		return models.PostPage{
			Posts:       posts,
			CurrentPage: page,
			TotalPages:  (total + pageSize - 1) / pageSize,
			TotalPosts:  total,
		}, nil
	})
	return result, err
}
