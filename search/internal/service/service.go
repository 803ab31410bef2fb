package service

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"social-media-microservices/search/internal/models"
	"social-media-microservices/shared/apperr"
	"social-media-microservices/shared/cachex"
	"social-media-microservices/shared/events"
	"social-media-microservices/shared/logx"
)

const (
	MaxQueryLength = 200
	ResultLimit    = 50
)

type Store interface {
	Upsert(ctx context.Context, doc models.Document) (bool, error)
	Delete(ctx context.Context, postID string, deletedAt time.Time) (bool, error)
	Search(ctx context.Context, query string, limit int) ([]models.Hit, error)
}

type Service struct {
	store  Store
	cache  *cachex.EntityCache
	logger logx.Logger
}

func New(store Store, cache *cachex.EntityCache, logger logx.Logger) *Service {
	return &Service{store: store, cache: cache, logger: logger}
}

func normalizeQuery(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

// Search runs a full-text query. Results are cached per normalized query
// until the next indexed change or the listing TTL, whichever comes first.
func (s *Service) Search(ctx context.Context, raw string) (models.Results, error) {
	query := normalizeQuery(raw)
	if query == "" {
		return models.Results{}, apperr.Validation("query is required")
	}
	if utf8.RuneCountInString(query) > MaxQueryLength {
		return models.Results{}, apperr.Validation("query is too long")
	}
	res, _, err := cachex.ReadThrough(ctx, s.logger, s.cache.ListSlot(query), func(ctx context.Context) (models.Results, error) {
		hits, err := s.store.Search(ctx, query, ResultLimit)
		if err != nil {
			return models.Results{}, apperr.Internal(err)
		}
		return models.Results{Query: query, Results: hits}, nil
	})
	return res, err
}

func (s *Service) IndexCreated(ctx context.Context, p events.PostCreated) error {
	return s.index(ctx, models.Document{
		PostID:    p.PostID,
		UserID:    p.UserID,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.CreatedAt,
	})
}

// IndexUpdated falls back to the update time for events that predate
// created_at on the payload.
func (s *Service) IndexUpdated(ctx context.Context, p events.PostUpdated) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = p.UpdatedAt
	}
	return s.index(ctx, models.Document{
		PostID:    p.PostID,
		UserID:    p.UserID,
		Content:   p.Content,
		CreatedAt: createdAt,
		UpdatedAt: p.UpdatedAt,
	})
}

func (s *Service) index(ctx context.Context, doc models.Document) error {
	changed, err := s.store.Upsert(ctx, doc)
	if err != nil {
		return err
	}
	if !changed {
		s.logger.Info(ctx, "search_index_skipped", "stale or deleted post not indexed", slog.String("post_id", doc.PostID))
		return nil
	}
	s.invalidate(ctx, doc.PostID)
	return nil
}

func (s *Service) Remove(ctx context.Context, p events.PostDeleted) error {
	deletedAt := p.DeletedAt
	if deletedAt.IsZero() {
		deletedAt = time.Now().UTC()
	}
	if _, err := s.store.Delete(ctx, p.PostID, deletedAt); err != nil {
		return err
	}
	s.invalidate(ctx, p.PostID)
	return nil
}

func (s *Service) invalidate(ctx context.Context, postID string) {
	if err := s.cache.InvalidateCollection(ctx); err != nil {
		s.logger.Warn(ctx, "cache_invalidate_failed", "failed to invalidate search cache",
			append([]slog.Attr{slog.String("post_id", postID)}, logx.Err("CACHE_ERROR", err)...)...)
	}
}

// Handlers lists the events the search index consumes.
func (s *Service) Handlers() (*events.Table, error) {
	return events.NewTable(
		events.On(func(ctx context.Context, _ events.Envelope, p events.PostCreated) error {
			return s.IndexCreated(ctx, p)
		}),
		events.On(func(ctx context.Context, _ events.Envelope, p events.PostUpdated) error {
			return s.IndexUpdated(ctx, p)
		}),
		events.On(func(ctx context.Context, _ events.Envelope, p events.PostDeleted) error {
			return s.Remove(ctx, p)
		}),
	)
}
