package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"social-media-microservices/media/internal/models"
	"social-media-microservices/shared/apperr"
	"social-media-microservices/shared/clients/blobstore"
	"social-media-microservices/shared/events"
	"social-media-microservices/shared/logx"
)

const (
	MaxListed       = 100
	maxOriginalName = 255
)

type Store interface {
	Insert(ctx context.Context, m models.Media) (models.Media, error)
	Get(ctx context.Context, id uuid.UUID) (models.Media, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Media, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
}

// Blobs is satisfied by *blobstore.Client.
type Blobs interface {
	Upload(ctx context.Context, publicID string, contentType string, data []byte) (blobstore.Object, error)
	Delete(ctx context.Context, publicID string) error
}

type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Service struct {
	store  Store
	blobs  Blobs
	logger logx.Logger
	now    func() time.Time
}

func New(store Store, blobs Blobs, logger logx.Logger) *Service {
	return &Service{store: store, blobs: blobs, logger: logger, now: time.Now}
}

func (s *Service) Upload(ctx context.Context, userID string, up Upload) (models.Media, error) {
	if len(up.Data) == 0 {
		return models.Media{}, apperr.Validation("file is empty")
	}
	contentType := strings.TrimSpace(up.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, _, err := mime.ParseMediaType(contentType); err != nil {
		return models.Media{}, apperr.Validation("invalid file content type")
	}
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(up.Filename), "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}
	name = truncateName(strings.ToValidUTF8(name, ""), maxOriginalName)

	id := uuid.New()
	publicID := "media/" + id.String()
	obj, err := s.blobs.Upload(ctx, publicID, contentType, up.Data)
	if err != nil {
		return models.Media{}, apperr.Unavailable("object store upload failed", err)
	}

	m, err := s.store.Insert(ctx, models.Media{
		ID:           id,
		UserID:       userID,
		PublicID:     obj.PublicID,
		URL:          obj.URL,
		MimeType:     contentType,
		OriginalName: name,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		// The row never landed, so the object would be unreachable.
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), obj.PublicID); derr != nil {
			s.logger.Warn(ctx, "blob_orphaned", "failed to remove object after insert failure",
				append([]slog.Attr{slog.String("public_id", obj.PublicID)}, logx.Err("BLOBSTORE_ERROR", derr)...)...)
		}
		return models.Media{}, apperr.Internal(err)
	}
	s.logger.Info(ctx, "media_uploaded", "media uploaded",
		slog.String("media_id", m.ID.String()),
		slog.String("user_id", userID),
		slog.Int("bytes", len(up.Data)),
	)
	return m, nil
}

func (s *Service) ListMedia(ctx context.Context, userID string) ([]models.Media, error) {
	out, err := s.store.ListByUser(ctx, userID, MaxListed)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// RemovePostMedia deletes every media item a deleted post owned. Ids that are
// malformed or already gone are skipped; a failure on one id is logged and
// the rest are still processed. Only media belonging to the post's author is
// touched. The returned error joins the individual failures.
func (s *Service) RemovePostMedia(ctx context.Context, ev events.PostDeleted) error {
	log := s.logger.With(slog.String("post_id", ev.PostID))
	var failures []error
	removed := 0
	for _, raw := range ev.MediaIDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			log.Warn(ctx, "media_id_invalid", "skipping malformed media id", slog.String("media_id", raw))
			continue
		}
		done, err := s.removeOne(ctx, log, id, ev.UserID)
		if err != nil {
			log.Error(ctx, "media_delete_failed", "failed to delete media",
				append([]slog.Attr{slog.String("media_id", id.String())}, logx.Err("INTERNAL_ERROR", err)...)...)
			failures = append(failures, fmt.Errorf("media %s: %w", id, err))
			continue
		}
		if done {
			removed++
		}
	}
	log.Info(ctx, "post_media_processed", "processed media of deleted post",
		slog.Int("media_ids", len(ev.MediaIDs)),
		slog.Int("removed", removed),
		slog.Int("failed", len(failures)),
	)
	return errors.Join(failures...)
}

func (s *Service) removeOne(ctx context.Context, log logx.Logger, id uuid.UUID, owner string) (bool, error) {
	m, err := s.store.Get(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if owner != "" && m.UserID != owner {
		log.Warn(ctx, "media_owner_mismatch", "skipping media owned by another user",
			slog.String("media_id", id.String()),
			slog.String("owner", m.UserID),
		)
		return false, nil
	}
	if err := s.blobs.Delete(ctx, m.PublicID); err != nil {
		return false, err
	}
	if _, err := s.store.Delete(ctx, id); err != nil {
		return false, err
	}
	log.Info(ctx, "media_deleted", "deleted media of deleted post", slog.String("media_id", id.String()))
	return true, nil
}

// Handlers lists the events the media service consumes.
func (s *Service) Handlers() (*events.Table, error) {
	return events.NewTable(
		events.On(func(ctx context.Context, _ events.Envelope, p events.PostDeleted) error {
			return s.RemovePostMedia(ctx, p)
		}),
	)
}

// truncateName cuts name to at most max bytes without splitting a rune.
func truncateName(name string, max int) string {
	if len(name) <= max {
		return name
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}
