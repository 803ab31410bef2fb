package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"social-media-microservices/media/internal/models"
	"social-media-microservices/media/internal/service"
	"social-media-microservices/shared/apperr"
	"social-media-microservices/shared/httpx"
	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/middleware"
	"social-media-microservices/shared/userx"
)

const (
	fileField = "file"
	// Room for the multipart framing around the file part.
	formOverhead = 64 << 10
)

type Media interface {
	Upload(ctx context.Context, userID string, up service.Upload) (models.Media, error)
	ListMedia(ctx context.Context, userID string) ([]models.Media, error)
}

type Handlers struct {
	Media          Media
	Logger         logx.Logger
	Sensitive      middleware.Allower
	TrustProxy     bool
	MaxUploadBytes int64
}

type uploadResponse struct {
	MediaID string `json:"media_id"`
	URL     string `json:"url"`
}

func (h Handlers) Register(mux *http.ServeMux) {
	upload := http.Handler(http.HandlerFunc(h.upload))
	if h.Sensitive != nil {
		upload = middleware.RateLimitMiddleware{Limiter: h.Sensitive, Logger: h.Logger, TrustProxy: h.TrustProxy}.Wrap(upload)
	}
	mux.Handle("POST /api/media/upload", upload)
	mux.HandleFunc("GET /api/media", h.list)
}

func (h Handlers) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes+formOverhead)
	file, header, err := r.FormFile(fileField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "file exceeds upload limit", nil)
		case errors.Is(err, http.ErrMissingFile):
			httpx.WriteAppError(h.Logger, w, r, apperr.Validation("file is required"))
		default:
			httpx.WriteAppError(h.Logger, w, r, apperr.Validation("invalid multipart body"))
		}
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	data, err := io.ReadAll(io.LimitReader(file, h.MaxUploadBytes+1))
	if err != nil {
		httpx.WriteAppError(h.Logger, w, r, apperr.Validation("failed to read file"))
		return
	}
	if int64(len(data)) > h.MaxUploadBytes {
		httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "file exceeds upload limit", nil)
		return
	}

	m, err := h.Media.Upload(r.Context(), userx.UserIDFromContext(r.Context()), service.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		httpx.WriteAppError(h.Logger, w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, uploadResponse{MediaID: m.ID.String(), URL: m.URL})
}

func (h Handlers) list(w http.ResponseWriter, r *http.Request) {
	items, err := h.Media.ListMedia(r.Context(), userx.UserIDFromContext(r.Context()))
	if err != nil {
		httpx.WriteAppError(h.Logger, w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"media": items})
}
