package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"social-media-microservices/post/internal/models"
	"social-media-microservices/post/internal/service"
	"social-media-microservices/shared/apperr"
	"social-media-microservices/shared/httpx"
	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/middleware"
	"social-media-microservices/shared/userx"
)

const maxBodyBytes = 1 << 20

// Posts is satisfied by *service.Service.
type Posts interface {
	CreatePost(ctx context.Context, userID string, in service.PostInput) (models.Post, error)
	GetPost(ctx context.Context, id string) (models.Post, error)
	ListPosts(ctx context.Context, page int, pageSize int) (models.PostPage, error)
	UpdatePost(ctx context.Context, userID string, id string, in service.PostInput) (models.Post, error)
	DeletePost(ctx context.Context, userID string, id string) (models.Post, error)
}

type Handlers struct {
	Posts  Posts
	Logger logx.Logger
	// Sensitive limits post creation per client. Nil disables it.
	Sensitive  middleware.Allower
	TrustProxy bool
}

func (h Handlers) Register(mux *http.ServeMux) {
	create := http.Handler(http.HandlerFunc(h.create))
	if h.Sensitive != nil {
		create = middleware.RateLimitMiddleware{Limiter: h.Sensitive, Logger: h.Logger, TrustProxy: h.TrustProxy}.Wrap(create)
	}
	mux.Handle("POST /api/posts", create)
	mux.HandleFunc("GET /api/posts", h.list)
	mux.HandleFunc("GET /api/posts/{id}", h.get)
	mux.HandleFunc("PUT /api/posts/{id}", h.update)
	mux.HandleFunc("DELETE /api/posts/{id}", h.delete)
}

func (h Handlers) create(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(r)
	if err != nil {
		httpx.WriteAppError(h.Logger, w, r, err)
		return
	}
	post, err := h.Posts.CreatePost(r.Context(), userx.UserIDFromContext(r.Context()), in)
	if err != nil {
		httpx.WriteAppError(h.Logger, w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, post)
}

func (h Handlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"), service.DefaultPage)
	if err != nil {
		httpx.WriteAppError(h.Logger, w, r, apperr.Validation("page must be an integer"))
		return
	}
	limit, err := queryInt(q.Get("limit"), service.DefaultPageSize)
	if err != nil {
		httpx.WriteAppError(h.Logger, w, r, apperr.Validation("limit must be an integer"))
		return
	}
	result, err := h.Posts.ListPosts(r.Context(), page, limit)
	if err != nil {
		httpx.WriteAppError(h.Logger, w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (h Handlers) get(w http.ResponseWriter, r *http.Request) {
	post, err := h.Posts.GetPost(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.WriteAppError(h.Logger, w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, post)
}

func (h Handlers) update(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(r)
	if err != nil {
		httpx.WriteAppError(h.Logger, w, r, err)
		return
	}
	post, err := h.Posts.UpdatePost(r.Context(), userx.UserIDFromContext(r.Context()), r.PathValue("id"), in)
	if err != nil {
		httpx.WriteAppError(h.Logger, w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, post)
}

func (h Handlers) delete(w http.ResponseWriter, r *http.Request) {
	post, err := h.Posts.DeletePost(r.Context(), userx.UserIDFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		httpx.WriteAppError(h.Logger, w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"post_id": post.ID, "deleted": true})
}

func decodeInput(r *http.Request) (service.PostInput, error) {
	if r.Body == nil {
		return service.PostInput{}, apperr.Validation("request body required")
	}
	defer r.Body.Close()
	var in service.PostInput
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&in); err != nil {
		if errors.Is(err, io.EOF) {
			return service.PostInput{}, apperr.Validation("request body required")
		}
		return service.PostInput{}, apperr.Validation("invalid json body")
	}
	return in, nil
}

func queryInt(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
