package handlers

import (
	"context"
	"net/http"

	"social-media-microservices/search/internal/models"
	"social-media-microservices/shared/httpx"
	"social-media-microservices/shared/logx"
)

type Searcher interface {
	Search(ctx context.Context, query string) (models.Results, error)
}

type Handlers struct {
	Search Searcher
	Logger logx.Logger
}

func (h Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/search/posts", h.posts)
}

func (h Handlers) posts(w http.ResponseWriter, r *http.Request) {
	res, err := h.Search.Search(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		httpx.WriteAppError(h.Logger, w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}
