package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"social-media-microservices/media/internal/models"
	"social-media-microservices/media/internal/service"
	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/middleware"
	"social-media-microservices/shared/ratelimit"
)

type stubMedia struct {
	uploads []service.Upload
	users   []string
}

func (s *stubMedia) Upload(_ context.Context, userID string, up service.Upload) (models.Media, error) {
	s.uploads = append(s.uploads, up)
	s.users = append(s.users, userID)
	id := uuid.New()
	return models.Media{ID: id, UserID: userID, URL: "https://cdn.test/" + id.String()}, nil
}

func (s *stubMedia) ListMedia(_ context.Context, userID string) ([]models.Media, error) {
	return []models.Media{{ID: uuid.New(), UserID: userID}}, nil
}

func newServer(m Media, sensitive middleware.Allower, limit int64) http.Handler {
	mux := http.NewServeMux()
	Handlers{Media: m, Logger: logx.Nop(), Sensitive: sensitive, MaxUploadBytes: limit}.Register(mux)
	return middleware.UserMiddleware{}.Wrap(mux)
}

func uploadRequest(t *testing.T, field string, content []byte, user string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, "photo.jpg")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(content)
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/media/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	req.RemoteAddr = "10.0.0.9:5555"
	return req
}

func TestUploadReturnsCreated(t *testing.T) {
	stub := &stubMedia{}
	h := newServer(stub, nil, 1<<20)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", []byte("jpeg-bytes"), "u-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var out uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || out.MediaID == "" || out.URL == "" {
		t.Fatalf("unexpected body %s (%v)", rec.Body.String(), err)
	}
	if len(stub.uploads) != 1 || string(stub.uploads[0].Data) != "jpeg-bytes" || stub.users[0] != "u-1" {
		t.Fatalf("upload not passed through: %+v", stub.uploads)
	}
	if stub.uploads[0].Filename != "photo.jpg" {
		t.Fatalf("unexpected filename %q", stub.uploads[0].Filename)
	}
}

func TestUploadRequiresFilePart(t *testing.T) {
	h := newServer(&stubMedia{}, nil, 1<<20)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "attachment", []byte("x"), "u-1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	stub := &stubMedia{}
	h := newServer(stub, nil, 8)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", bytes.Repeat([]byte("a"), 64), "u-1"))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if len(stub.uploads) != 0 {
		t.Fatalf("oversized file must not be uploaded")
	}
}

func TestUploadWithoutUserIsUnauthorized(t *testing.T) {
	h := newServer(&stubMedia{}, nil, 1<<20)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", []byte("x"), ""))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListMedia(t *testing.T) {
	h := newServer(&stubMedia{}, nil, 1<<20)
	req := httptest.NewRequest(http.MethodGet, "/api/media", nil)
	req.Header.Set("X-User-Id", "u-3")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out struct {
		Media []models.Media `json:"media"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || len(out.Media) != 1 || out.Media[0].UserID != "u-3" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestUploadSensitiveLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter, err := ratelimit.New(rdb, ratelimit.Policy{Name: "sensitive", Limit: 2, Window: 15 * time.Minute})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	stub := &stubMedia{}
	h := newServer(stub, limiter, 1<<20)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, uploadRequest(t, "file", []byte("x"), "u-1"))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusCreated || codes[1] != http.StatusCreated || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
	if len(stub.uploads) != 2 {
		t.Fatalf("rejected upload must not reach the service, got %d", len(stub.uploads))
	}
}
