package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"social-media-microservices/gateway/internal/routing"
	"social-media-microservices/shared/authx"
	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/middleware"
	"social-media-microservices/shared/ratelimit"
)

type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, token string) (authx.AuthContext, error) {
	if token != "good" {
		return authx.AuthContext{}, authx.ErrInvalidToken
	}
	return authx.AuthContext{UserID: "u-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type seenRequest struct {
	Method      string
	Path        string
	Query       string
	UserID      string
	ContentType string
	Body        []byte
}

type backend struct {
	mu    sync.Mutex
	seen  []seenRequest
	srv   *httptest.Server
	reply int
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{reply: http.StatusOK}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.seen = append(b.seen, seenRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			Query:       r.URL.RawQuery,
			UserID:      r.Header.Get("X-User-Id"),
			ContentType: r.Header.Get("Content-Type"),
			Body:        body,
		})
		status := b.reply
		b.mu.Unlock()
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) requests() []seenRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]seenRequest(nil), b.seen...)
}

func newRouter(t *testing.T, url string, limiter *ratelimit.Limiter) *Router {
	t.Helper()
	table, err := routing.New(routing.Default(), map[string]string{
		"identity": url, "post": url, "media": url, "search": url,
	})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	opts := Options{Table: table, Verifier: tokenVerifier{}, Logger: logx.Nop()}
	if limiter != nil {
		opts.Limiter = limiter
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return r
}

func TestRouterRewritesPrefixAndKeepsQuery(t *testing.T) {
	b := newBackend(t)
	r := newRouter(t, b.srv.URL, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/register?ref=x", strings.NewReader(`{"u":"a"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Header().Get("X-Backend") != "yes" {
		t.Fatalf("expected relayed response, got %d", rec.Code)
	}
	seen := b.requests()
	if len(seen) != 1 || seen[0].Path != "/api/auth/register" || seen[0].Query != "ref=x" || seen[0].Method != http.MethodPost {
		t.Fatalf("unexpected upstream request %+v", seen)
	}
}

func TestRouterRelaysBackendStatusVerbatim(t *testing.T) {
	b := newBackend(t)
	b.reply = http.StatusConflict
	r := newRouter(t, b.srv.URL, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(`{}`)))
	if rec.Code != http.StatusConflict || rec.Body.String() != `{"ok":true}` {
		t.Fatalf("expected verbatim 409, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRouterRejectsUnauthenticatedWithoutCallingBackend(t *testing.T) {
	b := newBackend(t)
	r := newRouter(t, b.srv.URL, nil)

	for _, header := range []string{"", "Bearer bad"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/posts", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", header, rec.Code)
		}
	}
	if n := len(b.requests()); n != 0 {
		t.Fatalf("backend must not be called, got %d calls", n)
	}
}

func TestRouterReplacesSpoofedUserHeader(t *testing.T) {
	b := newBackend(t)
	r := newRouter(t, b.srv.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/posts/p-1", nil)
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set("X-User-Id", "attacker")
	r.ServeHTTP(httptest.NewRecorder(), req)

	open := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(`{}`))
	open.Header.Set("X-User-Id", "attacker")
	r.ServeHTTP(httptest.NewRecorder(), open)

	seen := b.requests()
	if len(seen) != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", len(seen))
	}
	if seen[0].UserID != "u-1" || seen[0].Path != "/api/posts/p-1" {
		t.Fatalf("expected verified user id, got %+v", seen[0])
	}
	if seen[1].UserID != "" {
		t.Fatalf("client supplied user id must be stripped, got %q", seen[1].UserID)
	}
}

func TestRouterForcesJSONContentType(t *testing.T) {
	b := newBackend(t)
	r := newRouter(t, b.srv.URL, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/posts", strings.NewReader(`{"content":"hello"}`))
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set("Content-Type", "text/plain")
	r.ServeHTTP(httptest.NewRecorder(), req)

	seen := b.requests()
	if len(seen) != 1 || seen[0].ContentType != "application/json" || string(seen[0].Body) != `{"content":"hello"}` {
		t.Fatalf("unexpected upstream request %+v", seen)
	}
}

func TestRouterPassesMultipartThrough(t *testing.T) {
	b := newBackend(t)
	r := newRouter(t, b.srv.URL, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "cat.png")
	_, _ = part.Write([]byte("pixels"))
	_ = mw.Close()
	raw := append([]byte(nil), body.Bytes()...)

	req := httptest.NewRequest(http.MethodPost, "/v1/media/upload", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	r.ServeHTTP(httptest.NewRecorder(), req)

	seen := b.requests()
	if len(seen) != 1 {
		t.Fatalf("expected 1 upstream call, got %d", len(seen))
	}
	if seen[0].ContentType != mw.FormDataContentType() || !bytes.Equal(seen[0].Body, raw) {
		t.Fatalf("multipart body or content type altered: %q", seen[0].ContentType)
	}
}

func TestRouterUnknownRouteIs404(t *testing.T) {
	b := newBackend(t)
	r := newRouter(t, b.srv.URL, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/posts", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRouterSanitizesTransportFailures(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()
	r := newRouter(t, url, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(`{}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "UPSTREAM_ERROR" || envelope.Error.Message != "internal server error" {
		t.Fatalf("unexpected error body %s", rec.Body.String())
	}
}

func TestRouterDetachesUpstreamFromClientCancel(t *testing.T) {
	b := newBackend(t)
	r := newRouter(t, b.srv.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(`{}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if len(b.requests()) != 1 || rec.Code != http.StatusOK {
		t.Fatalf("forwarded request must complete after client cancel, got %d", rec.Code)
	}
}

func TestRouterRateLimitsBeforeForwarding(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter, err := ratelimit.New(rdb, ratelimit.Policy{Name: "global", Limit: 2, Window: 15 * time.Minute})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	b := newBackend(t)
	r := newRouter(t, b.srv.URL, limiter)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(`{}`)))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
	if n := len(b.requests()); n != 2 {
		t.Fatalf("rejected request must not be forwarded, got %d calls", n)
	}
}

func TestBackendLimiterKeysOnClientBehindRouter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter, err := ratelimit.New(rdb, ratelimit.Policy{Name: "sensitive", Limit: 2, Window: 15 * time.Minute})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	svc := httptest.NewServer(middleware.RateLimitMiddleware{Limiter: limiter, Logger: logx.Nop(), TrustProxy: true}.Wrap(ok))
	t.Cleanup(svc.Close)
	r := newRouter(t, svc.URL, nil)

	send := func(clientIP, forged string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(`{}`))
		req.RemoteAddr = clientIP + ":40000"
		if forged != "" {
			req.Header.Set("X-Forwarded-For", forged)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("203.0.113.1", ""); code != http.StatusOK {
			t.Fatalf("request %d from first client: got %d", i, code)
		}
	}
	if code := send("203.0.113.1", ""); code != http.StatusTooManyRequests {
		t.Fatalf("first client must be limited, got %d", code)
	}
	if code := send("198.51.100.7", ""); code != http.StatusOK {
		t.Fatalf("second client must get its own window, got %d", code)
	}

	// A forged header on the client side must not mint fresh windows.
	codes := []int{send("192.0.2.9", "10.0.0.1"), send("192.0.2.9", "10.0.0.2"), send("192.0.2.9", "10.0.0.3")}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("forged X-Forwarded-For bypassed the limit: %v", codes)
	}
}
