package routing

import (
	"os"
	"path/filepath"
	"testing"
)

var testBackends = map[string]string{
	"identity": "http://identity:3001",
	"post":     "http://post:3002/",
	"media":    "http://media:3003",
	"search":   "http://search:3004",
}

func TestDefaultTableResolvesAndRewrites(t *testing.T) {
	table, err := New(Default(), testBackends)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	cases := []struct {
		path     string
		route    string
		internal string
	}{
		{"/v1/auth/register", "identity", "/api/auth/register"},
		{"/v1/posts", "posts", "/api/posts"},
		{"/v1/posts/abc", "posts", "/api/posts/abc"},
		{"/v1/media/upload", "media", "/api/media/upload"},
		{"/v1/search/posts", "search", "/api/search/posts"},
	}
	for _, tc := range cases {
		r, ok := table.Resolve(tc.path)
		if !ok || r.Name != tc.route {
			t.Fatalf("%s: expected route %s, got %q (ok=%v)", tc.path, tc.route, r.Name, ok)
		}
		if got := r.Rewrite(tc.path); got != tc.internal {
			t.Fatalf("%s: expected %s, got %s", tc.path, tc.internal, got)
		}
	}
	if u, ok := table.BackendURL("post"); !ok || u != "http://post:3002" {
		t.Fatalf("unexpected backend url %q", u)
	}
}

func TestResolveHonoursSegmentBoundary(t *testing.T) {
	table, _ := New(Default(), testBackends)
	for _, p := range []string{"/v1/postsx", "/v1", "/api/posts", "/"} {
		if r, ok := table.Resolve(p); ok {
			t.Fatalf("%s: expected no match, got %s", p, r.Name)
		}
	}
}

func TestResolvePrefersLongestPrefix(t *testing.T) {
	routes := append(Default(), Route{Name: "posts-admin", External: "/v1/posts/admin", Internal: "/internal/admin", Backend: "post"})
	table, err := New(routes, testBackends)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	r, ok := table.Resolve("/v1/posts/admin/stats")
	if !ok || r.Name != "posts-admin" || r.Rewrite("/v1/posts/admin/stats") != "/internal/admin/stats" {
		t.Fatalf("unexpected route %+v", r)
	}
}

func TestRewriteReplacesPrefixOnce(t *testing.T) {
	r := Route{External: "/v1/posts", Internal: "/api/posts"}
	if got := r.Rewrite("/v1/posts/v1/posts"); got != "/api/posts/v1/posts" {
		t.Fatalf("unexpected rewrite %s", got)
	}
}

func TestNewRejectsInvalidTables(t *testing.T) {
	cases := map[string][]Route{
		"empty":           nil,
		"unknown_backend": {{Name: "x", External: "/v1/x", Internal: "/api/x", Backend: "nope"}},
		"bad_body_mode":   {{Name: "x", External: "/v1/x", Internal: "/api/x", Backend: "post", BodyMode: "xml"}},
		"duplicate_prefix": {
			{Name: "a", External: "/v1/x", Internal: "/api/x", Backend: "post"},
			{Name: "b", External: "/v1/x/", Internal: "/api/y", Backend: "post"},
		},
	}
	for name, routes := range cases {
		if _, err := New(routes, testBackends); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadMergesBackends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	data := `{
  "backends": {"search": "http://search-canary:3004"},
  "routes": [
    {"name": "search", "external_prefix": "/v1/search", "internal_prefix": "/api/search", "backend": "search", "requires_auth": true},
    {"name": "posts", "external_prefix": "/v1/posts", "internal_prefix": "/api/posts", "backend": "post", "requires_auth": true}
  ]
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write routes file: %v", err)
	}
	table, err := Load(path, testBackends)
	if err != nil {
		t.Fatalf("load routes: %v", err)
	}
	if u, _ := table.BackendURL("search"); u != "http://search-canary:3004" {
		t.Fatalf("expected file backend override, got %q", u)
	}
	r, ok := table.Resolve("/v1/search/posts")
	if !ok || !r.Auth || r.BodyMode != BodyJSON {
		t.Fatalf("unexpected route %+v", r)
	}
}
