package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type BodyMode string

const (
	// BodyJSON forwards every body as application/json.
	BodyJSON BodyMode = "json"
	// BodyMultipart leaves multipart/form-data uploads untouched and treats
	// anything else as JSON.
	BodyMultipart BodyMode = "multipart"
)

type Route struct {
	Name     string   `json:"name"`
	External string   `json:"external_prefix"`
	Internal string   `json:"internal_prefix"`
	Backend  string   `json:"backend"`
	Auth     bool     `json:"requires_auth"`
	BodyMode BodyMode `json:"body_mode"`
}

// Matches reports whether path falls under the route's external prefix on a
// segment boundary: /v1/posts matches /v1/posts and /v1/posts/1, never
// /v1/postsx.
func (r Route) Matches(path string) bool {
	if path == r.External {
		return true
	}
	return strings.HasPrefix(path, r.External+"/")
}

// Rewrite swaps the external prefix for the internal one exactly once.
func (r Route) Rewrite(path string) string {
	return r.Internal + strings.TrimPrefix(path, r.External)
}

type Config struct {
	Backends map[string]string `json:"backends"`
	Routes   []Route           `json:"routes"`
}

// Table resolves request paths to routes, longest external prefix first.
type Table struct {
	routes   []Route
	backends map[string]string
}

func Default() []Route {
	return []Route{
		{Name: "identity", External: "/v1/auth", Internal: "/api/auth", Backend: "identity", BodyMode: BodyJSON},
		{Name: "posts", External: "/v1/posts", Internal: "/api/posts", Backend: "post", Auth: true, BodyMode: BodyJSON},
		{Name: "media", External: "/v1/media", Internal: "/api/media", Backend: "media", Auth: true, BodyMode: BodyMultipart},
		{Name: "search", External: "/v1/search", Internal: "/api/search", Backend: "search", Auth: true, BodyMode: BodyJSON},
	}
}

// New validates routes against the known backends. Backends are looked up by
// name; an empty URL means the backend is not configured.
func New(routes []Route, backends map[string]string) (Table, error) {
	if len(routes) == 0 {
		return Table{}, errors.New("route table must define routes")
	}
	seenName := make(map[string]bool, len(routes))
	seenPrefix := make(map[string]bool, len(routes))
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		r.Name = strings.TrimSpace(r.Name)
		r.External = normalizePrefix(r.External)
		r.Internal = normalizePrefix(r.Internal)
		r.Backend = strings.TrimSpace(r.Backend)
		if r.BodyMode == "" {
			r.BodyMode = BodyJSON
		}
		if r.Name == "" {
			return Table{}, errors.New("route must include name")
		}
		if r.External == "" || r.Internal == "" {
			return Table{}, fmt.Errorf("route %q must include external_prefix and internal_prefix", r.Name)
		}
		if r.BodyMode != BodyJSON && r.BodyMode != BodyMultipart {
			return Table{}, fmt.Errorf("route %q has unknown body_mode %q", r.Name, r.BodyMode)
		}
		if strings.TrimSpace(backends[r.Backend]) == "" {
			return Table{}, fmt.Errorf("route %q references unknown backend %q", r.Name, r.Backend)
		}
		if seenName[r.Name] {
			return Table{}, fmt.Errorf("duplicate route name %q", r.Name)
		}
		if seenPrefix[r.External] {
			return Table{}, fmt.Errorf("duplicate external_prefix %q", r.External)
		}
		seenName[r.Name] = true
		seenPrefix[r.External] = true
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].External) > len(out[j].External) })

	b := make(map[string]string, len(backends))
	for k, v := range backends {
		b[k] = strings.TrimRight(strings.TrimSpace(v), "/")
	}
	return Table{routes: out, backends: b}, nil
}

func (t Table) Resolve(path string) (Route, bool) {
	for _, r := range t.routes {
		if r.Matches(path) {
			return r, true
		}
	}
	return Route{}, false
}

func (t Table) BackendURL(name string) (string, bool) {
	u, ok := t.backends[name]
	return u, ok && u != ""
}

func (t Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// Load reads a route table file. Backends in the file override the ones
// passed in, so a deployment can point a route at a different host.
func Load(path string, backends map[string]string) (Table, error) {
	if strings.TrimSpace(path) == "" {
		return Table{}, errors.New("routes config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read routes config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Table{}, fmt.Errorf("parse routes config: %w", err)
	}
	merged := make(map[string]string, len(backends)+len(cfg.Backends))
	for k, v := range backends {
		merged[k] = v
	}
	for k, v := range cfg.Backends {
		if strings.TrimSpace(v) != "" {
			merged[k] = v
		}
	}
	return New(cfg.Routes, merged)
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// DefaultRoutesPath returns configs/<env>.gateway.routes.json when that file
// exists under the repo root.
func DefaultRoutesPath(env string) (string, bool) {
	root, ok := findRepoRoot()
	if !ok {
		return "", false
	}
	if strings.TrimSpace(env) == "" {
		env = "dev"
	}
	path := filepath.Join(root, "configs", env+".gateway.routes.json")
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

func findRepoRoot() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}
