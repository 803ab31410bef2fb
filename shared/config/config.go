package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration
	TrustProxy       bool

	OIDCIssuer       string
	OIDCAudience     string
	OIDCJWKSURL      string
	JWKSTTLSeconds   int
	JWTClockSkewSec  int
	JWTSecret        string
	TokenCacheTTLSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	IdentityServiceURL string
	PostServiceURL     string
	MediaServiceURL    string
	SearchServiceURL   string
	GatewayRoutesPath  string

	RateLimitMax             int
	RateLimitWindowSec       int
	SensitiveRateLimitMax    int
	SensitiveRateLimitWindow int

	PostCacheTTLSec     int
	PostListCacheTTLSec int
	SearchCacheTTLSec   int

	BlobStoreURL       string
	BlobStoreToken     string
	BlobStoreTimeoutMS int
	BlobStoreRetryMax  int
	MaxUploadBytes     int

	CORSAllowedOrigins []string

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSec) * time.Second
}

func (c Config) SensitiveRateLimitWindowDuration() time.Duration {
	return time.Duration(c.SensitiveRateLimitWindow) * time.Second
}

const GatewayService = "gateway"

func defaults(serviceNameDefault string, httpPortDefault int) Config {
	return Config{
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		RequestTimeoutMS: 30000,
		// Backends are only reached through the gateway, which rebuilds
		// X-Forwarded-For from the client connection.
		TrustProxy:               serviceNameDefault != GatewayService,
		JWKSTTLSeconds:           300,
		JWTClockSkewSec:          60,
		TokenCacheTTLSec:         60,
		DBMaxConns:               10,
		DBMinConns:               1,
		DBConnMaxIdleSec:         300,
		DBConnMaxLifeSec:         1800,
		KafkaRetryMax:            5,
		KafkaWriteMS:             50,
		AsynqQueue:               "default",
		AsynqConcurrency:         10,
		OutboxScanSec:            5,
		OutboxBatchSize:          50,
		OutboxMaxAttempts:        20,
		RateLimitMax:             100,
		RateLimitWindowSec:       900,
		SensitiveRateLimitMax:    20,
		SensitiveRateLimitWindow: 900,
		PostCacheTTLSec:          3600,
		PostListCacheTTLSec:      300,
		SearchCacheTTLSec:        120,
		BlobStoreTimeoutMS:       10000,
		BlobStoreRetryMax:        2,
		MaxUploadBytes:           5 << 20,
		OtelInsecure:             true,
		OtelSampleRatio:          1.0,
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := defaults(serviceNameDefault, httpPortDefault)
	cfg.Env = envRaw
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	d := defaults(cfg.ServiceName, httpPortDefault)
	positive := []struct {
		field string
		value *int
		def   int
	}{
		{"REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, d.RequestTimeoutMS},
		{"JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, d.JWKSTTLSeconds},
		{"TOKEN_CACHE_TTL_SECONDS", &cfg.TokenCacheTTLSec, d.TokenCacheTTLSec},
		{"DB_MAX_CONNS", &cfg.DBMaxConns, d.DBMaxConns},
		{"DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, d.DBConnMaxIdleSec},
		{"DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, d.DBConnMaxLifeSec},
		{"KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, d.KafkaWriteMS},
		{"ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, d.AsynqConcurrency},
		{"OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec, d.OutboxScanSec},
		{"OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, d.OutboxBatchSize},
		{"OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, d.OutboxMaxAttempts},
		{"RATE_LIMIT_MAX", &cfg.RateLimitMax, d.RateLimitMax},
		{"RATE_LIMIT_WINDOW_SECONDS", &cfg.RateLimitWindowSec, d.RateLimitWindowSec},
		{"SENSITIVE_RATE_LIMIT_MAX", &cfg.SensitiveRateLimitMax, d.SensitiveRateLimitMax},
		{"SENSITIVE_RATE_LIMIT_WINDOW_SECONDS", &cfg.SensitiveRateLimitWindow, d.SensitiveRateLimitWindow},
		{"POST_CACHE_TTL_SECONDS", &cfg.PostCacheTTLSec, d.PostCacheTTLSec},
		{"POST_LIST_CACHE_TTL_SECONDS", &cfg.PostListCacheTTLSec, d.PostListCacheTTLSec},
		{"SEARCH_CACHE_TTL_SECONDS", &cfg.SearchCacheTTLSec, d.SearchCacheTTLSec},
		{"BLOBSTORE_TIMEOUT_MS", &cfg.BlobStoreTimeoutMS, d.BlobStoreTimeoutMS},
		{"MAX_UPLOAD_BYTES", &cfg.MaxUploadBytes, d.MaxUploadBytes},
	}
	for _, p := range positive {
		if *p.value <= 0 {
			*problems = append(*problems, Problem{Field: p.field, Message: p.field + " must be > 0"})
			*p.value = p.def
		}
	}

	nonNegative := []struct {
		field string
		value *int
		def   int
	}{
		{"JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, d.JWTClockSkewSec},
		{"DB_MIN_CONNS", &cfg.DBMinConns, d.DBMinConns},
		{"KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, d.KafkaRetryMax},
		{"REDIS_DB", &cfg.RedisDB, 0},
		{"ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, 0},
		{"BLOBSTORE_RETRY_MAX", &cfg.BlobStoreRetryMax, d.BlobStoreRetryMax},
	}
	for _, p := range nonNegative {
		if *p.value < 0 {
			*problems = append(*problems, Problem{Field: p.field, Message: p.field + " must be >= 0"})
			*p.value = p.def
		}
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
}

type binder func(cfg *Config, raw any) bool

type field struct {
	key     string
	bind    binder
	expects string
}

func stringField(key string, get func(*Config) *string) field {
	return field{key: key, expects: "a string", bind: func(cfg *Config, raw any) bool {
		s, ok := raw.(string)
		if !ok {
			return false
		}
		*get(cfg) = strings.TrimSpace(s)
		return true
	}}
}

// secretField keeps surrounding whitespace; secrets are used verbatim.
func secretField(key string, get func(*Config) *string) field {
	return field{key: key, expects: "a string", bind: func(cfg *Config, raw any) bool {
		s, ok := raw.(string)
		if !ok {
			return false
		}
		*get(cfg) = s
		return true
	}}
}

func intField(key string, get func(*Config) *int) field {
	return field{key: key, expects: "an integer", bind: func(cfg *Config, raw any) bool {
		n, ok := asInt(raw)
		if ok {
			*get(cfg) = n
		}
		return ok
	}}
}

func boolField(key string, get func(*Config) *bool) field {
	return field{key: key, expects: "a boolean", bind: func(cfg *Config, raw any) bool {
		switch t := raw.(type) {
		case bool:
			*get(cfg) = t
			return true
		case string:
			b, ok := asBool(t)
			if ok {
				*get(cfg) = b
			}
			return ok
		}
		return false
	}}
}

func floatField(key string, get func(*Config) *float64) field {
	return field{key: key, expects: "a number", bind: func(cfg *Config, raw any) bool {
		f, ok := asFloat(raw)
		if ok {
			*get(cfg) = f
		}
		return ok
	}}
}

func csvField(key string, get func(*Config) *[]string) field {
	return field{key: key, expects: "a list", bind: func(cfg *Config, raw any) bool {
		switch t := raw.(type) {
		case string:
			*get(cfg) = parseCSV(t)
			return true
		case []any:
			*get(cfg) = parseAnyCSV(t)
			return true
		}
		return false
	}}
}

var fields = []field{
	stringField("SERVICE_NAME", func(c *Config) *string { return &c.ServiceName }),
	intField("HTTP_PORT", func(c *Config) *int { return &c.HTTPPort }),
	stringField("LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }),
	intField("REQUEST_TIMEOUT_MS", func(c *Config) *int { return &c.RequestTimeoutMS }),
	boolField("TRUST_PROXY", func(c *Config) *bool { return &c.TrustProxy }),
	stringField("OIDC_ISSUER", func(c *Config) *string { return &c.OIDCIssuer }),
	stringField("OIDC_AUDIENCE", func(c *Config) *string { return &c.OIDCAudience }),
	stringField("OIDC_JWKS_URL", func(c *Config) *string { return &c.OIDCJWKSURL }),
	intField("JWKS_CACHE_TTL_SECONDS", func(c *Config) *int { return &c.JWKSTTLSeconds }),
	intField("JWT_CLOCK_SKEW_SECONDS", func(c *Config) *int { return &c.JWTClockSkewSec }),
	secretField("JWT_SECRET", func(c *Config) *string { return &c.JWTSecret }),
	intField("TOKEN_CACHE_TTL_SECONDS", func(c *Config) *int { return &c.TokenCacheTTLSec }),
	stringField("DATABASE_URL", func(c *Config) *string { return &c.DatabaseURL }),
	intField("DB_MAX_CONNS", func(c *Config) *int { return &c.DBMaxConns }),
	intField("DB_MIN_CONNS", func(c *Config) *int { return &c.DBMinConns }),
	intField("DB_CONN_MAX_IDLE_SECONDS", func(c *Config) *int { return &c.DBConnMaxIdleSec }),
	intField("DB_CONN_MAX_LIFETIME_SECONDS", func(c *Config) *int { return &c.DBConnMaxLifeSec }),
	csvField("KAFKA_BROKERS", func(c *Config) *[]string { return &c.KafkaBrokers }),
	stringField("KAFKA_CLIENT_ID", func(c *Config) *string { return &c.KafkaClientID }),
	intField("KAFKA_RETRY_MAX", func(c *Config) *int { return &c.KafkaRetryMax }),
	intField("KAFKA_WRITE_TIMEOUT_MS", func(c *Config) *int { return &c.KafkaWriteMS }),
	stringField("REDIS_ADDR", func(c *Config) *string { return &c.RedisAddr }),
	secretField("REDIS_PASSWORD", func(c *Config) *string { return &c.RedisPassword }),
	intField("REDIS_DB", func(c *Config) *int { return &c.RedisDB }),
	stringField("ASYNQ_REDIS_ADDR", func(c *Config) *string { return &c.AsynqRedisAddr }),
	secretField("ASYNQ_REDIS_PASSWORD", func(c *Config) *string { return &c.AsynqRedisPass }),
	intField("ASYNQ_REDIS_DB", func(c *Config) *int { return &c.AsynqRedisDB }),
	stringField("ASYNQ_QUEUE", func(c *Config) *string { return &c.AsynqQueue }),
	intField("ASYNQ_CONCURRENCY", func(c *Config) *int { return &c.AsynqConcurrency }),
	intField("OUTBOX_SCAN_INTERVAL_SECONDS", func(c *Config) *int { return &c.OutboxScanSec }),
	intField("OUTBOX_BATCH_SIZE", func(c *Config) *int { return &c.OutboxBatchSize }),
	intField("OUTBOX_MAX_ATTEMPTS", func(c *Config) *int { return &c.OutboxMaxAttempts }),
	stringField("IDENTITY_SERVICE_URL", func(c *Config) *string { return &c.IdentityServiceURL }),
	stringField("POST_SERVICE_URL", func(c *Config) *string { return &c.PostServiceURL }),
	stringField("MEDIA_SERVICE_URL", func(c *Config) *string { return &c.MediaServiceURL }),
	stringField("SEARCH_SERVICE_URL", func(c *Config) *string { return &c.SearchServiceURL }),
	stringField("GATEWAY_ROUTES_PATH", func(c *Config) *string { return &c.GatewayRoutesPath }),
	intField("RATE_LIMIT_MAX", func(c *Config) *int { return &c.RateLimitMax }),
	intField("RATE_LIMIT_WINDOW_SECONDS", func(c *Config) *int { return &c.RateLimitWindowSec }),
	intField("SENSITIVE_RATE_LIMIT_MAX", func(c *Config) *int { return &c.SensitiveRateLimitMax }),
	intField("SENSITIVE_RATE_LIMIT_WINDOW_SECONDS", func(c *Config) *int { return &c.SensitiveRateLimitWindow }),
	intField("POST_CACHE_TTL_SECONDS", func(c *Config) *int { return &c.PostCacheTTLSec }),
	intField("POST_LIST_CACHE_TTL_SECONDS", func(c *Config) *int { return &c.PostListCacheTTLSec }),
	intField("SEARCH_CACHE_TTL_SECONDS", func(c *Config) *int { return &c.SearchCacheTTLSec }),
	stringField("BLOBSTORE_URL", func(c *Config) *string { return &c.BlobStoreURL }),
	secretField("BLOBSTORE_TOKEN", func(c *Config) *string { return &c.BlobStoreToken }),
	intField("BLOBSTORE_TIMEOUT_MS", func(c *Config) *int { return &c.BlobStoreTimeoutMS }),
	intField("BLOBSTORE_RETRY_MAX", func(c *Config) *int { return &c.BlobStoreRetryMax }),
	intField("MAX_UPLOAD_BYTES", func(c *Config) *int { return &c.MaxUploadBytes }),
	csvField("CORS_ALLOWED_ORIGINS", func(c *Config) *[]string { return &c.CORSAllowedOrigins }),
	boolField("OTEL_ENABLED", func(c *Config) *bool { return &c.OtelEnabled }),
	stringField("OTEL_EXPORTER_OTLP_ENDPOINT", func(c *Config) *string { return &c.OtelEndpoint }),
	boolField("OTEL_EXPORTER_OTLP_INSECURE", func(c *Config) *bool { return &c.OtelInsecure }),
	floatField("OTEL_SAMPLE_RATIO", func(c *Config) *float64 { return &c.OtelSampleRatio }),
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
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

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, f := range fields {
		v := strings.TrimSpace(os.Getenv(f.key))
		if v == "" && f.key == "HTTP_PORT" {
			v = strings.TrimSpace(os.Getenv("PORT"))
		}
		if v == "" {
			continue
		}
		if !f.bind(cfg, v) {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be " + f.expects})
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	byKey := make(map[string]field, len(fields))
	for _, f := range fields {
		byKey[f.key] = f
	}
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "ENV" {
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
			continue
		}
		f, ok := byKey[key]
		if !ok {
			continue
		}
		if !f.bind(cfg, v) {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be " + f.expects})
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
