package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"social-media-microservices/shared/config"
)

var ErrNoClient = errors.New("redis client not initialized")

type Client struct {
	redis redis.UniversalClient
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Client{redis: rdb}, nil
}

func NewWithClient(rdb redis.UniversalClient) *Client {
	return &Client{redis: rdb}
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return ErrNoClient
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

// Get returns the raw value for key; a miss is (nil, false, nil).
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c == nil || c.redis == nil {
		return nil, false, ErrNoClient
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c == nil || c.redis == nil {
		return ErrNoClient
	}
	return c.redis.Set(ctx, key, value, ttl).Err()
}

func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, b, ttl)
}

func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if c == nil || c.redis == nil {
		return ErrNoClient
	}
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...).Err()
}

func (c *Client) Client() redis.UniversalClient {
	if c == nil {
		return nil
	}
	return c.redis
}
