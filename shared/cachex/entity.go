package cachex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/metricsx"
)

// EntityCache caches single items under "<entity>:<id>" and listings under
// "<collection>:<part>:<part>...". Every key written is also recorded in a
// secondary index set so invalidation deletes exactly the keys that exist
// instead of scanning the key space:
//
//	cacheidx:<entity>:<id>   keys that depend on one item
//	cacheidx:<collection>    every listing key
type EntityCache struct {
	client     *Client
	entity     string
	collection string
	itemTTL    time.Duration
	listTTL    time.Duration
}

func NewEntityCache(client *Client, entity string, collection string, itemTTL time.Duration, listTTL time.Duration) *EntityCache {
	return &EntityCache{
		client:     client,
		entity:     entity,
		collection: collection,
		itemTTL:    itemTTL,
		listTTL:    listTTL,
	}
}

func (c *EntityCache) Entity() string { return c.entity }

func (c *EntityCache) ItemKey(id string) string {
	return c.entity + ":" + id
}

func (c *EntityCache) ListKey(parts ...any) string {
	b := strings.Builder{}
	b.WriteString(c.collection)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(fmt.Sprint(p))
	}
	return b.String()
}

func (c *EntityCache) itemIndex(id string) string {
	return "cacheidx:" + c.entity + ":" + id
}

func (c *EntityCache) listIndex() string {
	return "cacheidx:" + c.collection
}

func (c *EntityCache) GetItem(ctx context.Context, id string, dest any) (bool, error) {
	return c.client.GetJSON(ctx, c.ItemKey(id), dest)
}

func (c *EntityCache) SetItem(ctx context.Context, id string, value any) error {
	return c.Track(ctx, id, c.ItemKey(id), value, c.itemTTL)
}

// Track stores value under key and registers key as dependent on item id, so
// Invalidate(id) removes it too.
func (c *EntityCache) Track(ctx context.Context, id string, key string, value any, ttl time.Duration) error {
	return c.setIndexed(ctx, c.itemIndex(id), key, value, ttl)
}

func (c *EntityCache) GetList(ctx context.Context, key string, dest any) (bool, error) {
	return c.client.GetJSON(ctx, key, dest)
}

func (c *EntityCache) SetList(ctx context.Context, key string, value any) error {
	return c.setIndexed(ctx, c.listIndex(), key, value, c.listTTL)
}

func (c *EntityCache) setIndexed(ctx context.Context, index string, key string, value any, ttl time.Duration) error {
	if c.client == nil || c.client.redis == nil {
		return ErrNoClient
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = c.client.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, index, key)
		pipe.Expire(ctx, index, ttl)
		pipe.Set(ctx, key, b, ttl)
		return nil
	})
	return err
}

// Invalidate drops the item, everything tracked against it and every listing.
func (c *EntityCache) Invalidate(ctx context.Context, id string) error {
	if c.client == nil || c.client.redis == nil {
		return ErrNoClient
	}
	itemKeys, err := c.client.redis.SMembers(ctx, c.itemIndex(id)).Result()
	if err != nil {
		return err
	}
	listKeys, err := c.client.redis.SMembers(ctx, c.listIndex()).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(itemKeys)+len(listKeys)+3)
	keys = append(keys, c.ItemKey(id), c.itemIndex(id), c.listIndex())
	keys = append(keys, itemKeys...)
	keys = append(keys, listKeys...)
	return c.client.Delete(ctx, keys...)
}

// InvalidateCollection drops every listing but leaves items alone.
func (c *EntityCache) InvalidateCollection(ctx context.Context) error {
	if c.client == nil || c.client.redis == nil {
		return ErrNoClient
	}
	listKeys, err := c.client.redis.SMembers(ctx, c.listIndex()).Result()
	if err != nil {
		return err
	}
	return c.client.Delete(ctx, append(listKeys, c.listIndex())...)
}

// Slot names one cache entry for ReadThrough.
type Slot struct {
	cache *EntityCache
	key   string
	set   func(ctx context.Context, value any) error
}

func (c *EntityCache) ItemSlot(id string) Slot {
	return Slot{cache: c, key: c.ItemKey(id), set: func(ctx context.Context, v any) error { return c.SetItem(ctx, id, v) }}
}

func (c *EntityCache) ListSlot(parts ...any) Slot {
	key := c.ListKey(parts...)
	return Slot{cache: c, key: key, set: func(ctx context.Context, v any) error { return c.SetList(ctx, key, v) }}
}

func (s Slot) Key() string { return s.key }

// ReadThrough serves slot from cache or computes it with load and stores the
// result. Cache failures are logged and never fail the read. Errors from load
// are returned as is and nothing is cached.
func ReadThrough[T any](ctx context.Context, l logx.Logger, slot Slot, load func(context.Context) (T, error)) (T, bool, error) {
	var cached T
	ok, err := slot.cache.client.GetJSON(ctx, slot.key, &cached)
	if err != nil {
		l.Warn(ctx, "cache_read_failed", "cache read failed", append([]slog.Attr{slog.String("key", slot.key)}, logx.Err("CACHE_ERROR", err)...)...)
	}
	if err == nil && ok {
		metricsx.IncCacheLookup(slot.cache.entity, true)
		return cached, true, nil
	}
	metricsx.IncCacheLookup(slot.cache.entity, false)

	value, err := load(ctx)
	if err != nil {
		var zero T
		return zero, false, err
	}
	if err := slot.set(ctx, value); err != nil {
		l.Warn(ctx, "cache_write_failed", "cache write failed", append([]slog.Attr{slog.String("key", slot.key)}, logx.Err("CACHE_ERROR", err)...)...)
	}
	return value, false, nil
}
