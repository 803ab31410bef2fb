package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNoClient = errors.New("redis client not initialized")

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

// Acquire takes key for ttl. A false result with a nil error means another
// holder owns the key.
func Acquire(ctx context.Context, client redis.Cmdable, key string, ttl time.Duration) (*Lock, bool, error) {
	if client == nil {
		return nil, false, ErrNoClient
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

// Release deletes the key only if this lock still owns it.
func Release(ctx context.Context, client redis.Cmdable, lock *Lock) error {
	if client == nil {
		return ErrNoClient
	}
	if lock == nil {
		return errors.New("lock is nil")
	}
	return client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Err()
}

// Mark records a durable marker for key. Markers are how a holder tells later
// holders that the guarded work already happened.
func Mark(ctx context.Context, client redis.Cmdable, key string, ttl time.Duration) error {
	if client == nil {
		return ErrNoClient
	}
	return client.Set(ctx, key, "1", ttl).Err()
}

func Marked(ctx context.Context, client redis.Cmdable, key string) (bool, error) {
	if client == nil {
		return false, ErrNoClient
	}
	n, err := client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
