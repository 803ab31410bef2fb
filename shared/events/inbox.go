package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"social-media-microservices/shared/lockx"
)

type ClaimState int

const (
	// ClaimAcquired means this consumer should apply the event.
	ClaimAcquired ClaimState = iota
	// ClaimProcessed means the event was already applied for this group.
	ClaimProcessed
	// ClaimBusy means another member of the group holds the event right now.
	ClaimBusy
)

type Claim struct {
	State   ClaimState
	lock    *lockx.Lock
	doneKey string
}

// Inbox deduplicates deliveries per consumer group. It narrows the window in
// which redelivery re-runs a handler; handlers stay idempotent regardless.
type Inbox interface {
	Claim(ctx context.Context, group string, eventID uuid.UUID) (Claim, error)
	Finish(ctx context.Context, claim Claim, applied bool) error
}

type RedisInbox struct {
	client  redis.Cmdable
	lockTTL time.Duration
	doneTTL time.Duration
}

func NewRedisInbox(client redis.Cmdable, lockTTL time.Duration, doneTTL time.Duration) *RedisInbox {
	if lockTTL <= 0 {
		lockTTL = time.Minute
	}
	if doneTTL <= 0 {
		doneTTL = 7 * 24 * time.Hour
	}
	return &RedisInbox{client: client, lockTTL: lockTTL, doneTTL: doneTTL}
}

func inboxKey(group string, eventID uuid.UUID) string {
	return "inbox:" + group + ":" + eventID.String()
}

func (i *RedisInbox) Claim(ctx context.Context, group string, eventID uuid.UUID) (Claim, error) {
	base := inboxKey(group, eventID)
	doneKey := base + ":done"

	done, err := lockx.Marked(ctx, i.client, doneKey)
	if err != nil {
		return Claim{}, err
	}
	if done {
		return Claim{State: ClaimProcessed}, nil
	}
	lock, ok, err := lockx.Acquire(ctx, i.client, base+":lock", i.lockTTL)
	if err != nil {
		return Claim{}, err
	}
	if !ok {
		return Claim{State: ClaimBusy}, nil
	}
	return Claim{State: ClaimAcquired, lock: lock, doneKey: doneKey}, nil
}

// Finish records the event as processed when applied is true and releases
// the claim either way.
func (i *RedisInbox) Finish(ctx context.Context, claim Claim, applied bool) error {
	if claim.State != ClaimAcquired || claim.lock == nil {
		return nil
	}
	var markErr error
	if applied {
		markErr = lockx.Mark(ctx, i.client, claim.doneKey, i.doneTTL)
	}
	return errors.Join(markErr, lockx.Release(ctx, i.client, claim.lock))
}
