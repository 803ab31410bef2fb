// Package ratelimit implements fixed-window request counters in Redis. Every
// instance of every service shares the same counters, so a client's budget is
// global rather than per process.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript bumps the window counter and arms its expiry on the first hit.
// A counter that somehow lost its TTL is re-armed so it cannot live forever.
var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

func (p Policy) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("ratelimit: policy name is required")
	}
	if p.Limit <= 0 {
		return fmt.Errorf("ratelimit: policy %s: limit must be > 0", p.Name)
	}
	if p.Window < time.Millisecond {
		return fmt.Errorf("ratelimit: policy %s: window must be >= 1ms", p.Name)
	}
	return nil
}

type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

type Limiter struct {
	client redis.Scripter
	policy Policy
}

func New(client redis.Scripter, policy Policy) (*Limiter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	return &Limiter{client: client, policy: policy}, nil
}

func (l *Limiter) Policy() Policy { return l.policy }

func Key(policy string, clientKey string) string {
	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" {
		clientKey = "unknown"
	}
	return "ratelimit:" + policy + ":" + clientKey
}

// Allow counts one request for clientKey. When the store cannot be reached the
// request is allowed and the error returned so the caller can log it.
func (l *Limiter) Allow(ctx context.Context, clientKey string) (Decision, error) {
	open := Decision{Allowed: true, Limit: l.policy.Limit, Remaining: l.policy.Limit, ResetAfter: l.policy.Window}

	res, err := incrScript.Run(ctx, l.client, []string{Key(l.policy.Name, clientKey)}, l.policy.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return open, fmt.Errorf("ratelimit: %s: %w", l.policy.Name, err)
	}
	if len(res) != 2 {
		return open, fmt.Errorf("ratelimit: %s: unexpected script reply %v", l.policy.Name, res)
	}

	count := int(res[0])
	remaining := l.policy.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    count <= l.policy.Limit,
		Count:      count,
		Limit:      l.policy.Limit,
		Remaining:  remaining,
		ResetAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}
