package authx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// CachedVerifier memoizes successful verifications so repeated requests with
// the same token skip signature checks. An entry never outlives the token's
// own expiry. Failures are not cached.
type CachedVerifier struct {
	next  Verifier
	ttl   time.Duration
	now   func() time.Time
	cache *ttlcache.Cache[string, AuthContext]
}

func NewCachedVerifier(next Verifier, ttl time.Duration) *CachedVerifier {
	if ttl <= 0 {
		ttl = time.Minute
	}
	cache := ttlcache.New[string, AuthContext](
		ttlcache.WithTTL[string, AuthContext](ttl),
		ttlcache.WithDisableTouchOnHit[string, AuthContext](),
		ttlcache.WithCapacity[string, AuthContext](10000),
	)
	go cache.Start()
	return &CachedVerifier{next: next, ttl: ttl, now: time.Now, cache: cache}
}

func (v *CachedVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	key := tokenKey(rawToken)
	if item := v.cache.Get(key); item != nil {
		auth := item.Value()
		if auth.ExpiresAt.IsZero() || v.now().Before(auth.ExpiresAt) {
			return auth, nil
		}
		v.cache.Delete(key)
	}

	auth, err := v.next.Verify(ctx, rawToken)
	if err != nil {
		return AuthContext{}, err
	}

	ttl := v.ttl
	if !auth.ExpiresAt.IsZero() {
		if remaining := auth.ExpiresAt.Sub(v.now()); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl > 0 {
		v.cache.Set(key, auth, ttl)
	}
	return auth, nil
}

func (v *CachedVerifier) Stop() {
	v.cache.Stop()
}

func tokenKey(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}
