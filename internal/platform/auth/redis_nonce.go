package auth

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore shares nonce bookkeeping across instances using SET NX with an expiry.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisNonceStore constructs the store. Keys are written under the given prefix.
func NewRedisNonceStore(client redis.UniversalClient, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix, now: time.Now}
}

// UseNonce implements NonceStore.
func (s *RedisNonceStore) UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("auth: redis nonce store not configured")
	}
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	ttl := expiry.Sub(s.now())
	if ttl <= 0 {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	return s.client.SetNX(ctx, s.prefix+scope+"::"+nonce, 1, ttl).Result()
}
