package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "idem:"

// RedisStore shares keys across instances. Reservations use SET NX and Redis expiry replaces cleanup.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore constructs the store. Keys are written under the given prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

type redisEntry struct {
	Key         string              `json:"key"`
	Fingerprint string              `json:"fingerprint"`
	Status      Status              `json:"status"`
	RespStatus  int                 `json:"response_status,omitempty"`
	RespHeaders map[string][]string `json:"response_headers,omitempty"`
	RespBody    []byte              `json:"response_body,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	ExpiresAt   time.Time           `json:"expires_at"`
}

func toRedisEntry(e Entry) redisEntry {
	return redisEntry{
		Key:         e.Key,
		Fingerprint: e.Fingerprint,
		Status:      e.Status,
		RespStatus:  e.Response.Status,
		RespHeaders: e.Response.Headers,
		RespBody:    e.Response.Body,
		CreatedAt:   e.CreatedAt,
		ExpiresAt:   e.ExpiresAt,
	}
}

func (r redisEntry) entry() Entry {
	return Entry{
		Key:         r.Key,
		Fingerprint: r.Fingerprint,
		Status:      r.Status,
		Response:    Response{Status: r.RespStatus, Headers: r.RespHeaders, Body: r.RespBody},
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + documentID(key)
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	ttl = normaliseTTL(ttl)
	pending := newPendingEntry(key, fingerprint, now.UTC(), ttl)
	payload, err := json.Marshal(toRedisEntry(pending))
	if err != nil {
		return 0, Entry{}, fmt.Errorf("idempotency: encode entry: %w", err)
	}

	rkey := s.redisKey(key)
	// A key that expires between SETNX and GET is simply claimed on the next pass.
	for attempt := 0; attempt < 2; attempt++ {
		acquired, err := s.client.SetNX(ctx, rkey, payload, ttl).Result()
		if err != nil {
			return 0, Entry{}, fmt.Errorf("idempotency: reserve: %w", err)
		}
		if acquired {
			return OutcomeAcquired, pending, nil
		}

		existing, err := s.load(ctx, rkey)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, Entry{}, err
		}
		if existing.Fingerprint != fingerprint {
			return 0, Entry{}, ErrFingerprintMismatch
		}
		return existing.outcome(), existing, nil
	}
	return 0, Entry{}, errors.New("idempotency: reserve: key churned during reservation")
}

func (s *RedisStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	ttl = normaliseTTL(ttl)
	now = now.UTC()
	rkey := s.redisKey(key)

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		entry, err := s.loadWith(ctx, tx, rkey)
		switch {
		case errors.Is(err, redis.Nil):
			entry = newPendingEntry(key, fingerprint, now, ttl)
		case err != nil:
			return err
		case entry.Fingerprint != fingerprint:
			return ErrFingerprintMismatch
		}
		entry.Status = StatusCompleted
		entry.Response = storableResponse(resp)
		entry.ExpiresAt = now.Add(ttl)

		payload, err := json.Marshal(toRedisEntry(entry))
		if err != nil {
			return fmt.Errorf("idempotency: encode entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, payload, ttl)
			return nil
		})
		return err
	}, rkey)
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

// CleanupExpired is a no-op; Redis expires keys on its own.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, rkey string) (Entry, error) {
	return s.loadWith(ctx, s.client, rkey)
}

func (s *RedisStore) loadWith(ctx context.Context, getter redis.Cmdable, rkey string) (Entry, error) {
	raw, err := getter.Get(ctx, rkey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("idempotency: load: %w", err)
	}
	var stored redisEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Entry{}, fmt.Errorf("idempotency: decode entry: %w", err)
	}
	return stored.entry(), nil
}
