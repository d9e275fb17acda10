package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps keys in process. It suits single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	now = now.UTC()
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok || entry.expired(now) {
		entry = newPendingEntry(key, fingerprint, now, normaliseTTL(ttl))
		s.entries[id] = entry
		return OutcomeAcquired, entry, nil
	}
	if entry.Fingerprint != fingerprint {
		return 0, Entry{}, ErrFingerprintMismatch
	}
	return entry.outcome(), entry, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		entry = newPendingEntry(key, fingerprint, now, normaliseTTL(ttl))
	} else if entry.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	entry.Status = StatusCompleted
	entry.Response = storableResponse(resp)
	entry.ExpiresAt = now.Add(normaliseTTL(ttl))
	s.entries[id] = entry
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, documentID(key))
	s.mu.Unlock()
	return nil
}

// CleanupExpired drops at most limit expired keys; a non-positive limit removes all of them.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if !entry.expired(now) {
			continue
		}
		delete(s.entries, id)
		removed++
	}
	return removed, nil
}
