package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection   = "idempotency_keys"
	defaultTxAttempts   = 5
	defaultCleanupLimit = 100
)

// FirestoreOption customises the FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection holding keys.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMaxAttempts configures transaction retries.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(s *FirestoreStore) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

// FirestoreStore keeps one document per key and resolves races inside Firestore transactions.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	attempts   int
}

// NewFirestoreStore constructs a Firestore-backed store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{
		client:     client,
		collection: defaultCollection,
		attempts:   defaultTxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type firestoreEntry struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	Status      string              `firestore:"status"`
	RespStatus  int                 `firestore:"response_status"`
	RespHeaders map[string][]string `firestore:"response_headers"`
	RespBody    []byte              `firestore:"response_body"`
	CreatedAt   time.Time           `firestore:"created_at"`
	ExpiresAt   time.Time           `firestore:"expires_at"`
}

func toFirestoreEntry(e Entry) firestoreEntry {
	return firestoreEntry{
		Key:         e.Key,
		Fingerprint: e.Fingerprint,
		Status:      string(e.Status),
		RespStatus:  e.Response.Status,
		RespHeaders: e.Response.Headers,
		RespBody:    e.Response.Body,
		CreatedAt:   e.CreatedAt,
		ExpiresAt:   e.ExpiresAt,
	}
}

func (f firestoreEntry) entry() Entry {
	return Entry{
		Key:         f.Key,
		Fingerprint: f.Fingerprint,
		Status:      Status(f.Status),
		Response:    Response{Status: f.RespStatus, Headers: f.RespHeaders, Body: f.RespBody},
		CreatedAt:   f.CreatedAt,
		ExpiresAt:   f.ExpiresAt,
	}
}

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(documentID(key))
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	now = now.UTC()
	ttl = normaliseTTL(ttl)
	ref := s.doc(key)

	var (
		outcome Outcome
		result  Entry
	)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, found, err := readEntry(tx, ref)
		if err != nil {
			return err
		}
		if found && !existing.expired(now) {
			if existing.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			outcome, result = existing.outcome(), existing
			return nil
		}
		pending := newPendingEntry(key, fingerprint, now, ttl)
		if err := tx.Set(ref, toFirestoreEntry(pending)); err != nil {
			return err
		}
		outcome, result = OutcomeAcquired, pending
		return nil
	}, firestore.MaxAttempts(s.attempts))
	if err != nil {
		return 0, Entry{}, err
	}
	return outcome, result, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = normaliseTTL(ttl)
	ref := s.doc(key)
	stored := storableResponse(resp)

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		entry, found, err := readEntry(tx, ref)
		if err != nil {
			return err
		}
		if !found {
			entry = newPendingEntry(key, fingerprint, now, ttl)
		} else if entry.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		entry.Status = StatusCompleted
		entry.Response = stored
		entry.ExpiresAt = now.Add(ttl)
		return tx.Set(ref, toFirestoreEntry(entry))
	}, firestore.MaxAttempts(s.attempts))
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	_, err := s.doc(key).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// CleanupExpired deletes up to limit expired documents in a single batch.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	docs, err := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil || len(docs) == 0 {
		return 0, err
	}

	batch := s.client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := batch.Delete(doc.Ref); err != nil {
			batch.End()
			return 0, err
		}
	}
	batch.End()
	return len(docs), nil
}

func readEntry(tx *firestore.Transaction, ref *firestore.DocumentRef) (Entry, bool, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var stored firestoreEntry
	if err := snap.DataTo(&stored); err != nil {
		return Entry{}, false, err
	}
	return stored.entry(), true, nil
}
