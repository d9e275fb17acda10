package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a key is remembered after its last write.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of a stored key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Outcome reports what Reserve found for a key.
type Outcome int

const (
	// OutcomeAcquired means the caller owns the key and must run the handler.
	OutcomeAcquired Outcome = iota
	// OutcomeReplay means a completed response exists and should be written back verbatim.
	OutcomeReplay
	// OutcomeInFlight means another request holds the key and has not finished.
	OutcomeInFlight
)

// Entry is the stored state of one idempotency key.
type Entry struct {
	Key         string
	Fingerprint string
	Status      Status
	Response    Response
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func (e Entry) outcome() Outcome {
	if e.Status == StatusCompleted {
		return OutcomeReplay
	}
	return OutcomeInFlight
}

// Response is the captured handler response replayed for duplicate requests.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists key reservations and completed responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused with a different request")

// documentID hashes the scoped key so caller supplied values never reach storage paths verbatim.
func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newPendingEntry(key, fingerprint string, now time.Time, ttl time.Duration) Entry {
	return Entry{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func normaliseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// storableResponse drops hop-by-hop headers and copies the body.
func storableResponse(resp Response) Response {
	out := Response{Status: resp.Status}
	if len(resp.Body) > 0 {
		out.Body = append([]byte(nil), resp.Body...)
	}
	for name, values := range resp.Headers {
		canonical := http.CanonicalHeaderKey(name)
		if transientHeader(canonical) {
			continue
		}
		if out.Headers == nil {
			out.Headers = make(http.Header, len(resp.Headers))
		}
		out.Headers[canonical] = append([]string(nil), values...)
	}
	return out
}

func transientHeader(name string) bool {
	switch name {
	case "Content-Length", "Date", "Connection", "Keep-Alive", "Proxy-Authenticate",
		"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	default:
		return false
	}
}
