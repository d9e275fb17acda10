package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hanko-field/commerce/internal/platform/auth"
)

var fixedTime = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

type stubStore struct {
	reserveFn  func(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error)
	completeFn func(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error

	mu       sync.Mutex
	released []string
}

func (s *stubStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, key, fingerprint, now, ttl)
	}
	return OutcomeAcquired, Entry{}, nil
}

func (s *stubStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if s.completeFn != nil {
		return s.completeFn(ctx, key, fingerprint, resp, now, ttl)
	}
	return nil
}

func (s *stubStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	s.released = append(s.released, key)
	s.mu.Unlock()
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func buyNowRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders:buy-now", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(DefaultHeader, key)
	}
	return req
}

func asCaller(req *http.Request, uid string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Roles: []string{auth.RoleUser}}))
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	code, _ := payload["error"].(string)
	return code
}

func TestMiddleware_RequiresKey(t *testing.T) {
	called := false
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, buyNowRequest("", `{"productId":"P1"}`))

	if called {
		t.Fatalf("handler must not run without a key")
	}
	if rr.Code != http.StatusBadRequest || errorCode(t, rr.Body.Bytes()) != "idempotency_key_required" {
		t.Fatalf("expected 400 idempotency_key_required, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddleware_SkipsSafeMethods(t *testing.T) {
	called := false
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	if !called || rr.Code != http.StatusOK {
		t.Fatalf("expected GET to pass through, got %d", rr.Code)
	}
}

func TestMiddleware_ReplaysCompletedResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			var payload map[string]any
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("handler could not read buffered body: %v", err)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Location", "/api/v1/orders/ABC123")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"orderCode":"ABC123"}`))
		}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, asCaller(buyNowRequest("k-1", `{"productId":"P1","size":"M","quantity":4}`), "user-1"))
	if first.Code != http.StatusCreated || first.Header().Get(ReplayHeader) != "" {
		t.Fatalf("unexpected first response %d %v", first.Code, first.Header())
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, asCaller(buyNowRequest("k-1", `{"productId":"P1","size":"M","quantity":4}`), "user-1"))
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
	if second.Code != http.StatusCreated || second.Header().Get(ReplayHeader) != "true" {
		t.Fatalf("expected replayed 201, got %d %v", second.Code, second.Header())
	}
	if second.Header().Get("Location") != "/api/v1/orders/ABC123" || second.Body.String() != `{"orderCode":"ABC123"}` {
		t.Fatalf("unexpected replay %v %s", second.Header(), second.Body.String())
	}
}

func TestMiddleware_RejectsReusedKeyWithDifferentBody(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, asCaller(buyNowRequest("k-1", `{"quantity":1}`), "user-1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, asCaller(buyNowRequest("k-1", `{"quantity":2}`), "user-1"))
	if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr.Body.Bytes()) != "idempotency_key_conflict" {
		t.Fatalf("expected 422 idempotency_key_conflict, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddleware_ScopesKeysPerCaller(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for _, uid := range []string{"user-1", "user-2"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, asCaller(buyNowRequest("shared", `{"quantity":1}`), uid))
		if rr.Code != http.StatusCreated || rr.Header().Get(ReplayHeader) != "" {
			t.Fatalf("expected fresh response for %s, got %d", uid, rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected both callers to reach the handler, got %d", calls)
	}
}

func TestMiddleware_InFlightConflict(t *testing.T) {
	store := &stubStore{
		reserveFn: func(context.Context, string, string, time.Time, time.Duration) (Outcome, Entry, error) {
			return OutcomeInFlight, Entry{Status: StatusPending}, nil
		},
	}
	handler := Middleware(store)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run while key is in flight")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, buyNowRequest("k-1", `{}`))
	if rr.Code != http.StatusConflict || errorCode(t, rr.Body.Bytes()) != "idempotency_in_progress" {
		t.Fatalf("expected 409 idempotency_in_progress, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddleware_ReleasesKeyOnServerError(t *testing.T) {
	store := &stubStore{
		completeFn: func(context.Context, string, string, Response, time.Time, time.Duration) error {
			t.Fatalf("server errors must not be stored")
			return nil
		},
	}
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, asCaller(buyNowRequest("k-9", `{}`), "user-1"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected handler status passthrough, got %d", rr.Code)
	}
	if len(store.released) != 1 || store.released[0] != "k-9|user-1" {
		t.Fatalf("expected scoped key release, got %v", store.released)
	}
}

func TestMiddleware_StoreFailure(t *testing.T) {
	store := &stubStore{
		reserveFn: func(context.Context, string, string, time.Time, time.Duration) (Outcome, Entry, error) {
			return 0, Entry{}, errors.New("redis down")
		},
	}
	handler := Middleware(store)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run when the store fails")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, buyNowRequest("k-1", `{}`))
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr.Body.Bytes()) != "idempotency_unavailable" {
		t.Fatalf("expected 503 idempotency_unavailable, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddleware_CompleteFailureStillResponds(t *testing.T) {
	store := &stubStore{
		completeFn: func(context.Context, string, string, Response, time.Time, time.Duration) error {
			return errors.New("write failed")
		},
	}
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, buyNowRequest("k-2", `{}`))
	if rr.Code != http.StatusCreated || rr.Body.String() != `{"ok":true}` {
		t.Fatalf("expected handler response, got %d %s", rr.Code, rr.Body.String())
	}
	if len(store.released) != 1 || store.released[0] != "k-2|anonymous" {
		t.Fatalf("expected release after store failure, got %v", store.released)
	}
}

func TestMemoryStore_ExpiryAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	outcome, _, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute)
	if err != nil || outcome != OutcomeAcquired {
		t.Fatalf("expected acquire, got %v %v", outcome, err)
	}
	if outcome, _, _ = store.Reserve(ctx, "k", "fp", fixedTime, time.Minute); outcome != OutcomeInFlight {
		t.Fatalf("expected in flight, got %v", outcome)
	}
	if err := store.Complete(ctx, "k", "fp", Response{Status: http.StatusCreated, Headers: http.Header{"Date": {"x"}, "Location": {"/o/1"}}}, fixedTime, time.Minute); err != nil {
		t.Fatalf("complete: %v", err)
	}
	outcome, entry, _ := store.Reserve(ctx, "k", "fp", fixedTime.Add(30*time.Second), time.Minute)
	if outcome != OutcomeReplay || entry.Response.Headers.Get("Date") != "" || entry.Response.Headers.Get("Location") != "/o/1" {
		t.Fatalf("unexpected replay entry %v %+v", outcome, entry.Response)
	}

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(2*time.Minute), 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired key removed, got %d %v", removed, err)
	}
	if outcome, _, _ = store.Reserve(ctx, "k", "other", fixedTime.Add(2*time.Minute), time.Minute); outcome != OutcomeAcquired {
		t.Fatalf("expected key to be free after cleanup, got %v", outcome)
	}
}
