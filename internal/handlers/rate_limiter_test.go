package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCheckoutLimiterBudgetsPerRoute(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewMemoryCheckoutLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _, _ := limiter.Allow(ctx, routeBuyNow, "u1"); !ok {
			t.Fatalf("attempt %d should pass", i+1)
		}
	}
	ok, wait, err := limiter.Allow(ctx, routeBuyNow, "u1")
	if err != nil || ok || wait != time.Minute {
		t.Fatalf("expected denial with full window wait, got ok=%v wait=%v err=%v", ok, wait, err)
	}
	if ok, _, _ := limiter.Allow(ctx, routeCartCheckout, "u1"); !ok {
		t.Fatalf("cart checkout must have its own budget")
	}
	if ok, _, _ := limiter.Allow(ctx, routeBuyNow, "u2"); !ok {
		t.Fatalf("other callers must not share the budget")
	}

	now = now.Add(time.Minute)
	if ok, _, _ := limiter.Allow(ctx, routeBuyNow, "u1"); !ok {
		t.Fatalf("expected a fresh window after reset")
	}
}

func TestMemoryCheckoutLimiterDisabled(t *testing.T) {
	if NewMemoryCheckoutLimiter(0, time.Minute) != nil {
		t.Fatalf("expected nil limiter for zero limit")
	}
	var limiter *MemoryCheckoutLimiter
	if ok, _, err := limiter.Allow(context.Background(), routeBuyNow, "u1"); !ok || err != nil {
		t.Fatalf("nil limiter must allow")
	}
}

func TestRedisCheckoutLimiterSharesWindow(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := NewRedisCheckoutLimiter(client, "test:", 1, time.Minute)
	ctx := context.Background()

	if ok, _, err := limiter.Allow(ctx, routeBuyNow, "u1"); !ok || err != nil {
		t.Fatalf("first attempt should pass, err=%v", err)
	}
	ok, wait, err := limiter.Allow(ctx, routeBuyNow, "u1")
	if err != nil || ok {
		t.Fatalf("second attempt should be denied, ok=%v err=%v", ok, err)
	}
	if wait <= 0 || wait > time.Minute {
		t.Fatalf("unexpected retry-after %v", wait)
	}
	if !server.Exists("test:buy_now:u1") {
		t.Fatalf("expected counter keyed by route and caller")
	}
	if ok, _, _ := limiter.Allow(ctx, routeCartCheckout, "u1"); !ok {
		t.Fatalf("cart checkout must have its own budget")
	}

	server.FastForward(time.Minute + time.Second)
	if ok, _, err := limiter.Allow(ctx, routeBuyNow, "u1"); !ok || err != nil {
		t.Fatalf("expected the window to expire, ok=%v err=%v", ok, err)
	}
}

func TestRedisCheckoutLimiterReportsOutage(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	limiter := NewRedisCheckoutLimiter(client, "", 1, time.Minute)
	server.Close()

	if _, _, err := limiter.Allow(context.Background(), routeBuyNow, "u1"); err == nil {
		t.Fatalf("expected an error with redis down")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, string) (bool, time.Duration, error) {
	return false, 0, errors.New("redis unavailable")
}

func TestAllowCheckoutFailsOpen(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart:checkout", nil)
	if !allowCheckout(rr, req, failingLimiter{}, routeCartCheckout, "u1") {
		t.Fatalf("limiter outage must not block checkout")
	}
	if rr.Code != http.StatusOK || rr.Body.Len() != 0 {
		t.Fatalf("nothing should be written, got %d %q", rr.Code, rr.Body.String())
	}
}
