package handlers

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanko-field/commerce/internal/platform/httpx"
	"github.com/hanko-field/commerce/internal/platform/observability"
)

const (
	routeBuyNow       = "buy_now"
	routeCartCheckout = "cart_checkout"
)

// CheckoutLimiter budgets checkout attempts per route and caller. A caller spending its buy-now budget
// keeps its cart-checkout budget.
type CheckoutLimiter interface {
	Allow(ctx context.Context, route, caller string) (allowed bool, retryAfter time.Duration, err error)
}

func limiterKey(route, caller string) string {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		caller = "anonymous"
	}
	return route + ":" + caller
}

// MemoryCheckoutLimiter keeps fixed windows in process. Budgets are per instance.
type MemoryCheckoutLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	windows   map[string]*attemptWindow
	nextSweep time.Time
}

type attemptWindow struct {
	used    int
	resetAt time.Time
}

// NewMemoryCheckoutLimiter returns nil when limit or window is not positive, which disables limiting.
func NewMemoryCheckoutLimiter(limit int, window time.Duration) *MemoryCheckoutLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &MemoryCheckoutLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*attemptWindow),
	}
}

func (l *MemoryCheckoutLimiter) Allow(_ context.Context, route, caller string) (bool, time.Duration, error) {
	if l == nil {
		return true, 0, nil
	}
	key := limiterKey(route, caller)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = &attemptWindow{used: 1, resetAt: now.Add(l.window)}
		return true, 0, nil
	}
	if w.used >= l.limit {
		return false, w.resetAt.Sub(now), nil
	}
	w.used++
	return true, 0, nil
}

// sweep drops elapsed windows at most once per window length.
func (l *MemoryCheckoutLimiter) sweep(now time.Time) {
	if now.Before(l.nextSweep) {
		return
	}
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
	l.nextSweep = now.Add(l.window)
}

// RedisCheckoutLimiter shares budgets across instances with one INCR counter per window.
type RedisCheckoutLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisCheckoutLimiter returns nil when the client is missing or limiting is disabled.
func NewRedisCheckoutLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisCheckoutLimiter {
	if client == nil || limit <= 0 || window <= 0 {
		return nil
	}
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisCheckoutLimiter{client: client, prefix: prefix, limit: int64(limit), window: window}
}

func (l *RedisCheckoutLimiter) Allow(ctx context.Context, route, caller string) (bool, time.Duration, error) {
	if l == nil {
		return true, 0, nil
	}
	key := l.prefix + limiterKey(route, caller)

	used, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limiter: incr %s: %w", key, err)
	}
	if used == 1 {
		if err := l.client.PExpire(ctx, key, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limiter: expire %s: %w", key, err)
		}
	}
	if used <= l.limit {
		return true, 0, nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limiter: ttl %s: %w", key, err)
	}
	if ttl <= 0 {
		// A counter without expiry would block the caller forever.
		if err := l.client.PExpire(ctx, key, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limiter: expire %s: %w", key, err)
		}
		ttl = l.window
	}
	return false, ttl, nil
}

// allowCheckout writes 429 when the caller is over budget. Limiter outages fail open.
func allowCheckout(w http.ResponseWriter, r *http.Request, limiter CheckoutLimiter, route, caller string) bool {
	if limiter == nil {
		return true
	}
	ctx := r.Context()
	allowed, wait, err := limiter.Allow(ctx, route, caller)
	if err != nil {
		observability.FromContext(ctx).Warn("checkout rate limiter unavailable", zap.String("route", route), zap.Error(err))
		return true
	}
	if allowed {
		return true
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(wait.Seconds()))))
	httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts", http.StatusTooManyRequests))
	return false
}
