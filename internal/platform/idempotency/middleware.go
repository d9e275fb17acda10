package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/platform/httpx"
)

const (
	DefaultHeader     = "Idempotency-Key"
	ReplayHeader      = "X-Idempotent-Replay"
	anonymousCaller   = "anonymous"
	maxKeyLength      = 255
	maxRequestBodyLen = 1 << 20
)

var errBodyTooLarge = errors.New("idempotency: request body too large")

// Logger is the Printf-style sink for store failures.
type Logger interface {
	Printf(format string, args ...any)
}

type settings struct {
	header  string
	ttl     time.Duration
	methods map[string]struct{}
	now     func() time.Time
	logger  Logger
}

// MiddlewareOption customises the middleware.
type MiddlewareOption func(*settings)

// WithHeader overrides the request header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(s *settings) {
		if name = strings.TrimSpace(name); name != "" {
			s.header = name
		}
	}
}

// WithTTL sets how long keys and replayable responses are kept.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMethods limits the guarded HTTP methods.
func WithMethods(methods ...string) MiddlewareOption {
	return func(s *settings) {
		guarded := make(map[string]struct{}, len(methods))
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				guarded[method] = struct{}{}
			}
		}
		if len(guarded) > 0 {
			s.methods = guarded
		}
	}
}

// WithLogger sets the sink for store failures.
func WithLogger(logger Logger) MiddlewareOption {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MiddlewareOption {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// Middleware makes mutating requests safe to retry. The first request carrying a key runs the handler
// and its response is stored; repeats with the same key and payload get that response back, while the
// same key with a different payload is rejected. Keys are scoped to the authenticated caller.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := settings{
		header: DefaultHeader,
		ttl:    DefaultTTL,
		methods: map[string]struct{}{
			http.MethodPost:   {},
			http.MethodPut:    {},
			http.MethodPatch:  {},
			http.MethodDelete: {},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, guarded := cfg.methods[r.Method]; !guarded {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", cfg.header+" header is required", http.StatusBadRequest))
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_invalid", cfg.header+" header is too long", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if errors.Is(err, errBodyTooLarge) {
				httpx.WriteError(ctx, w, httpx.NewError("request_too_large", "request body is too large", http.StatusRequestEntityTooLarge))
				return
			}
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}

			caller := callerOf(ctx)
			scoped := key + "|" + caller
			fingerprint := fingerprintOf(r, body, caller)

			outcome, entry, err := store.Reserve(ctx, scoped, fingerprint, cfg.now(), cfg.ttl)
			if err != nil {
				writeStoreError(ctx, w, cfg.logger, err)
				return
			}
			switch outcome {
			case OutcomeReplay:
				replay(w, entry.Response)
				return
			case OutcomeInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is still being processed", http.StatusConflict))
				return
			}

			capture := newCapture(w)
			next.ServeHTTP(capture, r)

			// Server failures are not remembered so the client may retry with the same key.
			if capture.status >= http.StatusInternalServerError {
				if err := store.Release(ctx, scoped); err != nil {
					cfg.logf("idempotency: release key after server error: %v", err)
				}
				capture.flush()
				return
			}

			resp := Response{Status: capture.status, Headers: capture.header.Clone(), Body: capture.body.Bytes()}
			if err := store.Complete(ctx, scoped, fingerprint, resp, cfg.now(), cfg.ttl); err != nil {
				cfg.logf("idempotency: store response for caller %s: %v", caller, err)
				if err := store.Release(ctx, scoped); err != nil {
					cfg.logf("idempotency: release key after store failure: %v", err)
				}
			}
			capture.flush()
		})
	}
}

func (s settings) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func callerOf(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return anonymousCaller
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyLen+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBodyLen {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func fingerprintOf(r *http.Request, body []byte, caller string) string {
	var b strings.Builder
	for _, part := range []string{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Content-Type"), caller} {
		b.WriteString(part)
		b.WriteByte('|')
	}
	b.WriteString(sha256Hex(body))
	return sha256Hex([]byte(b.String()))
}

func writeStoreError(ctx context.Context, w http.ResponseWriter, logger Logger, err error) {
	if errors.Is(err, ErrFingerprintMismatch) {
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key was already used for a different request", http.StatusUnprocessableEntity))
		return
	}
	if logger != nil {
		logger.Printf("idempotency: reserve: %v", err)
	}
	httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
}

func replay(w http.ResponseWriter, resp Response) {
	header := w.Header()
	for name, values := range resp.Headers {
		header[name] = append([]string(nil), values...)
	}
	header.Set(ReplayHeader, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// capture buffers the handler response so it can be stored before the client sees it.
type capture struct {
	parent http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func newCapture(parent http.ResponseWriter) *capture {
	return &capture{parent: parent, header: make(http.Header), status: http.StatusOK}
}

func (c *capture) Header() http.Header { return c.header }

func (c *capture) WriteHeader(status int) {
	if status > 0 {
		c.status = status
	}
}

func (c *capture) Write(p []byte) (int, error) {
	return c.body.Write(p)
}

func (c *capture) flush() {
	dst := c.parent.Header()
	for name, values := range c.header {
		dst[name] = values
	}
	c.parent.WriteHeader(c.status)
	if c.body.Len() > 0 {
		_, _ = c.parent.Write(c.body.Bytes())
	}
}
