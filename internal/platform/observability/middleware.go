package observability

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/platform/httpx"
	"github.com/hanko-field/commerce/internal/platform/requestctx"
)

const unmatchedRoute = "unmatched"

// InjectLoggerMiddleware stores the base logger on the request context.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLogOption customises RequestLoggerMiddleware.
type RequestLogOption func(*requestLogConfig)

type requestLogConfig struct {
	projectID string
	skip      map[string]struct{}
}

// WithLogProjectID links entries to Cloud Trace when the trace id is known.
func WithLogProjectID(projectID string) RequestLogOption {
	return func(cfg *requestLogConfig) {
		cfg.projectID = strings.TrimSpace(projectID)
	}
}

// WithLogSkipPaths suppresses completion logs for noisy paths such as probes.
func WithLogSkipPaths(paths ...string) RequestLogOption {
	return func(cfg *requestLogConfig) {
		for _, path := range paths {
			cfg.skip[path] = struct{}{}
		}
	}
}

// RequestLoggerMiddleware logs one line per completed request and installs a request-scoped logger.
func RequestLoggerMiddleware(opts ...RequestLogOption) func(http.Handler) http.Handler {
	cfg := requestLogConfig{skip: map[string]struct{}{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			traceInfo, _ := requestctx.Trace(ctx)
			logger := WithRequestFields(requestctx.Logger(ctx),
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", SanitizeMethod(r.Method)),
				zap.String("path", SanitizeRoute(r.URL.Path)),
				zap.String("trace_id", traceInfo.TraceID),
			)
			if resource := loggingTraceResource(cfg.projectID, traceInfo); resource != "" {
				logger = logger.With(zap.String("logging.googleapis.com/trace", resource))
			}
			if ip := remoteIP(r); ip != "" {
				logger = logger.With(zap.String("remote_ip", ip))
			}

			// Identity is resolved by route-level middleware, so the holder lets inner handlers
			// report the caller back to this frame.
			holder := &callerHolder{}
			ctx = requestctx.WithLogger(withCallerHolder(ctx, holder), logger)
			r = r.WithContext(ctx)

			recorder := newResponseRecorder(w)
			start := time.Now()
			panicked := true
			defer func() {
				status := recorder.Status()
				if panicked && status < http.StatusInternalServerError {
					status = http.StatusInternalServerError
				}
				route := routePattern(r)
				annotateSpan(ctx, route, status)

				if _, skip := cfg.skip[r.URL.Path]; skip && !panicked && status < http.StatusBadRequest {
					return
				}
				fields := []zap.Field{
					zap.String("route", route),
					zap.String("user_id", holder.uid),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int64("bytes", recorder.BytesWritten()),
				}
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request completed", fields...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", fields...)
				default:
					logger.Info("request completed", fields...)
				}
			}()

			next.ServeHTTP(recorder, r)
			panicked = false
		})
	}
}

// CallerMiddleware copies the resolved identity into the request log line. Mount it after authentication.
func CallerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if holder := callerHolderFrom(r.Context()); holder != nil {
			if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
				holder.uid = SanitizeUserID(identity.UID)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware captures panics, logs the stack trace, and returns a JSON error response.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger := requestctx.Logger(ctx)
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
			}()

			next.ServeHTTP(w, r)
		})
	}
}

type callerHolder struct {
	uid string
}

type callerHolderKey struct{}

func withCallerHolder(ctx context.Context, holder *callerHolder) context.Context {
	return context.WithValue(ctx, callerHolderKey{}, holder)
}

func callerHolderFrom(ctx context.Context) *callerHolder {
	holder, _ := ctx.Value(callerHolderKey{}).(*callerHolder)
	return holder
}

// routePattern returns the matched chi pattern. Raw paths are never used so label cardinality stays bounded.
func routePattern(r *http.Request) string {
	if r == nil {
		return unmatchedRoute
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return SanitizeRoute(pattern)
		}
	}
	return unmatchedRoute
}

func annotateSpan(ctx context.Context, route string, status int) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(status), semconv.HTTPRoute(route))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return clip(addr, 64)
}

func loggingTraceResource(projectID string, info requestctx.TraceInfo) string {
	if projectID == "" || !info.Valid() {
		return ""
	}
	return fmt.Sprintf("projects/%s/traces/%s", projectID, info.TraceID)
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	if rec, ok := w.(*responseRecorder); ok {
		return rec
	}
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *responseRecorder) Status() int {
	return r.status
}

func (r *responseRecorder) BytesWritten() int64 {
	return r.bytes
}
