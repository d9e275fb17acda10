// Package requestctx carries per-request values shared by the HTTP middlewares and the services
// without an import cycle between them.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type (
	loggerKey struct{}
	traceKey  struct{}
)

var nop = zap.NewNop()

// TraceInfo is the Cloud Trace context of the current request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Valid reports whether a trace id was propagated.
func (t TraceInfo) Valid() bool { return t.TraceID != "" }

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = nop
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger never returns nil. Requests without a scoped logger get a no-op one.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	return nop
}

// NoopLogger is the logger returned by Logger when none was attached.
func NoopLogger() *zap.Logger { return nop }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey{}, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}
