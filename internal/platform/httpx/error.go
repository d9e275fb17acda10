package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/commerce/internal/platform/requestctx"
)

const (
	codeLimit    = 80
	messageLimit = 512
)

// Error is the API failure envelope. Details are flattened into the top-level JSON object next to
// the error code so clients can read fields such as productId or available without unwrapping.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

// NewError builds an envelope. A zero status is treated as 500.
func NewError(code, message string, status int) Error {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, codeLimit),
		Message: clean(message, messageLimit),
		Status:  status,
	}
}

func (e Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// WithDetails returns a copy carrying extra fields. Reserved envelope keys are ignored.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		if reservedKey(k) {
			continue
		}
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WriteError renders err with the request and trace identifiers found on ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status <= 0 {
		status = http.StatusInternalServerError
	}

	body := make(map[string]any, len(err.Details)+5)
	for k, v := range err.Details {
		body[k] = v
	}
	body["error"] = err.Code
	body["message"] = err.Message
	body["status"] = status
	if id := clean(middleware.GetReqID(ctx), codeLimit); id != "" {
		body["request_id"] = id
	}
	if id := clean(requestctx.TraceID(ctx), 64); id != "" {
		body["trace_id"] = id
	}

	WriteJSON(w, status, body)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func reservedKey(key string) bool {
	switch key {
	case "error", "message", "status", "request_id", "trace_id":
		return true
	}
	return false
}

func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
