package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/platform/httpx"
	"github.com/hanko-field/commerce/internal/services"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

const defaultMaxBody = 16 * 1024

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads a bounded body into dst and writes the error response itself on failure.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("invalid JSON payload: %v", err), http.StatusBadRequest))
		return false
	}
	return true
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

// requireIdentity returns the caller or writes 401.
func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writeUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", name+" service is unavailable", http.StatusServiceUnavailable))
}

// writeServiceError maps service sentinels onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var shortage *services.InsufficientStockError
	if errors.As(err, &shortage) {
		details := map[string]any{
			"productId": shortage.ProductID,
			"requested": shortage.Requested,
			"available": shortage.Available,
		}
		if shortage.Size != "" {
			details["size"] = shortage.Size
		}
		if shortage.LineID != "" {
			details["lineId"] = shortage.LineID
		}
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock to reserve items", http.StatusConflict).WithDetails(details))
		return
	}

	switch {
	case errors.Is(err, services.ErrLedgerInvalidInput),
		errors.Is(err, services.ErrCartInvalidInput),
		errors.Is(err, services.ErrCheckoutInvalidInput),
		errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("empty_cart", "cart has no lines to check out", http.StatusBadRequest))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock to reserve items", http.StatusConflict))
	case errors.Is(err, services.ErrLedgerProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrLedgerProductExists):
		httpx.WriteError(ctx, w, httpx.NewError("product_exists", "product already exists", http.StatusConflict))
	case errors.Is(err, services.ErrCartLineNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_line_not_found", "cart line not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", "order status does not allow this action", http.StatusConflict))
	case errors.Is(err, services.ErrLedgerInconsistent):
		httpx.WriteError(ctx, w, httpx.NewError("ledger_inconsistent", "stock history is inconsistent", http.StatusConflict))
	case errors.Is(err, services.ErrOrderCodeConflict), errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout temporarily unavailable; retry", http.StatusServiceUnavailable))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatMoney(value decimal.Decimal) string {
	return value.StringFixed(domain.MoneyScale)
}

type orderPayload struct {
	ID        string `json:"id"`
	OrderCode string `json:"orderCode"`
	ProductID string `json:"productId"`
	Size      string `json:"size"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	TaxRate   string `json:"taxRate"`
	Bill      string `json:"billAmount"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	return orderPayload{
		ID:        order.ID,
		OrderCode: order.OrderCode,
		ProductID: order.ProductID,
		Size:      order.Size,
		Quantity:  order.Quantity,
		UnitPrice: formatMoney(order.UnitPrice),
		TaxRate:   order.TaxRate.String(),
		Bill:      formatMoney(order.BillAmount),
		Status:    string(order.Status),
		CreatedAt: formatTime(order.CreatedAt),
		UpdatedAt: formatTime(order.UpdatedAt),
	}
}

func buildOrderPayloads(orders []services.Order) []orderPayload {
	out := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		out = append(out, buildOrderPayload(order))
	}
	return out
}

type checkoutResponse struct {
	OrderCode string         `json:"orderCode"`
	ItemCount int            `json:"itemCount"`
	Total     string         `json:"total"`
	Orders    []orderPayload `json:"orders"`
}

func buildCheckoutResponse(result services.CheckoutResult) checkoutResponse {
	return checkoutResponse{
		OrderCode: result.OrderCode,
		ItemCount: result.ItemCount,
		Total:     formatMoney(result.Total),
		Orders:    buildOrderPayloads(result.Orders),
	}
}
