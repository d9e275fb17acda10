package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/platform/httpx"
	"github.com/hanko-field/commerce/internal/platform/pagination"
	"github.com/hanko-field/commerce/internal/services"
)

const maxBuyNowBodySize = 4 * 1024

// OrderHandlers exposes buy-now checkout and the caller's order lifecycle.
type OrderHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	orders   services.OrderLifecycleService
	limiter  CheckoutLimiter
}

// OrderOption customises the order handlers.
type OrderOption func(*OrderHandlers)

// WithBuyNowLimiter budgets buy-now attempts per caller.
func WithBuyNowLimiter(limiter CheckoutLimiter) OrderOption {
	return func(h *OrderHandlers) {
		h.limiter = limiter
	}
}

// NewOrderHandlers constructs the order endpoints.
func NewOrderHandlers(authn *auth.Authenticator, checkout services.CheckoutService, orders services.OrderLifecycleService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:    authn,
		checkout: checkout,
		orders:   orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the order endpoints directly onto the API router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(group chi.Router) {
		if h.authn != nil {
			group.Use(h.authn.RequireIdentity())
		}
		group.Post("/orders:buy-now", h.buyNow)
		group.Get("/orders", h.listOrders)
		group.Get("/orders/{orderId}", h.getOrder)
		group.Delete("/orders/{orderId}", h.deleteOrder)
		group.Post("/orders/{orderId}:cancel", h.cancelOrder)
	})
}

type buyNowRequest struct {
	ProductID string `json:"productId"`
	Size      string `json:"size"`
	Quantity  int64  `json:"quantity"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type cancelOrderResponse struct {
	Order            orderPayload `json:"order"`
	AlreadyCancelled bool         `json:"alreadyCancelled"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

func (h *OrderHandlers) buyNow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeUnavailable(ctx, w, "checkout")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req buyNowRequest
	if !decodeJSONBody(w, r, maxBuyNowBodySize, &req) {
		return
	}
	if !allowCheckout(w, r, h.limiter, routeBuyNow, identity.UID) {
		return
	}

	result, err := h.checkout.BuyNow(ctx, services.BuyNowCommand{
		OwnerID:   identity.UID,
		ProductID: strings.TrimSpace(req.ProductID),
		Size:      req.Size,
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildCheckoutResponse(result))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	if code := strings.TrimSpace(r.URL.Query().Get("orderCode")); code != "" {
		orders, err := h.orders.ListByCode(ctx, identity.UID, code)
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, orderListResponse{Items: buildOrderPayloads(orders)})
		return
	}

	params, err := pagination.FromRequest(r, pagination.Limits{})
	if err != nil {
		code := "invalid_request"
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			code = "invalid_page_token"
		}
		httpx.WriteError(ctx, w, httpx.NewError(code, err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListForOwner(ctx, identity.UID, services.Pagination{
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         buildOrderPayloads(page.Items),
		NextPageToken: page.NextPageToken,
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cmd, ok := h.orderAction(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Get(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cmd, ok := h.orderAction(w, r)
	if !ok {
		return
	}
	result, err := h.orders.Cancel(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cancelOrderResponse{
		Order:            buildOrderPayload(result.Order),
		AlreadyCancelled: result.AlreadyCancelled,
	})
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cmd, ok := h.orderAction(w, r)
	if !ok {
		return
	}
	if err := h.orders.Delete(ctx, cmd); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// orderAction resolves the caller-scoped command for the order in the path.
func (h *OrderHandlers) orderAction(w http.ResponseWriter, r *http.Request) (services.OrderActionCommand, bool) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return services.OrderActionCommand{}, false
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return services.OrderActionCommand{}, false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.OrderActionCommand{}, false
	}
	return services.OrderActionCommand{OrderID: orderID, OwnerID: identity.UID}, true
}
