package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/platform/httpx"
	"github.com/hanko-field/commerce/internal/services"
)

const maxCartBodySize = 8 * 1024

// CartHandlers exposes the caller's cart and its checkout.
type CartHandlers struct {
	authn    *auth.Authenticator
	carts    services.CartService
	checkout services.CheckoutService
	limiter  CheckoutLimiter
}

// CartOption customises the cart handlers.
type CartOption func(*CartHandlers)

// WithCartCheckoutLimiter budgets cart checkout attempts per caller.
func WithCartCheckoutLimiter(limiter CheckoutLimiter) CartOption {
	return func(h *CartHandlers) {
		h.limiter = limiter
	}
}

// NewCartHandlers constructs handlers resolving the caller before invoking the cart services.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService, checkout services.CheckoutService, opts ...CartOption) *CartHandlers {
	h := &CartHandlers{
		authn:    authn,
		carts:    carts,
		checkout: checkout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the cart endpoints directly onto the API router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(group chi.Router) {
		if h.authn != nil {
			group.Use(h.authn.RequireIdentity())
		}
		group.Get("/cart/lines", h.listLines)
		group.Post("/cart/lines", h.addLine)
		group.Delete("/cart/lines/{lineId}", h.removeLine)
		group.Post("/cart:checkout", h.checkoutCart)
	})
}

type addCartLineRequest struct {
	ProductID string `json:"productId"`
	Size      string `json:"size"`
	Quantity  int64  `json:"quantity"`
}

type cartLinePayload struct {
	ID         string `json:"id"`
	ProductID  string `json:"productId"`
	Size       string `json:"size"`
	Quantity   int64  `json:"quantity"`
	UnitPrice  string `json:"unitPrice"`
	TaxRate    string `json:"taxRate"`
	BillAmount string `json:"billAmount"`
	CreatedAt  string `json:"createdAt"`
}

type cartLineResponse struct {
	Line cartLinePayload `json:"line"`
}

type cartLinesResponse struct {
	Lines []cartLinePayload `json:"lines"`
	Total string            `json:"total"`
}

func buildCartLinePayload(line services.CartLine) cartLinePayload {
	return cartLinePayload{
		ID:         line.ID,
		ProductID:  line.ProductID,
		Size:       line.Size,
		Quantity:   line.Quantity,
		UnitPrice:  formatMoney(line.UnitPrice),
		TaxRate:    line.TaxRate.String(),
		BillAmount: formatMoney(line.BillAmount),
		CreatedAt:  formatTime(line.CreatedAt),
	}
}

func (h *CartHandlers) listLines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	lines, err := h.carts.List(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := cartLinesResponse{Lines: make([]cartLinePayload, 0, len(lines))}
	total := decimal.Zero
	for _, line := range lines {
		resp.Lines = append(resp.Lines, buildCartLinePayload(line))
		total = total.Add(line.BillAmount)
	}
	resp.Total = formatMoney(total)
	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CartHandlers) addLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req addCartLineRequest
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}

	line, err := h.carts.Add(ctx, services.AddCartLineCommand{
		OwnerID:   identity.UID,
		ProductID: strings.TrimSpace(req.ProductID),
		Size:      req.Size,
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("%s/cart/lines/%s", defaultAPIPrefix, line.ID))
	writeJSONResponse(w, http.StatusCreated, cartLineResponse{Line: buildCartLinePayload(line)})
}

func (h *CartHandlers) removeLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	lineID := strings.TrimSpace(chi.URLParam(r, "lineId"))
	if lineID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "line id is required", http.StatusBadRequest))
		return
	}

	if err := h.carts.Remove(ctx, identity.UID, lineID); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) checkoutCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeUnavailable(ctx, w, "checkout")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !allowCheckout(w, r, h.limiter, routeCartCheckout, identity.UID) {
		return
	}

	result, err := h.checkout.CheckoutCart(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildCheckoutResponse(result))
}
