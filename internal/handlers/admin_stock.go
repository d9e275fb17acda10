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

const maxAdminStockBody = 16 * 1024

// AdminStockHandlers exposes staff-only ledger maintenance and order processing.
type AdminStockHandlers struct {
	authn  *auth.Authenticator
	ledger services.StockLedgerService
	orders services.OrderLifecycleService
}

// NewAdminStockHandlers constructs the /admin endpoints.
func NewAdminStockHandlers(authn *auth.Authenticator, ledger services.StockLedgerService, orders services.OrderLifecycleService) *AdminStockHandlers {
	return &AdminStockHandlers{
		authn:  authn,
		ledger: ledger,
		orders: orders,
	}
}

// Routes wires the admin endpoints onto the /admin group.
func (h *AdminStockHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireIdentity(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Post("/products", h.createProduct)
	r.Post("/products/{productId}/lots", h.addLot)
	r.Post("/products/{productId}:reconcile", h.reconcile)
	r.Post("/orders/{orderId}:process", h.markProcessing)
	r.Post("/orders/{orderId}:cancel", h.cancelOrder)
}

type createProductRequest struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
}

type productPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Available int64  `json:"available"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type addLotRequest struct {
	Size         string          `json:"size"`
	LotNumber    string          `json:"lotNumber"`
	UnitCost     decimal.Decimal `json:"unitCost"`
	SellingPrice decimal.Decimal `json:"sellingPrice"`
	TaxRate      decimal.Decimal `json:"taxRate"`
	Quantity     int64           `json:"quantity"`
	Note         string          `json:"note"`
}

type lotPayload struct {
	ID           string `json:"id"`
	ProductID    string `json:"productId"`
	Size         string `json:"size"`
	LotNumber    string `json:"lotNumber"`
	UnitCost     string `json:"unitCost"`
	SellingPrice string `json:"sellingPrice"`
	TaxRate      string `json:"taxRate"`
	Quantity     int64  `json:"quantity"`
	TotalPrice   string `json:"totalPrice"`
	Note         string `json:"note,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

type reconcilePayload struct {
	ProductID    string `json:"productId"`
	Previous     int64  `json:"previous"`
	Recomputed   int64  `json:"recomputed"`
	LotQuantity  int64  `json:"lotQuantity"`
	OpenQuantity int64  `json:"openQuantity"`
	Adjusted     bool   `json:"adjusted"`
	ReconciledAt string `json:"reconciledAt"`
}

func buildProductPayload(product services.Product) productPayload {
	return productPayload{
		ID:        product.ID,
		Name:      product.Name,
		Available: product.TotalQuantity,
		CreatedAt: formatTime(product.CreatedAt),
		UpdatedAt: formatTime(product.UpdatedAt),
	}
}

func (h *AdminStockHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		writeUnavailable(ctx, w, "ledger")
		return
	}

	var req createProductRequest
	if !decodeJSONBody(w, r, maxAdminStockBody, &req) {
		return
	}

	product, err := h.ledger.CreateProduct(ctx, services.CreateProductCommand{
		ProductID: req.ProductID,
		Name:      req.Name,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("%s/products/%s/availability", defaultAPIPrefix, product.ID))
	writeJSONResponse(w, http.StatusCreated, map[string]any{"product": buildProductPayload(product)})
}

func (h *AdminStockHandlers) addLot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		writeUnavailable(ctx, w, "ledger")
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productId"))

	var req addLotRequest
	if !decodeJSONBody(w, r, maxAdminStockBody, &req) {
		return
	}

	lot, err := h.ledger.AddLot(ctx, services.AddLotCommand{
		ProductID:    productID,
		Size:         req.Size,
		LotNumber:    req.LotNumber,
		UnitCost:     req.UnitCost,
		SellingPrice: req.SellingPrice,
		TaxRate:      req.TaxRate,
		Quantity:     req.Quantity,
		Note:         req.Note,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{"lot": lotPayload{
		ID:           lot.ID,
		ProductID:    lot.ProductID,
		Size:         lot.Size,
		LotNumber:    lot.LotNumber,
		UnitCost:     formatMoney(lot.UnitCost),
		SellingPrice: formatMoney(lot.SellingPrice),
		TaxRate:      lot.TaxRate.String(),
		Quantity:     lot.Quantity,
		TotalPrice:   formatMoney(lot.TotalPrice),
		Note:         lot.Note,
		CreatedAt:    formatTime(lot.CreatedAt),
	}})
}

func (h *AdminStockHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		writeUnavailable(ctx, w, "ledger")
		return
	}

	result, err := h.ledger.Reconcile(ctx, strings.TrimSpace(chi.URLParam(r, "productId")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, reconcilePayload{
		ProductID:    result.ProductID,
		Previous:     result.Previous,
		Recomputed:   result.Recomputed,
		LotQuantity:  result.LotQuantity,
		OpenQuantity: result.OpenQuantity,
		Adjusted:     result.Adjusted,
		ReconciledAt: formatTime(result.ReconciledAt),
	})
}

func (h *AdminStockHandlers) markProcessing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cmd, ok := h.staffOrderAction(w, r)
	if !ok {
		return
	}
	order, err := h.orders.MarkProcessing(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminStockHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cmd, ok := h.staffOrderAction(w, r)
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

func (h *AdminStockHandlers) staffOrderAction(w http.ResponseWriter, r *http.Request) (services.OrderActionCommand, bool) {
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
	return services.OrderActionCommand{
		OrderID:      orderID,
		OwnerID:      identity.UID,
		ActorIsStaff: identity.IsStaff(),
	}, true
}
