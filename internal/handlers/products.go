package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/commerce/internal/platform/httpx"
	"github.com/hanko-field/commerce/internal/services"
)

// ProductHandlers exposes read-only stock information.
type ProductHandlers struct {
	ledger services.StockLedgerService
}

// NewProductHandlers constructs the /products endpoints.
func NewProductHandlers(ledger services.StockLedgerService) *ProductHandlers {
	return &ProductHandlers{ledger: ledger}
}

// Routes wires the product endpoints onto the /products group.
func (h *ProductHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{productId}/availability", h.availability)
	r.Get("/{productId}/price", h.price)
}

type availabilityResponse struct {
	ProductID string `json:"productId"`
	Available int64  `json:"available"`
}

type priceResponse struct {
	ProductID string `json:"productId"`
	Size      string `json:"size"`
	LotID     string `json:"lotId"`
	UnitPrice string `json:"unitPrice"`
	TaxRate   string `json:"taxRate"`
}

func (h *ProductHandlers) availability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		writeUnavailable(ctx, w, "ledger")
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productId"))

	available, err := h.ledger.GetAvailable(ctx, productID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, http.StatusOK, availabilityResponse{ProductID: productID, Available: available})
}

func (h *ProductHandlers) price(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		writeUnavailable(ctx, w, "ledger")
		return
	}
	size := strings.TrimSpace(r.URL.Query().Get("size"))
	if size == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "size query parameter is required", http.StatusBadRequest))
		return
	}

	price, err := h.ledger.CurrentPriceFor(ctx, strings.TrimSpace(chi.URLParam(r, "productId")), size)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, priceResponse{
		ProductID: price.ProductID,
		Size:      price.Size,
		LotID:     price.LotID,
		UnitPrice: formatMoney(price.UnitPrice),
		TaxRate:   price.TaxRate.String(),
	})
}
