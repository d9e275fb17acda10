package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/services"
)

type stubCheckoutService struct {
	buyNowFn   func(context.Context, services.BuyNowCommand) (services.CheckoutResult, error)
	checkoutFn func(context.Context, string) (services.CheckoutResult, error)
}

func (s *stubCheckoutService) BuyNow(ctx context.Context, cmd services.BuyNowCommand) (services.CheckoutResult, error) {
	if s.buyNowFn != nil {
		return s.buyNowFn(ctx, cmd)
	}
	return services.CheckoutResult{}, nil
}

func (s *stubCheckoutService) CheckoutCart(ctx context.Context, ownerID string) (services.CheckoutResult, error) {
	if s.checkoutFn != nil {
		return s.checkoutFn(ctx, ownerID)
	}
	return services.CheckoutResult{}, nil
}

type stubCartService struct {
	addFn    func(context.Context, services.AddCartLineCommand) (services.CartLine, error)
	removeFn func(context.Context, string, string) error
	listFn   func(context.Context, string) ([]services.CartLine, error)
}

func (s *stubCartService) Add(ctx context.Context, cmd services.AddCartLineCommand) (services.CartLine, error) {
	if s.addFn != nil {
		return s.addFn(ctx, cmd)
	}
	return services.CartLine{}, nil
}

func (s *stubCartService) Remove(ctx context.Context, ownerID, lineID string) error {
	if s.removeFn != nil {
		return s.removeFn(ctx, ownerID, lineID)
	}
	return nil
}

func (s *stubCartService) List(ctx context.Context, ownerID string) ([]services.CartLine, error) {
	if s.listFn != nil {
		return s.listFn(ctx, ownerID)
	}
	return []services.CartLine{}, nil
}

type stubLifecycleService struct {
	cancelFn     func(context.Context, services.OrderActionCommand) (services.CancelOrderResult, error)
	deleteFn     func(context.Context, services.OrderActionCommand) error
	processFn    func(context.Context, services.OrderActionCommand) (services.Order, error)
	getFn        func(context.Context, services.OrderActionCommand) (services.Order, error)
	listByCodeFn func(context.Context, string, string) ([]services.Order, error)
	listFn       func(context.Context, string, services.Pagination) (domain.CursorPage[services.Order], error)
}

func (s *stubLifecycleService) Cancel(ctx context.Context, cmd services.OrderActionCommand) (services.CancelOrderResult, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.CancelOrderResult{}, nil
}

func (s *stubLifecycleService) Delete(ctx context.Context, cmd services.OrderActionCommand) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, cmd)
	}
	return nil
}

func (s *stubLifecycleService) MarkProcessing(ctx context.Context, cmd services.OrderActionCommand) (services.Order, error) {
	if s.processFn != nil {
		return s.processFn(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubLifecycleService) Get(ctx context.Context, cmd services.OrderActionCommand) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubLifecycleService) ListByCode(ctx context.Context, ownerID, code string) ([]services.Order, error) {
	if s.listByCodeFn != nil {
		return s.listByCodeFn(ctx, ownerID, code)
	}
	return nil, nil
}

func (s *stubLifecycleService) ListForOwner(ctx context.Context, ownerID string, page services.Pagination) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, ownerID, page)
	}
	return domain.CursorPage[services.Order]{}, nil
}

type stubLedgerService struct {
	availableFn func(context.Context, string) (int64, error)
	priceFn     func(context.Context, string, string) (services.LotPrice, error)
	addLotFn    func(context.Context, services.AddLotCommand) (services.StockLot, error)
	reconcileFn func(context.Context, string) (services.ReconcileResult, error)
	createFn    func(context.Context, services.CreateProductCommand) (services.Product, error)
}

func (s *stubLedgerService) GetAvailable(ctx context.Context, productID string) (int64, error) {
	if s.availableFn != nil {
		return s.availableFn(ctx, productID)
	}
	return 0, nil
}

func (s *stubLedgerService) TryReserve(context.Context, string, int64) error { return nil }

func (s *stubLedgerService) Release(context.Context, string, int64) error { return nil }

func (s *stubLedgerService) CurrentPriceFor(ctx context.Context, productID, size string) (services.LotPrice, error) {
	if s.priceFn != nil {
		return s.priceFn(ctx, productID, size)
	}
	return services.LotPrice{}, nil
}

func (s *stubLedgerService) AddLot(ctx context.Context, cmd services.AddLotCommand) (services.StockLot, error) {
	if s.addLotFn != nil {
		return s.addLotFn(ctx, cmd)
	}
	return services.StockLot{}, nil
}

func (s *stubLedgerService) Reconcile(ctx context.Context, productID string) (services.ReconcileResult, error) {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, productID)
	}
	return services.ReconcileResult{}, nil
}

func (s *stubLedgerService) CreateProduct(ctx context.Context, cmd services.CreateProductCommand) (services.Product, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Product{}, nil
}

var (
	_ services.CheckoutService       = (*stubCheckoutService)(nil)
	_ services.CartService           = (*stubCartService)(nil)
	_ services.OrderLifecycleService = (*stubLifecycleService)(nil)
	_ services.StockLedgerService    = (*stubLedgerService)(nil)
)

type testAPI struct {
	checkout *stubCheckoutService
	carts    *stubCartService
	orders   *stubLifecycleService
	ledger   *stubLedgerService
}

func newTestAPI() *testAPI {
	return &testAPI{
		checkout: &stubCheckoutService{},
		carts:    &stubCartService{},
		orders:   &stubLifecycleService{},
		ledger:   &stubLedgerService{},
	}
}

func (a *testAPI) router(cartOpts []CartOption, orderOpts []OrderOption) http.Handler {
	authn := auth.NewAuthenticator()
	return NewRouter(
		WithCartRoutes(NewCartHandlers(authn, a.carts, a.checkout, cartOpts...).Routes),
		WithOrderRoutes(NewOrderHandlers(authn, a.checkout, a.orders, orderOpts...).Routes),
		WithAdminRoutes(NewAdminStockHandlers(authn, a.ledger, a.orders).Routes),
		WithProductRoutes(NewProductHandlers(a.ledger).Routes),
	)
}

func (a *testAPI) do(t *testing.T, method, path, body, owner, roles string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	if roles != "" {
		req.Header.Set("X-Owner-Roles", roles)
	}
	rr := httptest.NewRecorder()
	a.router(nil, nil).ServeHTTP(rr, req)
	return rr
}
