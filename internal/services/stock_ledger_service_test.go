package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

func newTestLedger(t *testing.T, ledger *stubLedgerRepo, orders *stubOrderRepo, outbox *captureOutbox) StockLedgerService {
	t.Helper()
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	if orders == nil {
		orders = &stubOrderRepo{}
	}
	deps := StockLedgerServiceDeps{
		Ledger:      ledger,
		Orders:      orders,
		UnitOfWork:  &passThroughUnitOfWork{},
		Clock:       func() time.Time { return now },
		IDGenerator: func() string { return "01LOT" },
		EventIDs:    func() string { return "evt-1" },
	}
	if outbox != nil {
		deps.Outbox = outbox
	}
	svc, err := NewStockLedgerService(deps)
	if err != nil {
		t.Fatalf("new stock ledger service: %v", err)
	}
	return svc
}

func TestStockLedgerTryReserveReportsShortage(t *testing.T) {
	ledger := &stubLedgerRepo{
		decrementFn: func(_ context.Context, productID string, quantity int64, _ time.Time) error {
			if productID != "p1" || quantity != 3 {
				t.Fatalf("unexpected decrement %s/%d", productID, quantity)
			}
			return repositories.NewLedgerError(repositories.LedgerErrorInsufficientStock, "short", nil)
		},
		getFn: func(context.Context, string) (domain.Product, error) {
			return domain.Product{ID: "p1", TotalQuantity: 2}, nil
		},
	}
	svc := newTestLedger(t, ledger, nil, nil)

	err := svc.TryReserve(context.Background(), "p1", 3)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	var shortage *InsufficientStockError
	if !errors.As(err, &shortage) {
		t.Fatalf("expected InsufficientStockError, got %T", err)
	}
	if shortage.Requested != 3 || shortage.Available != 2 {
		t.Fatalf("unexpected shortage detail %+v", shortage)
	}
}

func TestStockLedgerTryReserveMapsMissingProduct(t *testing.T) {
	ledger := &stubLedgerRepo{
		decrementFn: func(context.Context, string, int64, time.Time) error {
			return repositories.NewLedgerError(repositories.LedgerErrorProductNotFound, "missing", nil)
		},
	}
	svc := newTestLedger(t, ledger, nil, nil)

	if err := svc.TryReserve(context.Background(), "p1", 1); !errors.Is(err, ErrLedgerProductNotFound) {
		t.Fatalf("expected ErrLedgerProductNotFound, got %v", err)
	}
	if err := svc.TryReserve(context.Background(), "p1", 0); !errors.Is(err, ErrLedgerInvalidInput) {
		t.Fatalf("expected ErrLedgerInvalidInput for zero quantity, got %v", err)
	}
}

func TestStockLedgerCurrentPriceNormalisesSize(t *testing.T) {
	ledger := &stubLedgerRepo{
		latestFn: func(_ context.Context, productID, size string) (domain.StockLot, error) {
			if size != "M" {
				t.Fatalf("expected normalised size M, got %q", size)
			}
			return domain.StockLot{
				ID:           "lot_1",
				ProductID:    productID,
				Size:         size,
				SellingPrice: decimal.NewFromInt(100),
				TaxRate:      decimal.NewFromInt(18),
			}, nil
		},
	}
	svc := newTestLedger(t, ledger, nil, nil)

	price, err := svc.CurrentPriceFor(context.Background(), "p1", " ｍ ")
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	if !price.UnitPrice.Equal(decimal.NewFromInt(100)) || price.LotID != "lot_1" {
		t.Fatalf("unexpected price %+v", price)
	}
}

func TestStockLedgerAddLotSanitisesAndIncrements(t *testing.T) {
	var (
		appended    domain.StockLot
		incremented int64
	)
	ledger := &stubLedgerRepo{
		appendFn: func(_ context.Context, lot domain.StockLot) error {
			appended = lot
			return nil
		},
		incrementFn: func(_ context.Context, _ string, quantity int64, _ time.Time) error {
			incremented = quantity
			return nil
		},
		getFn: func(context.Context, string) (domain.Product, error) {
			return domain.Product{ID: "p1", TotalQuantity: 10}, nil
		},
	}
	outbox := &captureOutbox{}
	svc := newTestLedger(t, ledger, nil, outbox)

	lot, err := svc.AddLot(context.Background(), AddLotCommand{
		ProductID:    "p1",
		Size:         "m",
		LotNumber:    "<b>L-01</b>",
		UnitCost:     decimal.NewFromInt(60),
		SellingPrice: decimal.NewFromInt(100),
		TaxRate:      decimal.NewFromInt(18),
		Quantity:     10,
		Note:         `<script>alert(1)</script>spring batch`,
	})
	if err != nil {
		t.Fatalf("add lot: %v", err)
	}
	if lot.ID != "lot_01LOT" {
		t.Fatalf("unexpected lot id %s", lot.ID)
	}
	if appended.LotNumber != "L-01" || appended.Note != "spring batch" {
		t.Fatalf("expected sanitised text, got %q / %q", appended.LotNumber, appended.Note)
	}
	if appended.Size != "M" {
		t.Fatalf("expected size M, got %s", appended.Size)
	}
	if !appended.TotalPrice.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected total price 1000, got %s", appended.TotalPrice)
	}
	if incremented != 10 {
		t.Fatalf("expected increment of 10, got %d", incremented)
	}
	if len(outbox.events) != 1 || outbox.events[0].Topic != EventStockLotAdded {
		t.Fatalf("expected stock.lot_added event, got %+v", outbox.events)
	}
	var payload StockLotAddedEvent
	if err := json.Unmarshal(outbox.events[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Available != 10 || payload.LotID != lot.ID {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestStockLedgerAddLotValidation(t *testing.T) {
	svc := newTestLedger(t, &stubLedgerRepo{}, nil, nil)
	cases := map[string]AddLotCommand{
		"missing product":  {Size: "M", Quantity: 1},
		"missing size":     {ProductID: "p1", Quantity: 1},
		"zero quantity":    {ProductID: "p1", Size: "M"},
		"negative price":   {ProductID: "p1", Size: "M", Quantity: 1, SellingPrice: decimal.NewFromInt(-1)},
		"tax out of range": {ProductID: "p1", Size: "M", Quantity: 1, TaxRate: decimal.NewFromInt(101)},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.AddLot(context.Background(), cmd); !errors.Is(err, ErrLedgerInvalidInput) {
				t.Fatalf("expected ErrLedgerInvalidInput, got %v", err)
			}
		})
	}
}

func TestStockLedgerReconcileOverwritesDrift(t *testing.T) {
	var overwritten int64 = -1
	ledger := &stubLedgerRepo{
		lockFn: func(context.Context, string) (domain.Product, error) {
			return domain.Product{ID: "p1", TotalQuantity: 9}, nil
		},
		sumLotsFn: func(context.Context, string) (int64, error) { return 10, nil },
		overwriteFn: func(_ context.Context, _ string, quantity int64, _ time.Time) error {
			overwritten = quantity
			return nil
		},
	}
	orders := &stubOrderRepo{
		sumOpenFn: func(context.Context, string) (int64, error) { return 4, nil },
	}
	svc := newTestLedger(t, ledger, orders, nil)

	result, err := svc.Reconcile(context.Background(), "p1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !result.Adjusted || result.Previous != 9 || result.Recomputed != 6 {
		t.Fatalf("unexpected result %+v", result)
	}
	if overwritten != 6 {
		t.Fatalf("expected overwrite to 6, got %d", overwritten)
	}
}

func TestStockLedgerReconcileLocksRowBeforeSumming(t *testing.T) {
	ledger := &stubLedgerRepo{
		lockFn: func(context.Context, string) (domain.Product, error) {
			return domain.Product{ID: "p1", TotalQuantity: 10}, nil
		},
		getFn: func(context.Context, string) (domain.Product, error) {
			t.Fatalf("reconcile must read the aggregate through the row lock")
			return domain.Product{}, nil
		},
		sumLotsFn: func(context.Context, string) (int64, error) { return 10, nil },
	}
	orders := &stubOrderRepo{
		sumOpenFn: func(context.Context, string) (int64, error) {
			ledger.calls = append(ledger.calls, "sum_open")
			return 4, nil
		},
	}
	svc := newTestLedger(t, ledger, orders, nil)

	if _, err := svc.Reconcile(context.Background(), "p1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := strings.Join(ledger.calls, ","); got != "lock,sum_lots,sum_open,overwrite" {
		t.Fatalf("unexpected call order %s", got)
	}
}

func TestStockLedgerReconcileStopsWhenLockFails(t *testing.T) {
	ledger := &stubLedgerRepo{
		lockFn: func(context.Context, string) (domain.Product, error) {
			return domain.Product{}, repositories.NewLedgerError(repositories.LedgerErrorProductNotFound, "missing", nil)
		},
	}
	svc := newTestLedger(t, ledger, nil, nil)

	if _, err := svc.Reconcile(context.Background(), "p1"); !errors.Is(err, ErrLedgerProductNotFound) {
		t.Fatalf("expected ErrLedgerProductNotFound, got %v", err)
	}
	if got := strings.Join(ledger.calls, ","); got != "lock" {
		t.Fatalf("expected nothing after the failed lock, got %s", got)
	}
}

func TestStockLedgerTryReserveDecidesInOneStatement(t *testing.T) {
	ledger := &stubLedgerRepo{
		getFn: func(context.Context, string) (domain.Product, error) {
			t.Fatalf("a successful reservation must not read the aggregate")
			return domain.Product{}, nil
		},
	}
	svc := newTestLedger(t, ledger, nil, nil)

	if err := svc.TryReserve(context.Background(), "p1", 4); err != nil {
		t.Fatalf("try reserve: %v", err)
	}
	if got := strings.Join(ledger.calls, ","); got != "decrement" {
		t.Fatalf("expected a single conditional decrement, got %s", got)
	}

	short := &stubLedgerRepo{
		decrementFn: func(context.Context, string, int64, time.Time) error {
			return repositories.NewLedgerError(repositories.LedgerErrorInsufficientStock, "short", nil)
		},
		getFn: func(context.Context, string) (domain.Product, error) {
			return domain.Product{ID: "p1", TotalQuantity: 1}, nil
		},
	}
	svc = newTestLedger(t, short, nil, nil)
	if err := svc.TryReserve(context.Background(), "p1", 4); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if got := strings.Join(short.calls, ","); got != "decrement,get" {
		t.Fatalf("the shortage read must follow the decrement, got %s", got)
	}
}

func TestStockLedgerReconcileRejectsImpossibleHistory(t *testing.T) {
	ledger := &stubLedgerRepo{
		lockFn: func(context.Context, string) (domain.Product, error) {
			return domain.Product{ID: "p1"}, nil
		},
		sumLotsFn: func(context.Context, string) (int64, error) { return 1, nil },
		overwriteFn: func(context.Context, string, int64, time.Time) error {
			t.Fatalf("overwrite must not run")
			return nil
		},
	}
	orders := &stubOrderRepo{
		sumOpenFn: func(context.Context, string) (int64, error) { return 5, nil },
	}
	svc := newTestLedger(t, ledger, orders, nil)

	if _, err := svc.Reconcile(context.Background(), "p1"); !errors.Is(err, ErrLedgerInconsistent) {
		t.Fatalf("expected ErrLedgerInconsistent, got %v", err)
	}
}

func TestStockLedgerCreateProductConflict(t *testing.T) {
	ledger := &stubLedgerRepo{
		createFn: func(context.Context, domain.Product) (domain.Product, error) {
			return domain.Product{}, repositories.NewLedgerError(repositories.LedgerErrorProductExists, "exists", nil)
		},
	}
	svc := newTestLedger(t, ledger, nil, nil)

	if _, err := svc.CreateProduct(context.Background(), CreateProductCommand{ProductID: "p1", Name: "Tee"}); !errors.Is(err, ErrLedgerProductExists) {
		t.Fatalf("expected ErrLedgerProductExists, got %v", err)
	}
}
