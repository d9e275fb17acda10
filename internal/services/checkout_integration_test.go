package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/sqldb"
	"github.com/hanko-field/commerce/internal/repositories/sqlstore"
)

type commerceStack struct {
	store     *sqlstore.Store
	ledger    StockLedgerService
	carts     CartService
	checkout  CheckoutService
	lifecycle OrderLifecycleService
}

func newCommerceStack(t *testing.T) *commerceStack {
	t.Helper()
	ctx := context.Background()
	db, err := sqldb.Open(ctx, sqldb.Config{Driver: "sqlite", URL: filepath.Join(t.TempDir(), "commerce.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(ctx) })
	require.NoError(t, sqlstore.Migrate(ctx, db))

	store, err := sqlstore.New(db)
	require.NoError(t, err)

	ledger, err := NewStockLedgerService(StockLedgerServiceDeps{
		Ledger:     store.Ledger(),
		Orders:     store.Orders(),
		Outbox:     store.Outbox(),
		UnitOfWork: store,
	})
	require.NoError(t, err)

	carts, err := NewCartService(CartServiceDeps{Carts: store.Carts(), Ledger: ledger})
	require.NoError(t, err)

	checkout, err := NewCheckoutService(CheckoutServiceDeps{
		UnitOfWork: store,
		Ledger:     ledger,
		Carts:      store.Carts(),
		Orders:     store.Orders(),
		Outbox:     store.Outbox(),
	})
	require.NoError(t, err)

	lifecycle, err := NewOrderLifecycleService(OrderLifecycleServiceDeps{
		UnitOfWork: store,
		Orders:     store.Orders(),
		Ledger:     ledger,
		Outbox:     store.Outbox(),
	})
	require.NoError(t, err)

	return &commerceStack{store: store, ledger: ledger, carts: carts, checkout: checkout, lifecycle: lifecycle}
}

func (s *commerceStack) stock(t *testing.T, productID, size string, quantity int64, price string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.ledger.GetAvailable(ctx, productID); errors.Is(err, ErrLedgerProductNotFound) {
		_, err = s.ledger.CreateProduct(ctx, CreateProductCommand{ProductID: productID, Name: productID})
		require.NoError(t, err)
	}
	_, err := s.ledger.AddLot(ctx, AddLotCommand{
		ProductID:    productID,
		Size:         size,
		UnitCost:     decimal.NewFromInt(50),
		SellingPrice: decimal.RequireFromString(price),
		TaxRate:      decimal.NewFromInt(18),
		Quantity:     quantity,
	})
	require.NoError(t, err)
}

func (s *commerceStack) available(t *testing.T, productID string) int64 {
	t.Helper()
	n, err := s.ledger.GetAvailable(context.Background(), productID)
	require.NoError(t, err)
	return n
}

func TestBuyNowCancelRestoresStock(t *testing.T) {
	ctx := context.Background()
	stack := newCommerceStack(t)
	stack.stock(t, "P1", "M", 10, "100")

	result, err := stack.checkout.BuyNow(ctx, BuyNowCommand{OwnerID: "u1", ProductID: "P1", Size: "M", Quantity: 4})
	require.NoError(t, err)
	assert.Len(t, result.OrderCode, DefaultOrderCodeLength)
	assert.Equal(t, 1, result.ItemCount)
	assert.Equal(t, "472.00", result.Total.StringFixed(2))
	assert.EqualValues(t, 6, stack.available(t, "P1"))

	orderID := result.Orders[0].ID
	cmd := OrderActionCommand{OrderID: orderID, OwnerID: "u1"}
	cancelled, err := stack.lifecycle.Cancel(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, cancelled.AlreadyCancelled)
	assert.EqualValues(t, 10, stack.available(t, "P1"))

	again, err := stack.lifecycle.Cancel(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, again.AlreadyCancelled)
	assert.EqualValues(t, 10, stack.available(t, "P1"), "cancel must be idempotent")

	require.NoError(t, stack.lifecycle.Delete(ctx, cmd))
	assert.EqualValues(t, 10, stack.available(t, "P1"), "delete after cancel must not release again")

	_, err = stack.lifecycle.Get(ctx, cmd)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.ErrorIs(t, stack.lifecycle.Delete(ctx, cmd), ErrOrderNotFound)
}

func TestBuyNowDeleteIsSymmetric(t *testing.T) {
	ctx := context.Background()
	stack := newCommerceStack(t)
	stack.stock(t, "P1", "M", 7, "100")

	result, err := stack.checkout.BuyNow(ctx, BuyNowCommand{OwnerID: "u1", ProductID: "P1", Size: "M", Quantity: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 4, stack.available(t, "P1"))

	require.NoError(t, stack.lifecycle.Delete(ctx, OrderActionCommand{OrderID: result.Orders[0].ID, OwnerID: "u1"}))
	assert.EqualValues(t, 7, stack.available(t, "P1"))
}

func TestLargeQuantitiesAreBoundedOnlyByStock(t *testing.T) {
	ctx := context.Background()
	stack := newCommerceStack(t)
	stack.stock(t, "P1", "M", 2000, "100")

	result, err := stack.checkout.BuyNow(ctx, BuyNowCommand{OwnerID: "u1", ProductID: "P1", Size: "M", Quantity: 1500})
	require.NoError(t, err)
	assert.EqualValues(t, 500, stack.available(t, "P1"))

	line, err := stack.carts.Add(ctx, AddCartLineCommand{OwnerID: "u2", ProductID: "P1", Size: "M", Quantity: 500})
	require.NoError(t, err)
	assert.EqualValues(t, 500, line.Quantity)

	_, err = stack.checkout.BuyNow(ctx, BuyNowCommand{OwnerID: "u3", ProductID: "P1", Size: "M", Quantity: 501})
	assert.ErrorIs(t, err, ErrInsufficientStock)

	require.NoError(t, stack.lifecycle.Delete(ctx, OrderActionCommand{OrderID: result.Orders[0].ID, OwnerID: "u1"}))
	assert.EqualValues(t, 2000, stack.available(t, "P1"))
}

func TestBuyNowConcurrentRequestsNeverOversell(t *testing.T) {
	ctx := context.Background()
	stack := newCommerceStack(t)
	stack.stock(t, "P1", "M", 5, "100")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		placed   int
		rejected int
		others   []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := stack.checkout.BuyNow(ctx, BuyNowCommand{OwnerID: "u1", ProductID: "P1", Size: "M", Quantity: 3})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				placed++
			case errors.Is(err, ErrInsufficientStock):
				rejected++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, others)
	assert.Equal(t, 1, placed)
	assert.Equal(t, 1, rejected)
	assert.EqualValues(t, 2, stack.available(t, "P1"))
}

func TestBuyNowManyBuyersDrainExactly(t *testing.T) {
	ctx := context.Background()
	stack := newCommerceStack(t)
	stack.stock(t, "P1", "M", 10, "100")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		placed int
		codes  = map[string]struct{}{}
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := stack.checkout.BuyNow(ctx, BuyNowCommand{OwnerID: "u1", ProductID: "P1", Size: "M", Quantity: 1})
			if err != nil {
				return
			}
			mu.Lock()
			placed++
			codes[result.OrderCode] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, placed)
	assert.Len(t, codes, 10)
	assert.EqualValues(t, 0, stack.available(t, "P1"))
}

func TestCheckoutCartIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	stack := newCommerceStack(t)
	stack.stock(t, "P1", "M", 10, "100")
	stack.stock(t, "P2", "L", 5, "80")

	_, err := stack.carts.Add(ctx, AddCartLineCommand{OwnerID: "u1", ProductID: "P1", Size: "M", Quantity: 2})
	require.NoError(t, err)
	short, err := stack.carts.Add(ctx, AddCartLineCommand{OwnerID: "u1", ProductID: "P2", Size: "L", Quantity: 5})
	require.NoError(t, err)

	// Another buyer takes P2 stock after it was staged.
	_, err = stack.checkout.BuyNow(ctx, BuyNowCommand{OwnerID: "u2", ProductID: "P2", Size: "L", Quantity: 3})
	require.NoError(t, err)

	_, err = stack.checkout.CheckoutCart(ctx, "u1")
	var shortage *InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	assert.Equal(t, "P2", shortage.ProductID)
	assert.Equal(t, short.ID, shortage.LineID)

	assert.EqualValues(t, 10, stack.available(t, "P1"), "earlier lines must be rolled back")
	assert.EqualValues(t, 2, stack.available(t, "P2"))
	lines, err := stack.carts.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, lines, 2)
	page, err := stack.lifecycle.ListForOwner(ctx, "u1", Pagination{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestCheckoutCartSharesCodeAndClearsCart(t *testing.T) {
	ctx := context.Background()
	stack := newCommerceStack(t)
	stack.stock(t, "P1", "M", 10, "100")
	stack.stock(t, "P2", "L", 5, "80")

	_, err := stack.carts.Add(ctx, AddCartLineCommand{OwnerID: "u1", ProductID: "P1", Size: "m", Quantity: 2})
	require.NoError(t, err)
	_, err = stack.carts.Add(ctx, AddCartLineCommand{OwnerID: "u1", ProductID: "P2", Size: "L", Quantity: 1})
	require.NoError(t, err)

	// A newer lot reprices P1 before checkout.
	stack.stock(t, "P1", "M", 1, "120")

	result, err := stack.checkout.CheckoutCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.ItemCount)
	// 2×120×1.18 + 1×80×1.18
	assert.Equal(t, "377.60", result.Total.StringFixed(2))

	lines, err := stack.carts.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.EqualValues(t, 9, stack.available(t, "P1"))
	assert.EqualValues(t, 4, stack.available(t, "P2"))

	orders, err := stack.lifecycle.ListByCode(ctx, "u1", result.OrderCode)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, order := range orders {
		assert.Equal(t, domain.OrderStatusPlaced, order.Status)
	}

	_, err = stack.checkout.CheckoutCart(ctx, "u1")
	assert.ErrorIs(t, err, ErrCheckoutEmptyCart)
}

func TestReconcileRepairsDriftedAggregate(t *testing.T) {
	ctx := context.Background()
	stack := newCommerceStack(t)
	stack.stock(t, "P1", "M", 10, "100")

	_, err := stack.checkout.BuyNow(ctx, BuyNowCommand{OwnerID: "u1", ProductID: "P1", Size: "M", Quantity: 4})
	require.NoError(t, err)
	require.NoError(t, stack.store.Ledger().OverwriteTotal(ctx, "P1", 99, time.Now()))

	result, err := stack.ledger.Reconcile(ctx, "P1")
	require.NoError(t, err)
	assert.True(t, result.Adjusted)
	assert.EqualValues(t, 99, result.Previous)
	assert.EqualValues(t, 6, result.Recomputed)
	assert.EqualValues(t, 6, stack.available(t, "P1"))

	again, err := stack.ledger.Reconcile(ctx, "P1")
	require.NoError(t, err)
	assert.False(t, again.Adjusted)
}

func TestOutboxRelayDeliversCommittedEvents(t *testing.T) {
	ctx := context.Background()
	stack := newCommerceStack(t)
	stack.stock(t, "P1", "M", 10, "100")

	result, err := stack.checkout.BuyNow(ctx, BuyNowCommand{OwnerID: "u1", ProductID: "P1", Size: "M", Quantity: 1})
	require.NoError(t, err)
	_, err = stack.checkout.BuyNow(ctx, BuyNowCommand{OwnerID: "u1", ProductID: "P1", Size: "M", Quantity: 99})
	require.Error(t, err)

	publisher := &recordingPublisher{}
	relay, err := NewOutboxRelay(OutboxRelayDeps{Outbox: stack.store.Outbox(), Publisher: publisher})
	require.NoError(t, err)

	sent, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent, "lot added and one placed order; the failed checkout left nothing behind")

	pending, err := stack.store.Outbox().FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.NotEmpty(t, result.OrderCode)
}
