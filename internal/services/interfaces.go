package services

import (
	"context"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination      = domain.Pagination
	Product         = domain.Product
	StockLot        = domain.StockLot
	LotPrice        = domain.LotPrice
	CartLine        = domain.CartLine
	Order           = domain.Order
	OrderStatus     = domain.OrderStatus
	OrderBatch      = domain.OrderBatch
	CheckoutKind    = domain.CheckoutKind
	CheckoutResult  = domain.CheckoutResult
	ReconcileResult = domain.ReconcileResult
	OutboxEvent     = domain.OutboxEvent
)

// StockLedgerService owns the per-product aggregate and the append-only lot history. It is the only
// component allowed to change a product's available quantity.
type StockLedgerService interface {
	GetAvailable(ctx context.Context, productID string) (int64, error)
	// TryReserve atomically subtracts quantity when enough stock remains. It never reads and then writes.
	TryReserve(ctx context.Context, productID string, quantity int64) error
	Release(ctx context.Context, productID string, quantity int64) error
	CurrentPriceFor(ctx context.Context, productID, size string) (LotPrice, error)
	AddLot(ctx context.Context, cmd AddLotCommand) (StockLot, error)
	Reconcile(ctx context.Context, productID string) (ReconcileResult, error)
	CreateProduct(ctx context.Context, cmd CreateProductCommand) (Product, error)
}

// CartService stages purchase intents for an owner without touching the ledger.
type CartService interface {
	Add(ctx context.Context, cmd AddCartLineCommand) (CartLine, error)
	Remove(ctx context.Context, ownerID, lineID string) error
	List(ctx context.Context, ownerID string) ([]CartLine, error)
}

// CheckoutService converts purchase intents into placed orders inside a single transaction.
type CheckoutService interface {
	BuyNow(ctx context.Context, cmd BuyNowCommand) (CheckoutResult, error)
	CheckoutCart(ctx context.Context, ownerID string) (CheckoutResult, error)
}

// OrderLifecycleService moves orders through their state machine and returns stock exactly once.
type OrderLifecycleService interface {
	Cancel(ctx context.Context, cmd OrderActionCommand) (CancelOrderResult, error)
	Delete(ctx context.Context, cmd OrderActionCommand) error
	MarkProcessing(ctx context.Context, cmd OrderActionCommand) (Order, error)
	Get(ctx context.Context, cmd OrderActionCommand) (Order, error)
	ListByCode(ctx context.Context, ownerID, code string) ([]Order, error)
	ListForOwner(ctx context.Context, ownerID string, page Pagination) (domain.CursorPage[Order], error)
}

// OrderCodeSource issues order codes that no other checkout has used.
type OrderCodeSource interface {
	GenerateUnique(ctx context.Context, exists func(ctx context.Context, code string) (bool, error)) (string, error)
}

// CheckoutMetrics receives checkout outcomes and stock movements once they are committed.
type CheckoutMetrics interface {
	ObserveCheckout(kind CheckoutKind, outcome string)
	AddReservedUnits(units int64)
	AddReleasedUnits(units int64)
}

// EventPublisher delivers relayed outbox events to the configured broker.
type EventPublisher interface {
	Publish(ctx context.Context, event OutboxEvent) error
}

// AddLotCommand records a purchase of stock for a product variant.
type AddLotCommand struct {
	ProductID    string
	Size         string
	LotNumber    string
	UnitCost     decimal.Decimal
	SellingPrice decimal.Decimal
	TaxRate      decimal.Decimal
	Quantity     int64
	Note         string
}

// CreateProductCommand seeds a ledger row for a catalog product.
type CreateProductCommand struct {
	ProductID string
	Name      string
}

// AddCartLineCommand stages one line in the owner's cart. Prices are resolved from the ledger.
type AddCartLineCommand struct {
	OwnerID   string
	ProductID string
	Size      string
	Quantity  int64
}

// BuyNowCommand purchases a single product variant immediately.
type BuyNowCommand struct {
	OwnerID   string
	ProductID string
	Size      string
	Quantity  int64
}

// OrderActionCommand addresses one order. When ActorIsStaff is false the order must belong to OwnerID.
type OrderActionCommand struct {
	OrderID      string
	OwnerID      string
	ActorIsStaff bool
}

// CancelOrderResult reports the order after cancellation. AlreadyCancelled is set when the call was a no-op.
type CancelOrderResult struct {
	Order            Order
	AlreadyCancelled bool
}
