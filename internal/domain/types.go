package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates the lifecycle states of a placed order.
type OrderStatus string

const (
	// OrderStatusPlaced is the initial status assigned at checkout.
	OrderStatusPlaced OrderStatus = "placed"
	// OrderStatusProcessing marks an order picked up for fulfilment. It has no ledger effect.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusCancelled is terminal; the ordered quantity has been returned to stock.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusDeleted is terminal; the order is hidden from every lookup.
	OrderStatusDeleted OrderStatus = "deleted"
)

// IsTerminal reports whether no further transition is allowed from the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusDeleted
}

// IsOpen reports whether the order still holds its reserved quantity.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusPlaced || s == OrderStatusProcessing
}

// Product is the ledger view of a sellable item.
type Product struct {
	ID            string
	Name          string
	TotalQuantity int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StockLot is an immutable batch of inventory carrying its own price snapshot.
type StockLot struct {
	ID           string
	ProductID    string
	Size         string
	LotNumber    string
	UnitCost     decimal.Decimal
	SellingPrice decimal.Decimal
	TaxRate      decimal.Decimal
	Quantity     int64
	TotalPrice   decimal.Decimal
	Note         string
	CreatedAt    time.Time
}

// LotPrice is the price resolved for a (product, size) pair from its latest lot.
type LotPrice struct {
	ProductID string
	Size      string
	LotID     string
	UnitPrice decimal.Decimal
	TaxRate   decimal.Decimal
}

// CartLine is a staged purchase intent. It never affects the ledger.
type CartLine struct {
	ID         string
	OwnerID    string
	ProductID  string
	Size       string
	Quantity   int64
	UnitPrice  decimal.Decimal
	TaxRate    decimal.Decimal
	BillAmount decimal.Decimal
	CreatedAt  time.Time
}

// Order is a persisted line item created by checkout. Lines from one checkout share OrderCode.
type Order struct {
	ID            string
	BatchID       string
	OrderCode     string
	OwnerID       string
	ProductID     string
	Size          string
	Quantity      int64
	UnitPrice     decimal.Decimal
	TaxRate       decimal.Decimal
	BillAmount    decimal.Decimal
	Status        OrderStatus
	StockReleased bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderBatch groups the orders created by a single checkout under one order code.
type OrderBatch struct {
	ID        string
	OrderCode string
	OwnerID   string
	Kind      CheckoutKind
	ItemCount int
	Total     decimal.Decimal
	CreatedAt time.Time
}

// CheckoutKind distinguishes single-item purchases from cart conversions.
type CheckoutKind string

const (
	// CheckoutKindBuyNow is a direct single product purchase.
	CheckoutKindBuyNow CheckoutKind = "buy_now"
	// CheckoutKindCart converts every cart line of the owner.
	CheckoutKindCart CheckoutKind = "cart"
)

// CheckoutResult reports the outcome of a successful checkout.
type CheckoutResult struct {
	OrderCode string
	ItemCount int
	Total     decimal.Decimal
	Orders    []Order
}

// ReconcileResult reports the aggregate before and after recomputation.
type ReconcileResult struct {
	ProductID    string
	Previous     int64
	Recomputed   int64
	LotQuantity  int64
	OpenQuantity int64
	Adjusted     bool
	ReconciledAt time.Time
}

// OutboxEvent is a domain event persisted alongside the state change that produced it.
type OutboxEvent struct {
	ID        int64
	EventID   string
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
	SentAt    *time.Time
}
