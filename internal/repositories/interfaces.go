package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/commerce/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error
	Ping(ctx context.Context) error

	Ledger() LedgerRepository
	Carts() CartRepository
	Orders() OrderRepository
	Outbox() OutboxRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in one transactional boundary. Repositories called with the
// context handed to fn join the transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// LedgerRepository owns products and their append-only stock lots. It is the only writer of
// products.total_quantity.
type LedgerRepository interface {
	CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error)
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	// LockProduct reads the row and blocks other writers of it until the transaction on ctx ends.
	LockProduct(ctx context.Context, productID string) (domain.Product, error)
	// DecrementIfAvailable subtracts quantity in a single conditional statement. It returns a LedgerError
	// with LedgerErrorInsufficientStock when the row holds less than quantity.
	DecrementIfAvailable(ctx context.Context, productID string, quantity int64, now time.Time) error
	Increment(ctx context.Context, productID string, quantity int64, now time.Time) error
	AppendLot(ctx context.Context, lot domain.StockLot) error
	LatestLot(ctx context.Context, productID, size string) (domain.StockLot, error)
	SumLotQuantity(ctx context.Context, productID string) (int64, error)
	// OverwriteTotal replaces the aggregate. Reserved for reconciliation.
	OverwriteTotal(ctx context.Context, productID string, quantity int64, now time.Time) error
}

// CartRepository persists staged cart lines per owner.
type CartRepository interface {
	Insert(ctx context.Context, line domain.CartLine) error
	ListByOwner(ctx context.Context, ownerID string) ([]domain.CartLine, error)
	Delete(ctx context.Context, ownerID, lineID string) error
	DeleteLines(ctx context.Context, ownerID string, lineIDs []string) (int64, error)
}

// OrderListFilter constrains owner scoped order listings.
type OrderListFilter struct {
	Pagination domain.Pagination
}

// OrderRepository persists order batches and their line orders.
type OrderRepository interface {
	CodeExists(ctx context.Context, code string) (bool, error)
	InsertBatch(ctx context.Context, batch domain.OrderBatch) error
	Insert(ctx context.Context, order domain.Order) error
	// FindByID returns the order in any status, including soft deleted rows.
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	ListByCode(ctx context.Context, ownerID, code string) ([]domain.Order, error)
	ListByOwner(ctx context.Context, ownerID string, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// ClaimRelease moves an open order whose stock has not been released to the target status and flags it
	// released. The boolean reports whether this call performed the claim.
	ClaimRelease(ctx context.Context, orderID string, to domain.OrderStatus, now time.Time) (bool, error)
	// UpdateStatus performs a compare-and-set transition from any of the listed statuses.
	UpdateStatus(ctx context.Context, orderID string, from []domain.OrderStatus, to domain.OrderStatus, now time.Time) (bool, error)
	SumUnreleasedQuantity(ctx context.Context, productID string) (int64, error)
}

// OutboxRepository stores domain events written alongside state changes for later relay.
type OutboxRepository interface {
	Append(ctx context.Context, event domain.OutboxEvent) error
	FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkSent(ctx context.Context, id int64, sentAt time.Time) error
}
