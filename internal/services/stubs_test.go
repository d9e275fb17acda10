package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

type passThroughUnitOfWork struct {
	calls int
}

func (u *passThroughUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	u.calls++
	return fn(ctx)
}

type stubLedgerRepo struct {
	createFn    func(ctx context.Context, product domain.Product) (domain.Product, error)
	getFn       func(ctx context.Context, productID string) (domain.Product, error)
	lockFn      func(ctx context.Context, productID string) (domain.Product, error)
	decrementFn func(ctx context.Context, productID string, quantity int64, now time.Time) error
	incrementFn func(ctx context.Context, productID string, quantity int64, now time.Time) error
	appendFn    func(ctx context.Context, lot domain.StockLot) error
	latestFn    func(ctx context.Context, productID, size string) (domain.StockLot, error)
	sumLotsFn   func(ctx context.Context, productID string) (int64, error)
	overwriteFn func(ctx context.Context, productID string, quantity int64, now time.Time) error

	calls []string
}

func (s *stubLedgerRepo) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if s.createFn != nil {
		return s.createFn(ctx, product)
	}
	return product, nil
}

func (s *stubLedgerRepo) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	s.calls = append(s.calls, "get")
	if s.getFn != nil {
		return s.getFn(ctx, productID)
	}
	return domain.Product{}, errors.New("not implemented")
}

func (s *stubLedgerRepo) LockProduct(ctx context.Context, productID string) (domain.Product, error) {
	s.calls = append(s.calls, "lock")
	if s.lockFn != nil {
		return s.lockFn(ctx, productID)
	}
	return domain.Product{}, errors.New("not implemented")
}

func (s *stubLedgerRepo) DecrementIfAvailable(ctx context.Context, productID string, quantity int64, now time.Time) error {
	s.calls = append(s.calls, "decrement")
	if s.decrementFn != nil {
		return s.decrementFn(ctx, productID, quantity, now)
	}
	return nil
}

func (s *stubLedgerRepo) Increment(ctx context.Context, productID string, quantity int64, now time.Time) error {
	if s.incrementFn != nil {
		return s.incrementFn(ctx, productID, quantity, now)
	}
	return nil
}

func (s *stubLedgerRepo) AppendLot(ctx context.Context, lot domain.StockLot) error {
	if s.appendFn != nil {
		return s.appendFn(ctx, lot)
	}
	return nil
}

func (s *stubLedgerRepo) LatestLot(ctx context.Context, productID, size string) (domain.StockLot, error) {
	if s.latestFn != nil {
		return s.latestFn(ctx, productID, size)
	}
	return domain.StockLot{}, errors.New("not implemented")
}

func (s *stubLedgerRepo) SumLotQuantity(ctx context.Context, productID string) (int64, error) {
	s.calls = append(s.calls, "sum_lots")
	if s.sumLotsFn != nil {
		return s.sumLotsFn(ctx, productID)
	}
	return 0, nil
}

func (s *stubLedgerRepo) OverwriteTotal(ctx context.Context, productID string, quantity int64, now time.Time) error {
	s.calls = append(s.calls, "overwrite")
	if s.overwriteFn != nil {
		return s.overwriteFn(ctx, productID, quantity, now)
	}
	return nil
}

type stubOrderRepo struct {
	codeExistsFn   func(ctx context.Context, code string) (bool, error)
	insertBatchFn  func(ctx context.Context, batch domain.OrderBatch) error
	insertFn       func(ctx context.Context, order domain.Order) error
	findFn         func(ctx context.Context, orderID string) (domain.Order, error)
	listByCodeFn   func(ctx context.Context, ownerID, code string) ([]domain.Order, error)
	listByOwnerFn  func(ctx context.Context, ownerID string, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
	claimFn        func(ctx context.Context, orderID string, to domain.OrderStatus, now time.Time) (bool, error)
	updateStatusFn func(ctx context.Context, orderID string, from []domain.OrderStatus, to domain.OrderStatus, now time.Time) (bool, error)
	sumOpenFn      func(ctx context.Context, productID string) (int64, error)
}

func (s *stubOrderRepo) CodeExists(ctx context.Context, code string) (bool, error) {
	if s.codeExistsFn != nil {
		return s.codeExistsFn(ctx, code)
	}
	return false, nil
}

func (s *stubOrderRepo) InsertBatch(ctx context.Context, batch domain.OrderBatch) error {
	if s.insertBatchFn != nil {
		return s.insertBatchFn(ctx, batch)
	}
	return nil
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, repositories.NewLedgerError(repositories.LedgerErrorOrderNotFound, "order not found", nil)
}

func (s *stubOrderRepo) ListByCode(ctx context.Context, ownerID, code string) ([]domain.Order, error) {
	if s.listByCodeFn != nil {
		return s.listByCodeFn(ctx, ownerID, code)
	}
	return nil, nil
}

func (s *stubOrderRepo) ListByOwner(ctx context.Context, ownerID string, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listByOwnerFn != nil {
		return s.listByOwnerFn(ctx, ownerID, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderRepo) ClaimRelease(ctx context.Context, orderID string, to domain.OrderStatus, now time.Time) (bool, error) {
	if s.claimFn != nil {
		return s.claimFn(ctx, orderID, to, now)
	}
	return false, nil
}

func (s *stubOrderRepo) UpdateStatus(ctx context.Context, orderID string, from []domain.OrderStatus, to domain.OrderStatus, now time.Time) (bool, error) {
	if s.updateStatusFn != nil {
		return s.updateStatusFn(ctx, orderID, from, to, now)
	}
	return false, nil
}

func (s *stubOrderRepo) SumUnreleasedQuantity(ctx context.Context, productID string) (int64, error) {
	if s.sumOpenFn != nil {
		return s.sumOpenFn(ctx, productID)
	}
	return 0, nil
}

type stubCartRepo struct {
	insertFn      func(ctx context.Context, line domain.CartLine) error
	listFn        func(ctx context.Context, ownerID string) ([]domain.CartLine, error)
	deleteFn      func(ctx context.Context, ownerID, lineID string) error
	deleteLinesFn func(ctx context.Context, ownerID string, lineIDs []string) (int64, error)
}

func (s *stubCartRepo) Insert(ctx context.Context, line domain.CartLine) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, line)
	}
	return nil
}

func (s *stubCartRepo) ListByOwner(ctx context.Context, ownerID string) ([]domain.CartLine, error) {
	if s.listFn != nil {
		return s.listFn(ctx, ownerID)
	}
	return nil, nil
}

func (s *stubCartRepo) Delete(ctx context.Context, ownerID, lineID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, ownerID, lineID)
	}
	return nil
}

func (s *stubCartRepo) DeleteLines(ctx context.Context, ownerID string, lineIDs []string) (int64, error) {
	if s.deleteLinesFn != nil {
		return s.deleteLinesFn(ctx, ownerID, lineIDs)
	}
	return int64(len(lineIDs)), nil
}

type captureOutbox struct {
	events  []domain.OutboxEvent
	pending []domain.OutboxEvent
	sent    []int64
	markErr error
}

func (c *captureOutbox) Append(_ context.Context, event domain.OutboxEvent) error {
	c.events = append(c.events, event)
	return nil
}

func (c *captureOutbox) FetchPending(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	if limit > len(c.pending) {
		limit = len(c.pending)
	}
	return c.pending[:limit], nil
}

func (c *captureOutbox) MarkSent(_ context.Context, id int64, _ time.Time) error {
	if c.markErr != nil {
		return c.markErr
	}
	c.sent = append(c.sent, id)
	return nil
}

type stubLedgerService struct {
	availableFn func(ctx context.Context, productID string) (int64, error)
	reserveFn   func(ctx context.Context, productID string, quantity int64) error
	releaseFn   func(ctx context.Context, productID string, quantity int64) error
	priceFn     func(ctx context.Context, productID, size string) (LotPrice, error)
}

func (s *stubLedgerService) GetAvailable(ctx context.Context, productID string) (int64, error) {
	if s.availableFn != nil {
		return s.availableFn(ctx, productID)
	}
	return 0, nil
}

func (s *stubLedgerService) TryReserve(ctx context.Context, productID string, quantity int64) error {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, productID, quantity)
	}
	return nil
}

func (s *stubLedgerService) Release(ctx context.Context, productID string, quantity int64) error {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, productID, quantity)
	}
	return nil
}

func (s *stubLedgerService) CurrentPriceFor(ctx context.Context, productID, size string) (LotPrice, error) {
	if s.priceFn != nil {
		return s.priceFn(ctx, productID, size)
	}
	return LotPrice{}, errors.New("not implemented")
}

func (s *stubLedgerService) AddLot(context.Context, AddLotCommand) (StockLot, error) {
	return StockLot{}, errors.New("not implemented")
}

func (s *stubLedgerService) Reconcile(context.Context, string) (ReconcileResult, error) {
	return ReconcileResult{}, errors.New("not implemented")
}

func (s *stubLedgerService) CreateProduct(context.Context, CreateProductCommand) (Product, error) {
	return Product{}, errors.New("not implemented")
}

type fixedCodes struct {
	codes []string
	err   error
}

func (f *fixedCodes) GenerateUnique(ctx context.Context, exists func(ctx context.Context, code string) (bool, error)) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	for len(f.codes) > 0 {
		code := f.codes[0]
		f.codes = f.codes[1:]
		taken, err := exists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrOrderCodeConflict
}

type captureMetrics struct {
	outcomes []string
	reserved int64
	released int64
}

func (m *captureMetrics) ObserveCheckout(kind CheckoutKind, outcome string) {
	m.outcomes = append(m.outcomes, string(kind)+":"+outcome)
}

func (m *captureMetrics) AddReservedUnits(units int64) { m.reserved += units }

func (m *captureMetrics) AddReleasedUnits(units int64) { m.released += units }

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}
