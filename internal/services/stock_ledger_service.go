package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

const (
	maxLotTextLength = 200
	maxTaxRate       = 100
)

// StockLedgerServiceDeps bundles the collaborators required to construct a stock ledger service.
type StockLedgerServiceDeps struct {
	Ledger      repositories.LedgerRepository
	Orders      repositories.OrderRepository
	Outbox      repositories.OutboxRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	EventIDs    func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type stockLedgerService struct {
	ledger   repositories.LedgerRepository
	orders   repositories.OrderRepository
	outbox   repositories.OutboxRepository
	uow      repositories.UnitOfWork
	clock    func() time.Time
	newID    func() string
	eventIDs func() string
	logger   func(context.Context, string, map[string]any)
	policy   *bluemonday.Policy
}

// NewStockLedgerService wires dependencies into a concrete StockLedgerService implementation.
func NewStockLedgerService(deps StockLedgerServiceDeps) (StockLedgerService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("stock ledger service: ledger repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("stock ledger service: order repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("stock ledger service: unit of work is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	eventIDs := deps.EventIDs
	if eventIDs == nil {
		eventIDs = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stockLedgerService{
		ledger: deps.Ledger,
		orders: deps.Orders,
		outbox: deps.Outbox,
		uow:    deps.UnitOfWork,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		eventIDs: eventIDs,
		logger:   logger,
		policy:   bluemonday.StrictPolicy(),
	}, nil
}

func (s *stockLedgerService) GetAvailable(ctx context.Context, productID string) (int64, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return 0, fmt.Errorf("%w: product id is required", ErrLedgerInvalidInput)
	}
	product, err := s.ledger.GetProduct(ctx, productID)
	if err != nil {
		return 0, mapLedgerError(err)
	}
	return product.TotalQuantity, nil
}

func (s *stockLedgerService) TryReserve(ctx context.Context, productID string, quantity int64) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return fmt.Errorf("%w: product id is required", ErrLedgerInvalidInput)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrLedgerInvalidInput)
	}

	err := s.ledger.DecrementIfAvailable(ctx, productID, quantity, s.clock())
	if err == nil {
		return nil
	}
	if repositories.LedgerErrorCodeOf(err) != repositories.LedgerErrorInsufficientStock {
		return mapLedgerError(err)
	}

	// Informational only; the conditional decrement already decided.
	insufficient := &InsufficientStockError{ProductID: productID, Requested: quantity}
	if product, getErr := s.ledger.GetProduct(ctx, productID); getErr == nil {
		insufficient.Available = product.TotalQuantity
	}
	return insufficient
}

func (s *stockLedgerService) Release(ctx context.Context, productID string, quantity int64) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return fmt.Errorf("%w: product id is required", ErrLedgerInvalidInput)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrLedgerInvalidInput)
	}
	return mapLedgerError(s.ledger.Increment(ctx, productID, quantity, s.clock()))
}

func (s *stockLedgerService) CurrentPriceFor(ctx context.Context, productID, size string) (LotPrice, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return LotPrice{}, fmt.Errorf("%w: product id is required", ErrLedgerInvalidInput)
	}
	size = domain.NormalizeSize(size)
	if size == "" {
		return LotPrice{}, fmt.Errorf("%w: size is required", ErrLedgerInvalidInput)
	}

	lot, err := s.ledger.LatestLot(ctx, productID, size)
	if err != nil {
		return LotPrice{}, mapLedgerError(err)
	}
	return LotPrice{
		ProductID: lot.ProductID,
		Size:      lot.Size,
		LotID:     lot.ID,
		UnitPrice: lot.SellingPrice,
		TaxRate:   lot.TaxRate,
	}, nil
}

func (s *stockLedgerService) AddLot(ctx context.Context, cmd AddLotCommand) (StockLot, error) {
	lot, err := s.buildLot(cmd)
	if err != nil {
		return StockLot{}, err
	}

	var available int64
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.ledger.AppendLot(txCtx, lot); err != nil {
			return err
		}
		if err := s.ledger.Increment(txCtx, lot.ProductID, lot.Quantity, lot.CreatedAt); err != nil {
			return err
		}
		product, err := s.ledger.GetProduct(txCtx, lot.ProductID)
		if err != nil {
			return err
		}
		available = product.TotalQuantity
		return appendOutboxEvent(txCtx, s.outbox, s.eventIDs(), EventStockLotAdded, lot.ProductID, StockLotAddedEvent{
			LotID:        lot.ID,
			ProductID:    lot.ProductID,
			Size:         lot.Size,
			Quantity:     lot.Quantity,
			SellingPrice: lot.SellingPrice,
			TaxRate:      lot.TaxRate,
			Available:    available,
			OccurredAt:   lot.CreatedAt,
		}, lot.CreatedAt)
	})
	if err != nil {
		return StockLot{}, mapLedgerError(err)
	}

	s.logger(ctx, "ledger.lot_added", map[string]any{
		"productId": lot.ProductID,
		"size":      lot.Size,
		"lotId":     lot.ID,
		"quantity":  lot.Quantity,
		"available": available,
	})
	return lot, nil
}

func (s *stockLedgerService) Reconcile(ctx context.Context, productID string) (ReconcileResult, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: product id is required", ErrLedgerInvalidInput)
	}

	var result ReconcileResult
	err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		// The row lock keeps reservations and releases out until the overwrite commits.
		product, err := s.ledger.LockProduct(txCtx, productID)
		if err != nil {
			return err
		}
		lots, err := s.ledger.SumLotQuantity(txCtx, productID)
		if err != nil {
			return err
		}
		open, err := s.orders.SumUnreleasedQuantity(txCtx, productID)
		if err != nil {
			return err
		}

		now := s.clock()
		result = ReconcileResult{
			ProductID:    productID,
			Previous:     product.TotalQuantity,
			Recomputed:   lots - open,
			LotQuantity:  lots,
			OpenQuantity: open,
			ReconciledAt: now,
		}
		if result.Recomputed < 0 {
			return repositories.NewLedgerError(repositories.LedgerErrorInvalidState,
				fmt.Sprintf("product %s holds %d units in open orders but only %d in lots", productID, open, lots), nil)
		}
		if result.Recomputed == result.Previous {
			return nil
		}
		result.Adjusted = true
		return s.ledger.OverwriteTotal(txCtx, productID, result.Recomputed, now)
	})
	if err != nil {
		if repositories.LedgerErrorCodeOf(err) == repositories.LedgerErrorInvalidState {
			s.logger(ctx, "ledger.reconcile_failed", map[string]any{"productId": productID, "error": err.Error()})
			return ReconcileResult{}, fmt.Errorf("%w: %v", ErrLedgerInconsistent, err)
		}
		return ReconcileResult{}, mapLedgerError(err)
	}

	s.logger(ctx, "ledger.reconciled", map[string]any{
		"productId":  productID,
		"previous":   result.Previous,
		"recomputed": result.Recomputed,
		"adjusted":   result.Adjusted,
	})
	return result, nil
}

func (s *stockLedgerService) CreateProduct(ctx context.Context, cmd CreateProductCommand) (Product, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrLedgerInvalidInput)
	}
	if len(productID) > 64 {
		return Product{}, fmt.Errorf("%w: product id must be at most 64 characters", ErrLedgerInvalidInput)
	}

	now := s.clock()
	product, err := s.ledger.CreateProduct(ctx, Product{
		ID:        productID,
		Name:      strings.TrimSpace(s.policy.Sanitize(cmd.Name)),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Product{}, mapLedgerError(err)
	}
	return product, nil
}

func (s *stockLedgerService) buildLot(cmd AddLotCommand) (StockLot, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return StockLot{}, fmt.Errorf("%w: product id is required", ErrLedgerInvalidInput)
	}
	size := domain.NormalizeSize(cmd.Size)
	if size == "" {
		return StockLot{}, fmt.Errorf("%w: size is required", ErrLedgerInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return StockLot{}, fmt.Errorf("%w: quantity must be positive", ErrLedgerInvalidInput)
	}
	if cmd.UnitCost.IsNegative() {
		return StockLot{}, fmt.Errorf("%w: unit cost must be >= 0", ErrLedgerInvalidInput)
	}
	if cmd.SellingPrice.IsNegative() {
		return StockLot{}, fmt.Errorf("%w: selling price must be >= 0", ErrLedgerInvalidInput)
	}
	if cmd.TaxRate.IsNegative() || cmd.TaxRate.GreaterThan(decimal.NewFromInt(maxTaxRate)) {
		return StockLot{}, fmt.Errorf("%w: tax rate must be between 0 and %d", ErrLedgerInvalidInput, maxTaxRate)
	}

	lotNumber := s.cleanText(cmd.LotNumber)
	note := s.cleanText(cmd.Note)
	if len(lotNumber) > maxLotTextLength || len(note) > maxLotTextLength {
		return StockLot{}, fmt.Errorf("%w: lot number and note must be at most %d characters", ErrLedgerInvalidInput, maxLotTextLength)
	}

	return StockLot{
		ID:           ensureLotID(s.newID()),
		ProductID:    productID,
		Size:         size,
		LotNumber:    lotNumber,
		UnitCost:     cmd.UnitCost,
		SellingPrice: cmd.SellingPrice,
		TaxRate:      cmd.TaxRate,
		Quantity:     cmd.Quantity,
		TotalPrice:   domain.LotTotal(cmd.Quantity, cmd.SellingPrice),
		Note:         note,
		CreatedAt:    s.clock(),
	}, nil
}

func (s *stockLedgerService) cleanText(value string) string {
	return strings.TrimSpace(s.policy.Sanitize(strings.TrimSpace(value)))
}

func ensureLotID(candidate string) string {
	return ensurePrefixedID("lot_", candidate)
}

func ensurePrefixedID(prefix, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		trimmed = ulid.Make().String()
	}
	if strings.HasPrefix(trimmed, prefix) {
		return trimmed
	}
	return prefix + trimmed
}
