package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

// CartServiceDeps bundles the collaborators required to construct a cart service.
type CartServiceDeps struct {
	Carts       repositories.CartRepository
	Ledger      StockLedgerService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts  repositories.CartRepository
	ledger StockLedgerService
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewCartService wires dependencies into a concrete CartService implementation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("cart service: stock ledger is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		carts:  deps.Carts,
		ledger: deps.Ledger,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *cartService) Add(ctx context.Context, cmd AddCartLineCommand) (CartLine, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return CartLine{}, fmt.Errorf("%w: owner id is required", ErrCartInvalidInput)
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return CartLine{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	size := domain.NormalizeSize(cmd.Size)
	if size == "" {
		return CartLine{}, fmt.Errorf("%w: size is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return CartLine{}, fmt.Errorf("%w: quantity must be positive", ErrCartInvalidInput)
	}

	price, err := s.ledger.CurrentPriceFor(ctx, productID, size)
	if err != nil {
		return CartLine{}, err
	}

	// Advisory only. Stock is not held for cart lines and checkout re-validates.
	available, err := s.ledger.GetAvailable(ctx, productID)
	if err != nil {
		return CartLine{}, err
	}
	if available < cmd.Quantity {
		return CartLine{}, &InsufficientStockError{
			ProductID: productID,
			Size:      size,
			Requested: cmd.Quantity,
			Available: available,
		}
	}

	line := CartLine{
		ID:         ensureCartLineID(s.newID()),
		OwnerID:    ownerID,
		ProductID:  productID,
		Size:       size,
		Quantity:   cmd.Quantity,
		UnitPrice:  price.UnitPrice,
		TaxRate:    price.TaxRate,
		BillAmount: domain.ComputeBill(cmd.Quantity, price.UnitPrice, price.TaxRate),
		CreatedAt:  s.clock(),
	}
	if err := s.carts.Insert(ctx, line); err != nil {
		return CartLine{}, mapLedgerError(err)
	}

	s.logger(ctx, "cart.line_added", map[string]any{
		"ownerId":   ownerID,
		"lineId":    line.ID,
		"productId": productID,
		"size":      size,
		"quantity":  line.Quantity,
	})
	return line, nil
}

func (s *cartService) Remove(ctx context.Context, ownerID, lineID string) error {
	ownerID = strings.TrimSpace(ownerID)
	lineID = strings.TrimSpace(lineID)
	if ownerID == "" || lineID == "" {
		return fmt.Errorf("%w: owner id and line id are required", ErrCartInvalidInput)
	}
	if err := s.carts.Delete(ctx, ownerID, lineID); err != nil {
		return mapLedgerError(err)
	}
	return nil
}

func (s *cartService) List(ctx context.Context, ownerID string) ([]CartLine, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrCartInvalidInput)
	}
	lines, err := s.carts.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	if lines == nil {
		lines = []CartLine{}
	}
	return lines, nil
}

func ensureCartLineID(candidate string) string {
	return ensurePrefixedID("cl_", candidate)
}
