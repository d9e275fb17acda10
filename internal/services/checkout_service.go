package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

const (
	checkoutOutcomePlaced       = "placed"
	checkoutOutcomeInsufficient = "insufficient_stock"
	checkoutOutcomeRejected     = "rejected"
	checkoutOutcomeFailed       = "failed"
)

var tracer = otel.Tracer("github.com/hanko-field/commerce/internal/services")

// CheckoutServiceDeps bundles the collaborators required to construct a checkout service.
type CheckoutServiceDeps struct {
	UnitOfWork  repositories.UnitOfWork
	Ledger      StockLedgerService
	Carts       repositories.CartRepository
	Orders      repositories.OrderRepository
	Outbox      repositories.OutboxRepository
	Codes       OrderCodeSource
	Metrics     CheckoutMetrics
	Clock       func() time.Time
	IDGenerator func() string
	EventIDs    func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	uow      repositories.UnitOfWork
	ledger   StockLedgerService
	carts    repositories.CartRepository
	orders   repositories.OrderRepository
	outbox   repositories.OutboxRepository
	codes    OrderCodeSource
	metrics  CheckoutMetrics
	clock    func() time.Time
	newID    func() string
	eventIDs func() string
	logger   func(context.Context, string, map[string]any)
}

// NewCheckoutService wires dependencies into a concrete CheckoutService implementation.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.UnitOfWork == nil {
		return nil, errors.New("checkout service: unit of work is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("checkout service: stock ledger is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}

	codes := deps.Codes
	if codes == nil {
		codes = NewOrderCodeGenerator(WithCodeLogger(deps.Logger))
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopCheckoutMetrics{}
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

	return &checkoutService{
		uow:     deps.UnitOfWork,
		ledger:  deps.Ledger,
		carts:   deps.Carts,
		orders:  deps.Orders,
		outbox:  deps.Outbox,
		codes:   codes,
		metrics: metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		eventIDs: eventIDs,
		logger:   logger,
	}, nil
}

func (s *checkoutService) BuyNow(ctx context.Context, cmd BuyNowCommand) (CheckoutResult, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: owner id is required", ErrCheckoutInvalidInput)
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: product id is required", ErrCheckoutInvalidInput)
	}
	size := domain.NormalizeSize(cmd.Size)
	if size == "" {
		return CheckoutResult{}, fmt.Errorf("%w: size is required", ErrCheckoutInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return CheckoutResult{}, fmt.Errorf("%w: quantity must be positive", ErrCheckoutInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "checkout.buy_now", trace.WithAttributes(
		attribute.String("product.id", productID),
		attribute.String("product.size", size),
		attribute.Int64("quantity", cmd.Quantity),
	))
	defer span.End()

	var result CheckoutResult
	err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		now := s.clock()
		price, err := s.ledger.CurrentPriceFor(txCtx, productID, size)
		if err != nil {
			return err
		}
		if err := s.ledger.TryReserve(txCtx, productID, cmd.Quantity); err != nil {
			return annotateInsufficient(err, size, "")
		}
		code, err := s.codes.GenerateUnique(txCtx, s.orders.CodeExists)
		if err != nil {
			return err
		}
		orders := []Order{s.newOrder(ownerID, price, cmd.Quantity, now)}
		result, err = s.persist(txCtx, domain.CheckoutKindBuyNow, ownerID, code, orders, now)
		return err
	})
	return s.finish(ctx, span, domain.CheckoutKindBuyNow, ownerID, result, err)
}

func (s *checkoutService) CheckoutCart(ctx context.Context, ownerID string) (CheckoutResult, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: owner id is required", ErrCheckoutInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "checkout.cart")
	defer span.End()

	var result CheckoutResult
	err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		now := s.clock()
		lines, err := s.carts.ListByOwner(txCtx, ownerID)
		if err != nil {
			return mapLedgerError(err)
		}
		if len(lines) == 0 {
			return ErrCheckoutEmptyCart
		}
		span.SetAttributes(attribute.Int("cart.lines", len(lines)))

		code, err := s.codes.GenerateUnique(txCtx, s.orders.CodeExists)
		if err != nil {
			return err
		}

		// Lines are listed newest first; place them in the order they were staged.
		orders := make([]Order, 0, len(lines))
		lineIDs := make([]string, 0, len(lines))
		repriced := 0
		for i := len(lines) - 1; i >= 0; i-- {
			line := lines[i]
			price, err := s.ledger.CurrentPriceFor(txCtx, line.ProductID, line.Size)
			if err != nil {
				return err
			}
			if !price.UnitPrice.Equal(line.UnitPrice) || !price.TaxRate.Equal(line.TaxRate) {
				repriced++
			}
			if err := s.ledger.TryReserve(txCtx, line.ProductID, line.Quantity); err != nil {
				return annotateInsufficient(err, line.Size, line.ID)
			}
			orders = append(orders, s.newOrder(ownerID, price, line.Quantity, now))
			lineIDs = append(lineIDs, line.ID)
		}

		result, err = s.persist(txCtx, domain.CheckoutKindCart, ownerID, code, orders, now)
		if err != nil {
			return err
		}

		removed, err := s.carts.DeleteLines(txCtx, ownerID, lineIDs)
		if err != nil {
			return mapLedgerError(err)
		}
		if removed != int64(len(lineIDs)) {
			return fmt.Errorf("cart changed during checkout: removed %d of %d lines", removed, len(lineIDs))
		}
		if repriced > 0 {
			s.logger(txCtx, "checkout.repriced", map[string]any{
				"ownerId":   ownerID,
				"orderCode": code,
				"lines":     repriced,
			})
		}
		return nil
	})
	return s.finish(ctx, span, domain.CheckoutKindCart, ownerID, result, err)
}

func (s *checkoutService) newOrder(ownerID string, price LotPrice, quantity int64, now time.Time) Order {
	return Order{
		ID:         ensureOrderID(s.newID()),
		OwnerID:    ownerID,
		ProductID:  price.ProductID,
		Size:       price.Size,
		Quantity:   quantity,
		UnitPrice:  price.UnitPrice,
		TaxRate:    price.TaxRate,
		BillAmount: domain.ComputeBill(quantity, price.UnitPrice, price.TaxRate),
		Status:     domain.OrderStatusPlaced,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// persist claims the order code through the batch row, then stores the orders and the placement event.
func (s *checkoutService) persist(ctx context.Context, kind CheckoutKind, ownerID, code string, orders []Order, now time.Time) (CheckoutResult, error) {
	batch := OrderBatch{
		ID:        ensureBatchID(s.newID()),
		OrderCode: code,
		OwnerID:   ownerID,
		Kind:      kind,
		ItemCount: len(orders),
		Total:     domain.SumBills(orders),
		CreatedAt: now,
	}
	if err := s.orders.InsertBatch(ctx, batch); err != nil {
		return CheckoutResult{}, mapLedgerError(err)
	}
	for i := range orders {
		orders[i].BatchID = batch.ID
		orders[i].OrderCode = code
		if err := s.orders.Insert(ctx, orders[i]); err != nil {
			return CheckoutResult{}, mapLedgerError(err)
		}
	}

	err := appendOutboxEvent(ctx, s.outbox, s.eventIDs(), EventOrderPlaced, code, OrderPlacedEvent{
		OrderCode: code,
		OwnerID:   ownerID,
		Kind:      kind,
		ItemCount: batch.ItemCount,
		Total:     batch.Total,
		Orders:    orderEventDetails(orders),
		PlacedAt:  now,
	}, now)
	if err != nil {
		return CheckoutResult{}, err
	}

	return CheckoutResult{
		OrderCode: code,
		ItemCount: batch.ItemCount,
		Total:     batch.Total,
		Orders:    orders,
	}, nil
}

func (s *checkoutService) finish(ctx context.Context, span trace.Span, kind CheckoutKind, ownerID string, result CheckoutResult, err error) (CheckoutResult, error) {
	if err == nil {
		var units int64
		for _, order := range result.Orders {
			units += order.Quantity
		}
		s.metrics.ObserveCheckout(kind, checkoutOutcomePlaced)
		s.metrics.AddReservedUnits(units)
		span.SetAttributes(attribute.String("order.code", result.OrderCode))
		s.logger(ctx, "checkout.placed", map[string]any{
			"kind":      string(kind),
			"ownerId":   ownerID,
			"orderCode": result.OrderCode,
			"itemCount": result.ItemCount,
			"total":     result.Total.StringFixed(domain.MoneyScale),
		})
		return result, nil
	}

	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())

	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		s.metrics.ObserveCheckout(kind, checkoutOutcomeInsufficient)
		s.logger(ctx, "checkout.insufficient_stock", map[string]any{
			"kind":      string(kind),
			"ownerId":   ownerID,
			"productId": insufficient.ProductID,
			"size":      insufficient.Size,
			"lineId":    insufficient.LineID,
			"requested": insufficient.Requested,
			"available": insufficient.Available,
		})
		return CheckoutResult{}, err
	case isPassThrough(err):
		s.metrics.ObserveCheckout(kind, checkoutOutcomeRejected)
		return CheckoutResult{}, err
	default:
		s.metrics.ObserveCheckout(kind, checkoutOutcomeFailed)
		s.logger(ctx, "checkout.failed", map[string]any{
			"kind":    string(kind),
			"ownerId": ownerID,
			"error":   err.Error(),
		})
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
}

// annotateInsufficient adds the variant and cart line to a shortage reported by the ledger.
func annotateInsufficient(err error, size, lineID string) error {
	var insufficient *InsufficientStockError
	if errors.As(err, &insufficient) {
		annotated := *insufficient
		annotated.Size = size
		annotated.LineID = lineID
		return &annotated
	}
	return err
}

func ensureOrderID(candidate string) string {
	return ensurePrefixedID("ord_", candidate)
}

func ensureBatchID(candidate string) string {
	return ensurePrefixedID("ob_", candidate)
}

type noopCheckoutMetrics struct{}

func (noopCheckoutMetrics) ObserveCheckout(CheckoutKind, string) {}
func (noopCheckoutMetrics) AddReservedUnits(int64)               {}
func (noopCheckoutMetrics) AddReleasedUnits(int64)               {}
