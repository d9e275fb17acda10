package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

// OrderLifecycleServiceDeps bundles the collaborators required to construct an order lifecycle service.
type OrderLifecycleServiceDeps struct {
	UnitOfWork repositories.UnitOfWork
	Orders     repositories.OrderRepository
	Ledger     StockLedgerService
	Outbox     repositories.OutboxRepository
	Metrics    CheckoutMetrics
	Clock      func() time.Time
	EventIDs   func() string
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type orderLifecycleService struct {
	uow      repositories.UnitOfWork
	orders   repositories.OrderRepository
	ledger   StockLedgerService
	outbox   repositories.OutboxRepository
	metrics  CheckoutMetrics
	clock    func() time.Time
	eventIDs func() string
	logger   func(context.Context, string, map[string]any)
}

// NewOrderLifecycleService wires dependencies into a concrete OrderLifecycleService implementation.
func NewOrderLifecycleService(deps OrderLifecycleServiceDeps) (OrderLifecycleService, error) {
	if deps.UnitOfWork == nil {
		return nil, errors.New("order lifecycle service: unit of work is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("order lifecycle service: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order lifecycle service: stock ledger is required")
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopCheckoutMetrics{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	eventIDs := deps.EventIDs
	if eventIDs == nil {
		eventIDs = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderLifecycleService{
		uow:     deps.UnitOfWork,
		orders:  deps.Orders,
		ledger:  deps.Ledger,
		outbox:  deps.Outbox,
		metrics: metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		eventIDs: eventIDs,
		logger:   logger,
	}, nil
}

func (s *orderLifecycleService) Cancel(ctx context.Context, cmd OrderActionCommand) (CancelOrderResult, error) {
	orderID, err := validateOrderAction(cmd)
	if err != nil {
		return CancelOrderResult{}, err
	}

	var (
		result   CancelOrderResult
		released int64
	)
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		released = 0
		order, err := s.loadVisible(txCtx, orderID, cmd)
		if err != nil {
			return err
		}

		now := s.clock()
		claimed, err := s.orders.ClaimRelease(txCtx, orderID, domain.OrderStatusCancelled, now)
		if err != nil {
			return mapLedgerError(err)
		}
		if !claimed {
			current, err := s.loadVisible(txCtx, orderID, cmd)
			if err != nil {
				return err
			}
			if current.Status != domain.OrderStatusCancelled {
				return fmt.Errorf("%w: order %s is %s", ErrOrderInvalidTransition, orderID, current.Status)
			}
			result = CancelOrderResult{Order: current, AlreadyCancelled: true}
			return nil
		}

		if err := s.ledger.Release(txCtx, order.ProductID, order.Quantity); err != nil {
			return err
		}
		released = order.Quantity
		order.Status = domain.OrderStatusCancelled
		order.StockReleased = true
		order.UpdatedAt = now
		result = CancelOrderResult{Order: order}
		return s.appendStatusEvent(txCtx, EventOrderCancelled, order, released, now)
	})
	if err != nil {
		return CancelOrderResult{}, err
	}

	if !result.AlreadyCancelled {
		s.metrics.AddReleasedUnits(released)
		s.logger(ctx, "order.cancelled", map[string]any{
			"orderId":       orderID,
			"orderCode":     result.Order.OrderCode,
			"productId":     result.Order.ProductID,
			"releasedUnits": released,
		})
	}
	return result, nil
}

func (s *orderLifecycleService) Delete(ctx context.Context, cmd OrderActionCommand) error {
	orderID, err := validateOrderAction(cmd)
	if err != nil {
		return err
	}

	var (
		order    Order
		released int64
	)
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		released = 0
		loaded, err := s.loadVisible(txCtx, orderID, cmd)
		if err != nil {
			return err
		}
		order = loaded

		now := s.clock()
		claimed, err := s.orders.ClaimRelease(txCtx, orderID, domain.OrderStatusDeleted, now)
		if err != nil {
			return mapLedgerError(err)
		}
		if claimed {
			if err := s.ledger.Release(txCtx, order.ProductID, order.Quantity); err != nil {
				return err
			}
			released = order.Quantity
		} else {
			// Stock already went back on cancel; only the status moves.
			moved, err := s.orders.UpdateStatus(txCtx, orderID, []OrderStatus{domain.OrderStatusCancelled}, domain.OrderStatusDeleted, now)
			if err != nil {
				return mapLedgerError(err)
			}
			if !moved {
				current, err := s.loadVisible(txCtx, orderID, cmd)
				if err != nil {
					return err
				}
				return fmt.Errorf("%w: order %s is %s", ErrOrderInvalidTransition, orderID, current.Status)
			}
		}
		order.Status = domain.OrderStatusDeleted
		order.StockReleased = true
		order.UpdatedAt = now
		return s.appendStatusEvent(txCtx, EventOrderDeleted, order, released, now)
	})
	if err != nil {
		return err
	}

	if released > 0 {
		s.metrics.AddReleasedUnits(released)
	}
	s.logger(ctx, "order.deleted", map[string]any{
		"orderId":       orderID,
		"orderCode":     order.OrderCode,
		"productId":     order.ProductID,
		"releasedUnits": released,
	})
	return nil
}

func (s *orderLifecycleService) MarkProcessing(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	orderID, err := validateOrderAction(cmd)
	if err != nil {
		return Order{}, err
	}

	var order Order
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		now := s.clock()
		moved, err := s.orders.UpdateStatus(txCtx, orderID, []OrderStatus{domain.OrderStatusPlaced}, domain.OrderStatusProcessing, now)
		if err != nil {
			return mapLedgerError(err)
		}
		loaded, err := s.loadVisible(txCtx, orderID, cmd)
		if err != nil {
			return err
		}
		order = loaded
		if !moved {
			return fmt.Errorf("%w: order %s is %s", ErrOrderInvalidTransition, orderID, order.Status)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.processing", map[string]any{"orderId": orderID, "orderCode": order.OrderCode})
	return order, nil
}

func (s *orderLifecycleService) Get(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	orderID, err := validateOrderAction(cmd)
	if err != nil {
		return Order{}, err
	}
	return s.loadVisible(ctx, orderID, cmd)
}

func (s *orderLifecycleService) ListByCode(ctx context.Context, ownerID, code string) ([]Order, error) {
	ownerID = strings.TrimSpace(ownerID)
	code = strings.TrimSpace(code)
	if ownerID == "" || code == "" {
		return nil, fmt.Errorf("%w: owner id and order code are required", ErrOrderInvalidInput)
	}
	orders, err := s.orders.ListByCode(ctx, ownerID, code)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	if orders == nil {
		orders = []Order{}
	}
	return orders, nil
}

func (s *orderLifecycleService) ListForOwner(ctx context.Context, ownerID string, page Pagination) (domain.CursorPage[Order], error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: owner id is required", ErrOrderInvalidInput)
	}
	if page.PageSize < 0 {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: page size must be >= 0", ErrOrderInvalidInput)
	}
	result, err := s.orders.ListByOwner(ctx, ownerID, repositories.OrderListFilter{Pagination: page})
	if err != nil {
		return domain.CursorPage[Order]{}, mapLedgerError(err)
	}
	if result.Items == nil {
		result.Items = []Order{}
	}
	return result, nil
}

// loadVisible returns the order when it exists, is not deleted, and the caller may see it.
func (s *orderLifecycleService) loadVisible(ctx context.Context, orderID string, cmd OrderActionCommand) (Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapLedgerError(err)
	}
	if order.Status == domain.OrderStatusDeleted {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}
	if !cmd.ActorIsStaff && order.OwnerID != strings.TrimSpace(cmd.OwnerID) {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *orderLifecycleService) appendStatusEvent(ctx context.Context, topic string, order Order, released int64, now time.Time) error {
	return appendOutboxEvent(ctx, s.outbox, s.eventIDs(), topic, order.OrderCode, OrderStatusEvent{
		OrderID:       order.ID,
		OrderCode:     order.OrderCode,
		OwnerID:       order.OwnerID,
		Status:        order.Status,
		ReleasedUnits: released,
		OccurredAt:    now,
	}, now)
}

func validateOrderAction(cmd OrderActionCommand) (string, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return "", fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.ActorIsStaff && strings.TrimSpace(cmd.OwnerID) == "" {
		return "", fmt.Errorf("%w: owner id is required", ErrOrderInvalidInput)
	}
	return orderID, nil
}
