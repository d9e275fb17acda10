package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

type lifecycleFixture struct {
	orders   *stubOrderRepo
	ledger   *stubLedgerService
	outbox   *captureOutbox
	metrics  *captureMetrics
	released int64
	current  domain.Order
}

func newLifecycleFixture(order domain.Order) *lifecycleFixture {
	f := &lifecycleFixture{
		ledger:  &stubLedgerService{},
		outbox:  &captureOutbox{},
		metrics: &captureMetrics{},
		current: order,
	}
	f.ledger.releaseFn = func(_ context.Context, _ string, quantity int64) error {
		f.released += quantity
		return nil
	}
	f.orders = &stubOrderRepo{
		findFn: func(_ context.Context, orderID string) (domain.Order, error) {
			if orderID != f.current.ID {
				return domain.Order{}, repositories.NewLedgerError(repositories.LedgerErrorOrderNotFound, "missing", nil)
			}
			return f.current, nil
		},
		claimFn: func(_ context.Context, _ string, to domain.OrderStatus, _ time.Time) (bool, error) {
			if f.current.StockReleased || !f.current.Status.IsOpen() {
				return false, nil
			}
			f.current.Status = to
			f.current.StockReleased = true
			return true, nil
		},
		updateStatusFn: func(_ context.Context, _ string, from []domain.OrderStatus, to domain.OrderStatus, _ time.Time) (bool, error) {
			for _, status := range from {
				if f.current.Status == status {
					f.current.Status = to
					return true, nil
				}
			}
			return false, nil
		},
	}
	return f
}

func (f *lifecycleFixture) service(t *testing.T) OrderLifecycleService {
	t.Helper()
	svc, err := NewOrderLifecycleService(OrderLifecycleServiceDeps{
		UnitOfWork: &passThroughUnitOfWork{},
		Orders:     f.orders,
		Ledger:     f.ledger,
		Outbox:     f.outbox,
		Metrics:    f.metrics,
		Clock:      func() time.Time { return time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new lifecycle service: %v", err)
	}
	return svc
}

func placedOrder() domain.Order {
	return domain.Order{ID: "ord_1", OrderCode: "CODE", OwnerID: "u1", ProductID: "P1", Size: "M", Quantity: 4, Status: domain.OrderStatusPlaced}
}

func TestLifecycleCancelReleasesOnce(t *testing.T) {
	f := newLifecycleFixture(placedOrder())
	svc := f.service(t)
	cmd := OrderActionCommand{OrderID: "ord_1", OwnerID: "u1"}

	first, err := svc.Cancel(context.Background(), cmd)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if first.AlreadyCancelled || first.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("unexpected first result %+v", first)
	}

	second, err := svc.Cancel(context.Background(), cmd)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if !second.AlreadyCancelled {
		t.Fatalf("expected second cancel to be a no-op")
	}
	if f.released != 4 || f.metrics.released != 4 {
		t.Fatalf("expected exactly 4 units released, got %d (metrics %d)", f.released, f.metrics.released)
	}
	if len(f.outbox.events) != 1 || f.outbox.events[0].Topic != EventOrderCancelled {
		t.Fatalf("expected a single order.cancelled event, got %+v", f.outbox.events)
	}
}

func TestLifecycleCancelHidesOtherOwners(t *testing.T) {
	f := newLifecycleFixture(placedOrder())
	svc := f.service(t)

	_, err := svc.Cancel(context.Background(), OrderActionCommand{OrderID: "ord_1", OwnerID: "intruder"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if f.released != 0 {
		t.Fatalf("no stock may move")
	}

	if _, err := svc.Cancel(context.Background(), OrderActionCommand{OrderID: "ord_1", ActorIsStaff: true}); err != nil {
		t.Fatalf("staff cancel: %v", err)
	}
}

func TestLifecycleDeleteAfterCancelDoesNotReleaseTwice(t *testing.T) {
	f := newLifecycleFixture(placedOrder())
	svc := f.service(t)
	cmd := OrderActionCommand{OrderID: "ord_1", OwnerID: "u1"}

	if _, err := svc.Cancel(context.Background(), cmd); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := svc.Delete(context.Background(), cmd); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.released != 4 {
		t.Fatalf("expected 4 units released in total, got %d", f.released)
	}
	if f.current.Status != domain.OrderStatusDeleted {
		t.Fatalf("expected deleted, got %s", f.current.Status)
	}

	if err := svc.Delete(context.Background(), cmd); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound on second delete, got %v", err)
	}
	if _, err := svc.Get(context.Background(), cmd); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("deleted orders must be hidden, got %v", err)
	}
	if _, err := svc.Cancel(context.Background(), cmd); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("cancel on deleted order must be NotFound, got %v", err)
	}
}

func TestLifecycleDeleteOpenOrderReleases(t *testing.T) {
	order := placedOrder()
	order.Status = domain.OrderStatusProcessing
	f := newLifecycleFixture(order)
	svc := f.service(t)

	if err := svc.Delete(context.Background(), OrderActionCommand{OrderID: "ord_1", OwnerID: "u1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.released != 4 {
		t.Fatalf("expected 4 units released, got %d", f.released)
	}
	if len(f.outbox.events) != 1 || f.outbox.events[0].Topic != EventOrderDeleted {
		t.Fatalf("expected order.deleted event, got %+v", f.outbox.events)
	}
}

func TestLifecycleMarkProcessing(t *testing.T) {
	f := newLifecycleFixture(placedOrder())
	svc := f.service(t)
	cmd := OrderActionCommand{OrderID: "ord_1", ActorIsStaff: true}

	order, err := svc.MarkProcessing(context.Background(), cmd)
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", order.Status)
	}
	if _, err := svc.MarkProcessing(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
	}
	if f.released != 0 {
		t.Fatalf("processing must not move stock")
	}
}

func TestLifecycleListForOwnerRejectsNegativePageSize(t *testing.T) {
	f := newLifecycleFixture(placedOrder())
	svc := f.service(t)

	if _, err := svc.ListForOwner(context.Background(), "u1", Pagination{PageSize: -1}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}
