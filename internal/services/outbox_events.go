package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/commerce/internal/repositories"
)

const (
	EventOrderPlaced    = "order.placed"
	EventOrderCancelled = "order.cancelled"
	EventOrderDeleted   = "order.deleted"
	EventStockLotAdded  = "stock.lot_added"
)

// OrderPlacedEvent is published once per committed checkout.
type OrderPlacedEvent struct {
	OrderCode string             `json:"orderCode"`
	OwnerID   string             `json:"ownerId"`
	Kind      CheckoutKind       `json:"kind"`
	ItemCount int                `json:"itemCount"`
	Total     decimal.Decimal    `json:"total"`
	Orders    []OrderEventDetail `json:"orders"`
	PlacedAt  time.Time          `json:"placedAt"`
}

// OrderEventDetail summarises one order inside an event payload.
type OrderEventDetail struct {
	OrderID    string          `json:"orderId"`
	ProductID  string          `json:"productId"`
	Size       string          `json:"size"`
	Quantity   int64           `json:"quantity"`
	BillAmount decimal.Decimal `json:"billAmount"`
}

// OrderStatusEvent is published when an order is cancelled or deleted.
type OrderStatusEvent struct {
	OrderID       string      `json:"orderId"`
	OrderCode     string      `json:"orderCode"`
	OwnerID       string      `json:"ownerId"`
	Status        OrderStatus `json:"status"`
	ReleasedUnits int64       `json:"releasedUnits"`
	OccurredAt    time.Time   `json:"occurredAt"`
}

// StockLotAddedEvent is published when new stock is received.
type StockLotAddedEvent struct {
	LotID        string          `json:"lotId"`
	ProductID    string          `json:"productId"`
	Size         string          `json:"size"`
	Quantity     int64           `json:"quantity"`
	SellingPrice decimal.Decimal `json:"sellingPrice"`
	TaxRate      decimal.Decimal `json:"taxRate"`
	Available    int64           `json:"available"`
	OccurredAt   time.Time       `json:"occurredAt"`
}

func orderEventDetails(orders []Order) []OrderEventDetail {
	details := make([]OrderEventDetail, 0, len(orders))
	for _, order := range orders {
		details = append(details, OrderEventDetail{
			OrderID:    order.ID,
			ProductID:  order.ProductID,
			Size:       order.Size,
			Quantity:   order.Quantity,
			BillAmount: order.BillAmount,
		})
	}
	return details
}

// appendOutboxEvent stores the event in the caller's transaction. A nil repository disables the outbox.
func appendOutboxEvent(ctx context.Context, repo repositories.OutboxRepository, eventID, topic, key string, payload any, now time.Time) error {
	if repo == nil {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: encode %s: %w", topic, err)
	}
	return repo.Append(ctx, OutboxEvent{
		EventID:   eventID,
		Topic:     topic,
		Key:       key,
		Payload:   body,
		CreatedAt: now,
	})
}
